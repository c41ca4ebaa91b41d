package resource

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Pattern is an Identifier whose domain and property values may contain
// the wildcards '*' and '?'. A trailing ",*" (or a bare "*" property list)
// makes it a property-list pattern: identifiers may carry extra properties.
//
//	app:type=Pool,name=*   every Pool with exactly the keys type and name
//	app:type=Pool,*        every Pool, whatever other keys it has
//	*:*                    everything
type Pattern struct {
	domain      string
	domainGlob  glob.Glob
	props       map[string]string
	valueGlobs  map[string]glob.Glob
	listPattern bool
	canonical   string
}

// ParsePattern parses a pattern. A literal identifier is a valid pattern
// that matches exactly itself.
func ParsePattern(s string) (Pattern, error) {
	domain, list, ok := strings.Cut(s, ":")
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %q: missing domain separator", ErrInvalidName, s)
	}
	if domain == "" {
		return Pattern{}, fmt.Errorf("%w: %q: empty domain", ErrInvalidName, s)
	}

	listPattern := false
	switch {
	case list == "*":
		listPattern, list = true, ""
	case strings.HasSuffix(list, ",*"):
		listPattern, list = true, strings.TrimSuffix(list, ",*")
	}

	props, err := parseProperties(s, list)
	if err != nil {
		return Pattern{}, err
	}
	if len(props) == 0 && !listPattern {
		return Pattern{}, fmt.Errorf("%w: %q: no key properties", ErrInvalidName, s)
	}

	p := Pattern{
		domain:      domain,
		props:       props,
		valueGlobs:  make(map[string]glob.Glob),
		listPattern: listPattern,
	}

	if hasWildcard(domain) {
		if p.domainGlob, err = compileWildcard(domain); err != nil {
			return Pattern{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
		}
	}
	for k, v := range props {
		if !hasWildcard(v) {
			continue
		}
		g, err := compileWildcard(v)
		if err != nil {
			return Pattern{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
		}
		p.valueGlobs[k] = g
	}

	p.canonical = domain + ":" + joinProperties(props)
	if listPattern {
		if len(props) == 0 {
			p.canonical += "*"
		} else {
			p.canonical += ",*"
		}
	}
	return p, nil
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsWildcard reports whether the pattern can match more than one identifier.
func (p Pattern) IsWildcard() bool {
	return p.listPattern || p.domainGlob != nil || len(p.valueGlobs) > 0
}

// Identifier returns the literal identifier for a non-wildcard pattern.
func (p Pattern) Identifier() (Identifier, bool) {
	if p.IsWildcard() {
		return Identifier{}, false
	}
	return NewIdentifier(p.domain, p.props), true
}

// Canonical returns the canonical pattern string.
func (p Pattern) Canonical() string { return p.canonical }

// String implements fmt.Stringer.
func (p Pattern) String() string { return p.canonical }

// Match reports whether id is matched by the pattern.
func (p Pattern) Match(id Identifier) bool {
	if p.domainGlob != nil {
		if !p.domainGlob.Match(id.domain) {
			return false
		}
	} else if p.domain != id.domain {
		return false
	}

	if !p.listPattern && len(p.props) != len(id.props) {
		return false
	}

	for k, want := range p.props {
		got, ok := id.props[k]
		if !ok {
			return false
		}
		if g, wild := p.valueGlobs[k]; wild {
			if !g.Match(got) {
				return false
			}
		} else if got != want {
			return false
		}
	}
	return true
}

// hasWildcard reports an unescaped '*' or '?'. Escapes only occur inside
// quoted values.
func hasWildcard(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '*', '?':
			return true
		}
	}
	return false
}

// compileWildcard compiles s treating only unescaped '*' and '?' as
// special. An escaped character matches itself with its backslash.
func compileWildcard(s string) (glob.Glob, error) {
	var b strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			b.WriteString(glob.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			b.WriteString(glob.QuoteMeta(string(r)))
			escaped = true
		case r == '*', r == '?':
			b.WriteRune(r)
		default:
			b.WriteString(glob.QuoteMeta(string(r)))
		}
	}
	return glob.Compile(b.String())
}
