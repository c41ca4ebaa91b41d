// Package resource defines the managed-resource model for vahti:
// structured identifiers, wildcard patterns and attribute values.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidName is returned when an identifier or pattern cannot be parsed.
var ErrInvalidName = errors.New("invalid resource name")

// Identifier is a structured resource name: a domain plus an unordered set of
// key=value properties (e.g. "app:type=Pool,name=db").
// Two identifiers are equal iff their canonical forms are equal.
type Identifier struct {
	domain    string
	props     map[string]string
	canonical string
}

// ParseIdentifier parses "domain:key=value[,key=value...]".
// Wildcards are not allowed; use ParsePattern for those.
func ParseIdentifier(s string) (Identifier, error) {
	domain, list, ok := strings.Cut(s, ":")
	if !ok {
		return Identifier{}, fmt.Errorf("%w: %q: missing domain separator", ErrInvalidName, s)
	}
	if domain == "" {
		return Identifier{}, fmt.Errorf("%w: %q: empty domain", ErrInvalidName, s)
	}
	if strings.ContainsAny(domain, "*?") {
		return Identifier{}, fmt.Errorf("%w: %q: wildcard in identifier domain", ErrInvalidName, s)
	}

	props, err := parseProperties(s, list)
	if err != nil {
		return Identifier{}, err
	}
	if len(props) == 0 {
		return Identifier{}, fmt.Errorf("%w: %q: no key properties", ErrInvalidName, s)
	}
	for k, v := range props {
		if hasWildcard(v) {
			return Identifier{}, fmt.Errorf("%w: %q: wildcard in value of %q", ErrInvalidName, s, k)
		}
	}

	return NewIdentifier(domain, props), nil
}

// MustParseIdentifier is like ParseIdentifier but panics on error.
// Intended for tests and static tables.
func MustParseIdentifier(s string) Identifier {
	id, err := ParseIdentifier(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NewIdentifier builds an identifier from already validated parts.
func NewIdentifier(domain string, props map[string]string) Identifier {
	cp := make(map[string]string, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return Identifier{
		domain:    domain,
		props:     cp,
		canonical: domain + ":" + joinProperties(cp),
	}
}

// Domain returns the identifier domain.
func (id Identifier) Domain() string { return id.domain }

// Property returns the value of a key property.
func (id Identifier) Property(key string) (string, bool) {
	v, ok := id.props[key]
	return v, ok
}

// Properties returns a copy of the key properties.
func (id Identifier) Properties() map[string]string {
	cp := make(map[string]string, len(id.props))
	for k, v := range id.props {
		cp[k] = v
	}
	return cp
}

// Canonical returns the canonical name: domain followed by the key
// properties sorted lexically by key.
func (id Identifier) Canonical() string { return id.canonical }

// String implements fmt.Stringer.
func (id Identifier) String() string { return id.canonical }

// IsZero reports whether id is the zero Identifier.
func (id Identifier) IsZero() bool { return id.canonical == "" }

// Equal reports whether two identifiers name the same resource.
func (id Identifier) Equal(other Identifier) bool { return id.canonical == other.canonical }

// Compare orders identifiers by canonical name.
func Compare(a, b Identifier) int { return strings.Compare(a.canonical, b.canonical) }

// SortIdentifiers sorts ids in place by canonical name.
func SortIdentifiers(ids []Identifier) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].canonical < ids[j].canonical })
}

func parseProperties(full, list string) (map[string]string, error) {
	props := make(map[string]string)
	if list == "" {
		return props, nil
	}
	pairs, err := splitProperties(list)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidName, full, err)
	}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q: property %q is not key=value", ErrInvalidName, full, pair)
		}
		if k == "" || v == "" {
			return nil, fmt.Errorf("%w: %q: empty key or value in %q", ErrInvalidName, full, pair)
		}
		if strings.ContainsAny(k, ":*?\"") {
			return nil, fmt.Errorf("%w: %q: illegal character in %q", ErrInvalidName, full, pair)
		}
		if strings.HasPrefix(v, `"`) {
			if !isQuoted(v) {
				return nil, fmt.Errorf("%w: %q: malformed quoted value in %q", ErrInvalidName, full, pair)
			}
		} else if strings.ContainsAny(v, ":=\"") {
			return nil, fmt.Errorf("%w: %q: illegal character in %q", ErrInvalidName, full, pair)
		}
		if _, dup := props[k]; dup {
			return nil, fmt.Errorf("%w: %q: duplicate key %q", ErrInvalidName, full, k)
		}
		props[k] = v
	}
	return props, nil
}

// splitProperties splits a key property list on commas that are not inside
// a quoted value. Quoted values keep their quotes and escapes.
func splitProperties(list string) ([]string, error) {
	var (
		pairs  []string
		start  int
		quoted bool
	)
	for i := 0; i < len(list); i++ {
		switch c := list[i]; {
		case quoted && c == '\\':
			i++
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			pairs = append(pairs, list[start:i])
			start = i + 1
		}
	}
	if quoted {
		return nil, errors.New("unterminated quoted value")
	}
	return append(pairs, list[start:]), nil
}

// isQuoted reports whether v is a single well-formed quoted value.
func isQuoted(v string) bool {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return false
	}
	for i := 1; i < len(v)-1; i++ {
		switch v[i] {
		case '\\':
			if i+1 >= len(v)-1 {
				return false
			}
			i++
		case '"':
			return false
		}
	}
	return true
}

func joinProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(props[k])
	}
	return b.String()
}
