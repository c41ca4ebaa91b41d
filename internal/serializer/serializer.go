// Package serializer flattens structured attribute values into event bodies.
package serializer

import (
	"math"
	"strconv"
	"strings"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Options controls which values are dropped from an event body.
// Collected attributes bypass every one of these at the top level.
type Options struct {
	IncludeNull               bool
	IncludeEmptyString        bool
	IncludeEmptyReferenceList bool
	IncludeZeroValued         bool
}

// DefaultOptions mirrors the configuration defaults: zero values are kept,
// nulls, empty strings and empty reference lists are dropped.
func DefaultOptions() Options {
	return Options{IncludeZeroValued: true}
}

// Serializer turns attribute values into a flat key/value body.
// It holds no mutable state and is safe for concurrent use.
type Serializer struct {
	opts      Options
	collected map[string]struct{}
}

// New creates a serializer. collected names are always emitted.
func New(opts Options, collected []string) *Serializer {
	set := make(map[string]struct{}, len(collected))
	for _, name := range collected {
		set[name] = struct{}{}
	}
	return &Serializer{opts: opts, collected: set}
}

// Options returns the inclusion policy.
func (s *Serializer) Options() Options { return s.opts }

// IsCollected reports whether name is an always-collected attribute.
func (s *Serializer) IsCollected(name string) bool {
	_, ok := s.collected[name]
	return ok
}

// Body serializes every attribute of a snapshot into a new body.
func (s *Serializer) Body(snapshot resource.Snapshot) map[string]any {
	body := make(map[string]any, len(snapshot))
	for name, v := range snapshot {
		s.Serialize(body, name, v, s.IsCollected(name))
	}
	return body
}

// Serialize writes the serialized form of v under name into body, or
// nothing when the inclusion policy drops it. collected bypasses the policy.
func (s *Serializer) Serialize(body map[string]any, name string, v resource.Value, collected bool) {
	switch v.Kind() {
	case resource.KindNull:
		if s.opts.IncludeNull || collected {
			body[name] = nil
		}

	case resource.KindScalar:
		if !collected {
			str := resource.ScalarString(v.ScalarValue())
			if str == "" && !s.opts.IncludeEmptyString {
				return
			}
			if str == "0" && !s.opts.IncludeZeroValued {
				return
			}
		}
		body[name] = jsonScalar(v.ScalarValue())

	case resource.KindReference:
		body[name] = v.Reference().Canonical()

	case resource.KindReferenceList:
		refs := v.References()
		if len(refs) == 0 {
			if s.opts.IncludeEmptyReferenceList || collected {
				body[name] = []string{}
			}
			return
		}
		names := make([]string, len(refs))
		for i, id := range refs {
			names[i] = id.Canonical()
		}
		body[name] = names

	case resource.KindRecord:
		body[name] = s.record(v.Record())

	case resource.KindTable:
		rows := make(map[string]any, len(v.Table().Rows))
		s.addTable(rows, v.Table())
		body[name] = rows
	}
}

// jsonScalar replaces non-finite floats, which JSON cannot encode, with
// their string form.
func jsonScalar(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return resource.ScalarString(x)
		}
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return resource.ScalarString(x)
		}
	}
	return v
}

func (s *Serializer) record(r *resource.Record) map[string]any {
	out := make(map[string]any, r.Len())
	for _, name := range r.Names() {
		s.Serialize(out, name, r.Get(name), false)
	}
	return out
}

// addTable writes one entry per row into out, keyed by the row's index
// values joined with '-' (or its 1-based ordinal when the table has no
// index). Table-valued columns are merged into out itself.
func (s *Serializer) addTable(out map[string]any, t *resource.Table) {
	for i, row := range t.Rows {
		cols := make(map[string]any, row.Len())
		for _, name := range row.Names() {
			if t.IsIndex(name) {
				continue
			}
			v := row.Get(name)
			if v.Kind() == resource.KindTable {
				s.addTable(out, v.Table())
				continue
			}
			s.Serialize(cols, name, v, false)
		}
		out[rowKey(t, row, i)] = cols
	}
}

func rowKey(t *resource.Table, row *resource.Record, i int) string {
	if len(t.IndexKeys) == 0 {
		return strconv.Itoa(i + 1)
	}
	parts := make([]string, len(t.IndexKeys))
	for j, k := range t.IndexKeys {
		parts[j] = row.Get(k).String()
	}
	return strings.Join(parts, "-")
}
