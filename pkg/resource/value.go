package resource

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	// KindNull is an absent or null attribute value.
	KindNull Kind = iota
	// KindScalar is a string-convertible simple value (number, string, bool, ...).
	KindScalar
	// KindReference points at another resource.
	KindReference
	// KindReferenceList is an ordered list of resource references.
	KindReferenceList
	// KindRecord is an ordered set of named member values.
	KindRecord
	// KindTable is a list of records indexed by one or more key columns.
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindReference:
		return "reference"
	case KindReferenceList:
		return "reference_list"
	case KindRecord:
		return "record"
	case KindTable:
		return "table"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an attribute value. The zero Value is Null.
type Value struct {
	kind   Kind
	scalar any
	ref    Identifier
	refs   []Identifier
	record *Record
	table  *Table
}

// Null returns the null value.
func Null() Value { return Value{} }

// Scalar wraps a simple value. A nil v yields Null.
func Scalar(v any) Value {
	if v == nil {
		return Value{}
	}
	return Value{kind: KindScalar, scalar: v}
}

// Ref wraps a single resource reference.
func Ref(id Identifier) Value {
	return Value{kind: KindReference, ref: id}
}

// RefList wraps an ordered list of references. An empty list is not Null.
func RefList(ids ...Identifier) Value {
	cp := make([]Identifier, len(ids))
	copy(cp, ids)
	return Value{kind: KindReferenceList, refs: cp}
}

// RecordOf wraps a record. A nil record yields Null.
func RecordOf(r *Record) Value {
	if r == nil {
		return Value{}
	}
	return Value{kind: KindRecord, record: r}
}

// TableOf wraps a table. A nil table yields Null.
func TableOf(t *Table) Value {
	if t == nil {
		return Value{}
	}
	return Value{kind: KindTable, table: t}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// ScalarValue returns the wrapped scalar.
func (v Value) ScalarValue() any { return v.scalar }

// Reference returns the wrapped reference.
func (v Value) Reference() Identifier { return v.ref }

// References returns the wrapped reference list.
func (v Value) References() []Identifier { return v.refs }

// Record returns the wrapped record, or nil.
func (v Value) Record() *Record { return v.record }

// Table returns the wrapped table, or nil.
func (v Value) Table() *Table { return v.table }

// String renders v in the form used for comparisons against "" and "0"
// and for notification user data.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindScalar:
		return ScalarString(v.scalar)
	case KindReference:
		return v.ref.Canonical()
	case KindReferenceList:
		names := make([]string, len(v.refs))
		for i, id := range v.refs {
			names[i] = id.Canonical()
		}
		return fmt.Sprint(names)
	case KindRecord:
		return v.record.String()
	case KindTable:
		return v.table.String()
	default:
		return ""
	}
}

// ScalarString converts a scalar to its string form.
func ScalarString(s any) string {
	switch x := s.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

// Equal reports structural equality. Two Nulls are equal; scalars compare
// by dynamic type and value, and NaN equals NaN.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindScalar:
		return scalarEqual(a.scalar, b.scalar)
	case KindReference:
		return a.ref.Equal(b.ref)
	case KindReferenceList:
		if len(a.refs) != len(b.refs) {
			return false
		}
		for i := range a.refs {
			if !a.refs[i].Equal(b.refs[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		return a.record.Equal(b.record)
	case KindTable:
		return a.table.Equal(b.table)
	default:
		return false
	}
}

func scalarEqual(a, b any) bool {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok && math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
	case float32:
		if y, ok := b.(float32); ok && math.IsNaN(float64(x)) && math.IsNaN(float64(y)) {
			return true
		}
	}
	return reflect.DeepEqual(a, b)
}

// Field is a named member of a Record.
type Field struct {
	Name  string
	Value Value
}

// F is shorthand for building a Field.
func F(name string, v Value) Field { return Field{Name: name, Value: v} }

// Record is an ordered map of member name to value.
type Record struct {
	names  []string
	values map[string]Value
}

// NewRecord builds a record preserving field order. A repeated name
// overwrites the earlier value but keeps its position.
func NewRecord(fields ...Field) *Record {
	r := &Record{values: make(map[string]Value, len(fields))}
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

// Set assigns a member.
func (r *Record) Set(name string, v Value) {
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = v
}

// Get returns a member value; missing members are Null.
func (r *Record) Get(name string) Value {
	if r == nil {
		return Value{}
	}
	return r.values[name]
}

// Has reports whether the record defines a member.
func (r *Record) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.values[name]
	return ok
}

// Names returns member names in insertion order.
func (r *Record) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of members.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Equal compares member sets and values; member order is not significant.
func (r *Record) Equal(o *Record) bool {
	if r.Len() != o.Len() {
		return false
	}
	for _, n := range r.Names() {
		if !o.Has(n) || !Equal(r.values[n], o.values[n]) {
			return false
		}
	}
	return true
}

func (r *Record) String() string {
	if r == nil {
		return "{}"
	}
	s := "{"
	for i, n := range r.names {
		if i > 0 {
			s += ", "
		}
		s += n + "=" + r.values[n].String()
	}
	return s + "}"
}

// Table is a list of rows sharing a set of index columns.
type Table struct {
	IndexKeys []string
	Rows      []*Record
}

// NewTable builds a table.
func NewTable(indexKeys []string, rows ...*Record) *Table {
	return &Table{IndexKeys: indexKeys, Rows: rows}
}

// IsIndex reports whether column is one of the index columns.
func (t *Table) IsIndex(column string) bool {
	for _, k := range t.IndexKeys {
		if k == column {
			return true
		}
	}
	return false
}

// Equal compares index keys and rows positionally.
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.IndexKeys) != len(o.IndexKeys) || len(t.Rows) != len(o.Rows) {
		return false
	}
	for i := range t.IndexKeys {
		if t.IndexKeys[i] != o.IndexKeys[i] {
			return false
		}
	}
	for i := range t.Rows {
		if !t.Rows[i].Equal(o.Rows[i]) {
			return false
		}
	}
	return true
}

func (t *Table) String() string {
	if t == nil {
		return "[]"
	}
	s := "["
	for i, r := range t.Rows {
		if i > 0 {
			s += ", "
		}
		s += r.String()
	}
	return s + "]"
}
