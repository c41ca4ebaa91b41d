package resource

import (
	"sort"
	"time"
)

// Snapshot holds the attribute values read from one resource at one poll.
type Snapshot map[string]Value

// Lookup returns the value of name. A Null value is reported as absent:
// for change detection "no value present" and Null are the same thing.
func (s Snapshot) Lookup(name string) (Value, bool) {
	v, ok := s[name]
	if !ok || v.IsNull() {
		return Value{}, false
	}
	return v, true
}

// Names returns the attribute names in lexical order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow copy; Values are immutable once built.
func (s Snapshot) Clone() Snapshot {
	cp := make(Snapshot, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Notification is an asynchronous message pushed by a resource.
type Notification struct {
	Type      string
	Message   string
	Sequence  int64
	Source    Identifier
	Timestamp time.Time
	UserData  Value
}
