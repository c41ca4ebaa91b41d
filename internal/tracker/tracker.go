// Package tracker keeps the last emitted attribute snapshot per resource and
// decides whether a new snapshot should be emitted.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Decision is the outcome of comparing a snapshot against the last one.
type Decision int

const (
	// FirstObservation is the first successful poll of a resource.
	FirstObservation Decision = iota
	// Changed means at least one monitored attribute differs.
	Changed
	// SuppressedDuplicate means nothing changed and the event is withheld.
	SuppressedDuplicate
	// ForcedEmit means nothing changed but the suppression ceiling was reached.
	ForcedEmit
)

// Emits reports whether the decision results in an event.
func (d Decision) Emits() bool {
	return d != SuppressedDuplicate
}

func (d Decision) String() string {
	switch d {
	case FirstObservation:
		return "first_observation"
	case Changed:
		return "changed"
	case SuppressedDuplicate:
		return "suppressed_duplicate"
	case ForcedEmit:
		return "forced_emit"
	default:
		return "unknown"
	}
}

// UnlimitedSuppression never forces an emission for unchanged resources.
const UnlimitedSuppression = -1

// State is the tracked state of one resource. All access goes through its
// own mutex; states never share a lock.
type State struct {
	mu         sync.Mutex
	id         resource.Identifier
	last       resource.Snapshot
	suppressed int
	firstSeen  time.Time
	lastEmit   time.Time
	lastChange string
}

// StateInfo is a point-in-time copy of a State for inspection.
type StateInfo struct {
	Resource         string    `json:"resource"`
	SuppressionCount int       `json:"suppression_count"`
	FirstSeen        time.Time `json:"first_seen"`
	LastEmit         time.Time `json:"last_emit"`
	LastChanged      string    `json:"last_changed_attribute,omitempty"`
	Attributes       int       `json:"attributes"`
}

// Info returns a copy of the state.
func (s *State) Info() StateInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateInfo{
		Resource:         s.id.Canonical(),
		SuppressionCount: s.suppressed,
		FirstSeen:        s.firstSeen,
		LastEmit:         s.lastEmit,
		LastChanged:      s.lastChange,
		Attributes:       len(s.last),
	}
}

// LastSnapshot returns the snapshot of the last emitted event.
func (s *State) LastSnapshot() resource.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Clone()
}

// SuppressionCount returns the number of consecutive suppressed polls.
func (s *State) SuppressionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

// observe compares snapshot with the stored one. maxSuppressed < 0 means
// unchanged snapshots are suppressed forever; 0 means they are emitted every
// time; k > 0 emits after k suppressed polls.
func (s *State) observe(snapshot resource.Snapshot, monitored []string, maxSuppressed int, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range monitored {
		if hasChanged(s.last, snapshot, name) {
			s.replace(snapshot, now)
			s.lastChange = name
			return Changed
		}
	}

	if maxSuppressed < 0 || s.suppressed < maxSuppressed {
		s.suppressed++
		return SuppressedDuplicate
	}

	s.replace(snapshot, now)
	return ForcedEmit
}

func (s *State) replace(snapshot resource.Snapshot, now time.Time) {
	s.last = snapshot.Clone()
	s.suppressed = 0
	s.lastEmit = now
}

func hasChanged(prev, curr resource.Snapshot, name string) bool {
	oldV, hadOld := prev.Lookup(name)
	newV, hasNew := curr.Lookup(name)
	if !hasNew {
		return hadOld
	}
	if !hadOld {
		return true
	}
	return !resource.Equal(oldV, newV)
}

// Tracker owns the states of every resource seen by one collection task.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*State
	now    func() time.Time
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// Diff records snapshot for id and returns the emit decision.
// The first snapshot of a resource always yields FirstObservation.
func (t *Tracker) Diff(id resource.Identifier, snapshot resource.Snapshot, monitored []string, maxSuppressed int) Decision {
	key := id.Canonical()
	now := t.now()

	t.mu.RLock()
	state, ok := t.states[key]
	t.mu.RUnlock()
	if ok {
		return state.observe(snapshot, monitored, maxSuppressed, now)
	}

	t.mu.Lock()
	if state, ok = t.states[key]; ok {
		t.mu.Unlock()
		return state.observe(snapshot, monitored, maxSuppressed, now)
	}
	t.states[key] = &State{
		id:        id,
		last:      snapshot.Clone(),
		firstSeen: now,
		lastEmit:  now,
	}
	t.mu.Unlock()
	return FirstObservation
}

// State returns the tracked state of id.
func (t *Tracker) State(id resource.Identifier) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id.Canonical()]
	return s, ok
}

// Len returns the number of tracked resources.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// Infos returns a copy of every state, ordered by resource name.
func (t *Tracker) Infos() []StateInfo {
	t.mu.RLock()
	states := make([]*State, 0, len(t.states))
	for _, s := range t.states {
		states = append(states, s)
	}
	t.mu.RUnlock()

	infos := make([]StateInfo, len(states))
	for i, s := range states {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Resource < infos[j].Resource })
	return infos
}

// Reset drops every tracked state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*State)
}
