package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Provider computes a resource's attributes on every read.
type Provider func() resource.Snapshot

type entry struct {
	key       string
	id        resource.Identifier
	static    resource.Snapshot
	provider  Provider
	listeners map[string]Handler
}

func (e *entry) snapshot() resource.Snapshot {
	if e.provider != nil {
		return e.provider()
	}
	return e.static.Clone()
}

// Memory is an in-process registry. Resources are kept in a btree ordered
// by canonical name so Resolve results are deterministic.
type Memory struct {
	mu    sync.RWMutex
	index *btree.BTreeG[*entry]
	subs  map[string]*entry
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{
		index: btree.NewG[*entry](32, func(a, b *entry) bool {
			return a.key < b.key
		}),
		subs: make(map[string]*entry),
	}
}

// Register adds or replaces a resource with fixed attribute values.
func (m *Memory) Register(id resource.Identifier, attrs resource.Snapshot) {
	m.put(&entry{key: id.Canonical(), id: id, static: attrs.Clone()})
}

// RegisterProvider adds or replaces a resource whose attributes are computed
// on each read.
func (m *Memory) RegisterProvider(id resource.Identifier, p Provider) {
	m.put(&entry{key: id.Canonical(), id: id, provider: p})
}

func (m *Memory) put(e *entry) {
	e.listeners = make(map[string]Handler)

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.index.Get(&entry{key: e.key}); ok {
		e.listeners = old.listeners
		for token := range old.listeners {
			m.subs[token] = e
		}
	}
	m.index.ReplaceOrInsert(e)
}

// Set updates one attribute of a resource registered with fixed values.
func (m *Memory) Set(id resource.Identifier, name string, v resource.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index.Get(&entry{key: id.Canonical()})
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.provider != nil {
		return fmt.Errorf("%s: attributes are computed: %w", id, ErrNotSupported)
	}
	e.static = e.static.Clone()
	e.static[name] = v
	return nil
}

// Unregister removes a resource and its subscriptions.
func (m *Memory) Unregister(id resource.Identifier) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index.Delete(&entry{key: id.Canonical()})
	if !ok {
		return false
	}
	for token := range e.listeners {
		delete(m.subs, token)
	}
	return true
}

// Len returns the number of registered resources.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.Len()
}

// Resolve implements Registry.
func (m *Memory) Resolve(_ context.Context, p resource.Pattern) ([]resource.Identifier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []resource.Identifier
	m.index.Ascend(func(e *entry) bool {
		if p.Match(e.id) {
			ids = append(ids, e.id)
		}
		return true
	})
	return ids, nil
}

// AttributeNames implements Registry.
func (m *Memory) AttributeNames(_ context.Context, id resource.Identifier) ([]string, error) {
	snap, err := m.read(id)
	if err != nil {
		return nil, err
	}
	return snap.Names(), nil
}

// Attributes implements Registry.
func (m *Memory) Attributes(_ context.Context, id resource.Identifier, names []string) (resource.Snapshot, error) {
	all, err := m.read(id)
	if err != nil {
		return nil, err
	}
	out := make(resource.Snapshot, len(names))
	for _, n := range names {
		if v, ok := all[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

// Subscribe implements Registry.
func (m *Memory) Subscribe(_ context.Context, id resource.Identifier, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index.Get(&entry{key: id.Canonical()})
	if !ok {
		return Subscription{}, fmt.Errorf("subscribe %s: %w", id, ErrNotFound)
	}
	token := uuid.NewString()
	e.listeners[token] = h
	m.subs[token] = e
	return Subscription{Token: token, Resource: id}, nil
}

// Unsubscribe implements Registry.
func (m *Memory) Unsubscribe(sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[sub.Token]
	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", sub.Resource, ErrNotFound)
	}
	delete(e.listeners, sub.Token)
	delete(m.subs, sub.Token)
	return nil
}

// Publish delivers n synchronously to every handler subscribed to n.Source
// and returns how many handlers received it.
func (m *Memory) Publish(n resource.Notification) int {
	m.mu.RLock()
	e, ok := m.index.Get(&entry{key: n.Source.Canonical()})
	var handlers []Handler
	if ok {
		handlers = make([]Handler, 0, len(e.listeners))
		for _, h := range e.listeners {
			handlers = append(handlers, h)
		}
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(n)
	}
	return len(handlers)
}

func (m *Memory) read(id resource.Identifier) (resource.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.index.Get(&entry{key: id.Canonical()})
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.snapshot(), nil
}
