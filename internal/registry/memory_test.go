package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/pkg/resource"
)

func TestMemory_ResolveIsOrdered(t *testing.T) {
	m := NewMemory()
	for _, name := range []string{"app:type=Pool,name=z", "app:type=Pool,name=a", "app:type=Cache,name=a"} {
		m.Register(resource.MustParseIdentifier(name), resource.Snapshot{})
	}

	ids, err := m.Resolve(context.Background(), resource.MustParsePattern("app:type=Pool,name=*"))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "app:name=a,type=Pool", ids[0].Canonical())
	assert.Equal(t, "app:name=z,type=Pool", ids[1].Canonical())

	ids, err = m.Resolve(context.Background(), resource.MustParsePattern("other:*"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemory_Attributes(t *testing.T) {
	m := NewMemory()
	id := resource.MustParseIdentifier("app:type=Pool,name=db")
	m.Register(id, resource.Snapshot{
		"active": resource.Scalar(5),
		"idle":   resource.Scalar(2),
	})

	names, err := m.AttributeNames(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"active", "idle"}, names)

	snap, err := m.Attributes(context.Background(), id, []string{"active", "missing"})
	require.NoError(t, err)
	assert.Len(t, snap, 1)
	assert.True(t, resource.Equal(resource.Scalar(5), snap["active"]))

	require.NoError(t, m.Set(id, "active", resource.Scalar(7)))
	snap, err = m.Attributes(context.Background(), id, []string{"active"})
	require.NoError(t, err)
	assert.True(t, resource.Equal(resource.Scalar(7), snap["active"]))
}

func TestMemory_UnknownResource(t *testing.T) {
	m := NewMemory()
	id := resource.MustParseIdentifier("app:type=Gone")

	_, err := m.Attributes(context.Background(), id, []string{"x"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.AttributeNames(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Subscribe(context.Background(), id, func(resource.Notification) {})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Set(id, "x", resource.Null()), ErrNotFound)
	assert.False(t, m.Unregister(id))
}

func TestMemory_Provider(t *testing.T) {
	m := NewMemory()
	id := resource.MustParseIdentifier("app:type=Counter")
	calls := 0
	m.RegisterProvider(id, func() resource.Snapshot {
		calls++
		return resource.Snapshot{"n": resource.Scalar(calls)}
	})

	first, err := m.Attributes(context.Background(), id, []string{"n"})
	require.NoError(t, err)
	second, err := m.Attributes(context.Background(), id, []string{"n"})
	require.NoError(t, err)

	assert.False(t, resource.Equal(first["n"], second["n"]))
	assert.ErrorIs(t, m.Set(id, "n", resource.Scalar(0)), ErrNotSupported)
}

func TestMemory_SubscribePublish(t *testing.T) {
	m := NewMemory()
	id := resource.MustParseIdentifier("app:type=Pool,name=db")
	m.Register(id, resource.Snapshot{})

	var got []resource.Notification
	sub, err := m.Subscribe(context.Background(), id, func(n resource.Notification) {
		got = append(got, n)
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.Token)

	delivered := m.Publish(resource.Notification{Type: "pool.exhausted", Source: id})
	assert.Equal(t, 1, delivered)
	require.Len(t, got, 1)
	assert.Equal(t, "pool.exhausted", got[0].Type)

	// Re-registering keeps subscriptions.
	m.Register(id, resource.Snapshot{"active": resource.Scalar(1)})
	assert.Equal(t, 1, m.Publish(resource.Notification{Source: id}))

	require.NoError(t, m.Unsubscribe(sub))
	assert.Equal(t, 0, m.Publish(resource.Notification{Source: id}))
	assert.ErrorIs(t, m.Unsubscribe(sub), ErrNotFound)
}

func TestMemory_UnregisterDropsSubscriptions(t *testing.T) {
	m := NewMemory()
	id := resource.MustParseIdentifier("app:type=Pool,name=db")
	m.Register(id, resource.Snapshot{})
	sub, err := m.Subscribe(context.Background(), id, func(resource.Notification) {})
	require.NoError(t, err)

	assert.True(t, m.Unregister(id))
	assert.Equal(t, 0, m.Len())
	assert.ErrorIs(t, m.Unsubscribe(sub), ErrNotFound)
}
