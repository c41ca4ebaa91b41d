package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/pkg/resource"
)

func fixedBuilder(at time.Time) *Builder {
	b := NewBuilder("node-1", "jmx")
	b.now = func() time.Time { return at }
	return b
}

func TestBuilder_Attributes(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	b := fixedBuilder(at)
	id := resource.MustParseIdentifier("app:type=Pool,name=db")

	e := b.Attributes(id, map[string]any{"active": 5})

	assert.Equal(t, "app:name=db,type=Pool", e.Source)
	assert.Equal(t, DefaultSourceType, e.SourceType)
	assert.Equal(t, map[string]string{"type": "Pool", "name": "db"}, e.Fields)

	payload, err := e.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"time": 1700000000.123,
		"host": "node-1",
		"index": "jmx",
		"source": "app:name=db,type=Pool",
		"sourcetype": "vahti:attributes",
		"fields": {"name": "db", "type": "Pool"},
		"event": {"active": 5}
	}`, payload)
}

func TestBuilder_Notification(t *testing.T) {
	b := fixedBuilder(time.UnixMilli(1))
	src := resource.MustParseIdentifier("app:type=Pool,name=db")
	n := resource.Notification{
		Type:      "pool.exhausted",
		Source:    src,
		Timestamp: time.UnixMilli(1700000000500),
	}

	e := b.Notification(n, map[string]any{"notificationType": n.Type})
	assert.Equal(t, src.Canonical(), e.Source)
	assert.Equal(t, DefaultNotificationSourceType, e.SourceType)

	payload, err := e.Payload()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.InDelta(t, 1700000000.5, decoded["time"], 0.0001)
}

func TestBuilder_NotificationWithoutSource(t *testing.T) {
	at := time.UnixMilli(42000)
	b := fixedBuilder(at)

	e := b.Notification(resource.Notification{Type: "x"}, map[string]any{})
	assert.Empty(t, e.Source)
	assert.Nil(t, e.Fields)
	assert.Equal(t, at, time.Time(e.Time))
}
