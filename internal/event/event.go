// Package event wraps serialized bodies in the HTTP Event Collector envelope.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Default envelope values.
const (
	DefaultSourceType             = "vahti:attributes"
	DefaultNotificationSourceType = "vahti:notification"
)

// Timestamp marshals as epoch seconds with millisecond precision.
type Timestamp time.Time

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	ms := time.Time(t).UnixMilli()
	return []byte(strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)), nil
}

// Event is one envelope as accepted by the collector endpoint.
type Event struct {
	Time       Timestamp         `json:"time"`
	Host       string            `json:"host,omitempty"`
	Index      string            `json:"index,omitempty"`
	Source     string            `json:"source,omitempty"`
	SourceType string            `json:"sourcetype,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Body       map[string]any    `json:"event"`
}

// Payload renders the event as a JSON string.
func (e *Event) Payload() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event from %s: %w", e.Source, err)
	}
	return string(data), nil
}

// Builder stamps envelope metadata onto bodies.
type Builder struct {
	Host                   string
	Index                  string
	SourceType             string
	NotificationSourceType string

	now func() time.Time
}

// NewBuilder creates a builder with default source types.
func NewBuilder(host, index string) *Builder {
	return &Builder{
		Host:                   host,
		Index:                  index,
		SourceType:             DefaultSourceType,
		NotificationSourceType: DefaultNotificationSourceType,
		now:                    time.Now,
	}
}

// Attributes wraps the body of an attribute snapshot taken from id.
// The identifier's key properties become indexed fields.
func (b *Builder) Attributes(id resource.Identifier, body map[string]any) *Event {
	return &Event{
		Time:       Timestamp(b.clock()),
		Host:       b.Host,
		Index:      b.Index,
		Source:     id.Canonical(),
		SourceType: b.SourceType,
		Fields:     id.Properties(),
		Body:       body,
	}
}

// Notification wraps the body built from n. The event time is the
// notification's own timestamp when it carries one.
func (b *Builder) Notification(n resource.Notification, body map[string]any) *Event {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = b.clock()
	}
	e := &Event{
		Time:       Timestamp(ts),
		Host:       b.Host,
		Index:      b.Index,
		SourceType: b.NotificationSourceType,
		Body:       body,
	}
	if !n.Source.IsZero() {
		e.Source = n.Source.Canonical()
		e.Fields = n.Source.Properties()
	}
	return e
}

func (b *Builder) clock() time.Time {
	if b.now == nil {
		return time.Now()
	}
	return b.now()
}
