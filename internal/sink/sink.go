// Package sink delivers finished event payloads to a telemetry backend.
package sink

import (
	"context"
	"errors"
	"fmt"
)

// Sink sends one event payload. Delivery is best effort: callers log
// failures and never retry.
type Sink interface {
	// Send delivers a single JSON event payload.
	Send(ctx context.Context, payload string) error

	// Close releases backend resources.
	Close() error
}

// DeliveryError reports a payload the backend refused.
type DeliveryError struct {
	Sink       string
	StatusCode int
	Payload    string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: delivery failed with status %d: %v", e.Sink, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: delivery failed: %v", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Multi fans out to several sinks.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a sink that sends to every backend.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Send delivers to every sink, even after one fails, and joins the errors.
func (m *Multi) Send(ctx context.Context, payload string) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins the errors.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of backends.
func (m *Multi) Len() int { return len(m.sinks) }
