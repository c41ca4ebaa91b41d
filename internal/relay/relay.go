// Package relay forwards push notifications from managed resources to the
// sink. Every notification is emitted; there is no change detection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vahti/internal/event"
	"github.com/yairfalse/vahti/internal/registry"
	"github.com/yairfalse/vahti/internal/scheduler"
	"github.com/yairfalse/vahti/internal/serializer"
	"github.com/yairfalse/vahti/internal/sink"
	"github.com/yairfalse/vahti/internal/telemetry"
	"github.com/yairfalse/vahti/pkg/resource"
)

// Lifecycle errors, shared with the scheduler.
var (
	ErrNoSink         = scheduler.ErrNoSink
	ErrAlreadyRunning = scheduler.ErrAlreadyRunning
	ErrNotRunning     = scheduler.ErrNotRunning
	ErrRestartAborted = scheduler.ErrRestartAborted
)

// Config holds relay configuration.
type Config struct {
	ID            string
	Sources       []string
	Notification  serializer.NotificationOptions
	Serializer    serializer.Options
	RestartSettle time.Duration
}

// Status is the read-only view of a relay.
type Status struct {
	ID                   string    `json:"id"`
	Running              bool      `json:"running"`
	StartTime            time.Time `json:"start_time"`
	StopTime             time.Time `json:"stop_time"`
	LastNotificationTime time.Time `json:"last_notification_time"`
	LastNotificationType string    `json:"last_notification_type"`
	Notifications        int64     `json:"notifications"`
	Sources              []string  `json:"sources"`
	Resources            []string  `json:"resources"`
}

// Option customizes a Relay.
type Option func(*Relay)

// WithEvents sets the envelope builder.
func WithEvents(b *event.Builder) Option {
	return func(r *Relay) { r.events = b }
}

// WithMetrics sets the relay instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// Relay subscribes to the resources matching its sources and emits one
// event per received notification.
type Relay struct {
	cfg      Config
	registry registry.Registry
	sink     sink.Sink
	ser      *serializer.Serializer
	events   *event.Builder
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	subs      []registry.Subscription
	startTime time.Time
	stopTime  time.Time
	lastTime  time.Time
	lastType  string
	received  int64
}

// New creates a stopped relay.
func New(cfg Config, reg registry.Registry, s sink.Sink, opts ...Option) *Relay {
	if cfg.ID == "" {
		cfg.ID = "notification-relay"
	}
	r := &Relay{
		cfg:      cfg,
		registry: reg,
		sink:     s,
		ser:      serializer.New(cfg.Serializer, nil),
		events:   event.NewBuilder("", ""),
		logger:   log.With().Str("component", "relay").Str("relay", cfg.ID).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the relay id.
func (r *Relay) ID() string { return r.cfg.ID }

// Start resolves every source once and subscribes to each resolved
// resource. Failed subscriptions are dropped; with none left the relay
// stays idle until restarted.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}
	if r.sink == nil {
		return fmt.Errorf("start %s: %w", r.cfg.ID, ErrNoSink)
	}

	r.ctx = context.WithoutCancel(ctx)
	r.subs = r.subscribe(ctx, r.resolve(ctx))
	if len(r.subs) == 0 {
		r.logger.Warn().Strs("sources", r.cfg.Sources).Msg("no resources subscribed, relay is idle")
	}

	r.running = true
	r.startTime = time.Now()
	r.stopTime = time.Time{}
	r.logger.Info().Int("subscriptions", len(r.subs)).Msg("relay started")
	return nil
}

func (r *Relay) resolve(ctx context.Context) []resource.Identifier {
	seen := make(map[string]struct{})
	var ids []resource.Identifier
	add := func(id resource.Identifier) {
		if _, dup := seen[id.Canonical()]; dup {
			return
		}
		seen[id.Canonical()] = struct{}{}
		ids = append(ids, id)
	}

	for _, raw := range r.cfg.Sources {
		p, err := resource.ParsePattern(raw)
		if err != nil {
			r.logger.Warn().Err(err).Str("source", raw).Msg("dropping invalid source")
			continue
		}
		if id, literal := p.Identifier(); literal {
			add(id)
			continue
		}
		matched, err := r.registry.Resolve(ctx, p)
		if err != nil {
			r.logger.Warn().Err(err).Str("source", raw).Msg("source resolution failed")
			continue
		}
		if len(matched) == 0 {
			r.logger.Warn().Str("source", raw).Msg("source matched no resources")
		}
		for _, id := range matched {
			add(id)
		}
	}
	return ids
}

func (r *Relay) subscribe(ctx context.Context, ids []resource.Identifier) []registry.Subscription {
	subs := make([]registry.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := r.registry.Subscribe(ctx, id, r.Handle)
		if err != nil {
			r.logger.Warn().Err(err).Str("resource", id.Canonical()).Msg("subscription failed, dropping resource")
			continue
		}
		r.logger.Debug().Str("resource", id.Canonical()).Msg("subscribed")
		subs = append(subs, sub)
	}
	return subs
}

// Stop removes every subscription.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrNotRunning
	}
	for _, sub := range r.subs {
		if err := r.registry.Unsubscribe(sub); err != nil {
			r.logger.Warn().Err(err).Str("resource", sub.Resource.Canonical()).Msg("unsubscribe failed")
		}
	}
	r.subs = nil
	r.running = false
	r.stopTime = time.Now()
	r.logger.Info().Msg("relay stopped")
	return nil
}

// Restart stops the relay, waits the settle interval and starts it again.
// If ctx ends while settling, the relay stays stopped.
func (r *Relay) Restart(ctx context.Context) error {
	if err := r.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	timer := time.NewTimer(r.cfg.RestartSettle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.logger.Warn().Msg("restart interrupted, relay left stopped")
		return fmt.Errorf("restart %s: %w", r.cfg.ID, ErrRestartAborted)
	case <-timer.C:
	}

	return r.Start(ctx)
}

// Handle serializes n and sends it. It is the subscription handler and
// may be called concurrently.
func (r *Relay) Handle(n resource.Notification) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		r.logger.Debug().Str("type", n.Type).Msg("relay stopped, notification dropped")
		return
	}
	ctx := r.ctx
	r.lastTime = time.Now()
	r.lastType = n.Type
	r.received++
	r.mu.Unlock()

	r.metrics.RecordNotification(ctx, r.cfg.ID, n.Type)

	logger := r.logger.With().Str("type", n.Type).Str("source", n.Source.Canonical()).Logger()

	body := r.ser.NotificationBody(n, r.cfg.Notification)
	payload, err := r.events.Notification(n, body).Payload()
	if err != nil {
		logger.Error().Err(err).Msg("failed to build notification event")
		return
	}

	err = r.sink.Send(ctx, payload)
	r.metrics.RecordDelivery(ctx, "notification", err)
	if err != nil {
		logger.Error().Err(err).Str("payload", payload).Msg("notification delivery failed")
		return
	}
	logger.Debug().Int64("sequence", n.Sequence).Msg("notification forwarded")
}

// Running reports whether the relay is running.
func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Status returns the current relay status.
func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		ID:                   r.cfg.ID,
		Running:              r.running,
		StartTime:            r.startTime,
		StopTime:             r.stopTime,
		LastNotificationTime: r.lastTime,
		LastNotificationType: r.lastType,
		Notifications:        r.received,
		Sources:              append([]string(nil), r.cfg.Sources...),
		Resources:            make([]string, 0, len(r.subs)),
	}
	for _, sub := range r.subs {
		s.Resources = append(s.Resources, sub.Resource.Canonical())
	}
	return s
}
