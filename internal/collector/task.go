// Package collector polls the resources matching one pattern and emits an
// event whenever their monitored attributes change.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/internal/event"
	"github.com/yairfalse/vahti/internal/registry"
	"github.com/yairfalse/vahti/internal/serializer"
	"github.com/yairfalse/vahti/internal/sink"
	"github.com/yairfalse/vahti/internal/telemetry"
	"github.com/yairfalse/vahti/internal/tracker"
	"github.com/yairfalse/vahti/pkg/resource"
)

var tracer = otel.Tracer("vahti/collector")

// TaskConfig configures one collection task.
type TaskConfig struct {
	ID            string
	Pattern       resource.Pattern
	Attributes    tracker.AttributeSets
	MaxSuppressed int
	Serializer    serializer.Options
}

// Deps are the collaborators shared by every task of a monitor.
type Deps struct {
	Registry registry.Registry
	Sink     sink.Sink
	Events   *event.Builder
	Metrics  *telemetry.Metrics
}

// TickResult summarizes one invocation of a task.
type TickResult struct {
	Resources      int           // identifiers the pattern resolved to
	Polled         int           // resources that returned attributes
	Emitted        int           // events handed to the sink
	Suppressed     int           // unchanged resources withheld
	Skipped        int           // resources with an empty attribute result
	Failed         int           // resources whose processing failed
	DeliveryErrors int           // emitted events the sink refused
	Duration       time.Duration // wall time of the tick
	Err            error         // pattern resolution failure
}

// Status is the read-only view of a task for management endpoints.
type Status struct {
	ID                  string              `json:"id"`
	Pattern             string              `json:"pattern"`
	Running             bool                `json:"running"`
	LastPollTime        time.Time           `json:"last_poll_time"`
	LastPollObjectCount int                 `json:"last_poll_object_count"`
	Resources           []tracker.StateInfo `json:"resources"`
}

type outcome int

const (
	outcomeEmitted outcome = iota
	outcomeDeliveryFailed
	outcomeSuppressed
	outcomeSkipped
	outcomeFailed
)

// Task is constructed once per pattern and reused for every tick. Ticks of
// the same task never overlap.
type Task struct {
	id            string
	pattern       resource.Pattern
	sets          tracker.AttributeSets
	maxSuppressed int
	cachedNames   []string

	registry registry.Registry
	sink     sink.Sink
	ser      *serializer.Serializer
	events   *event.Builder
	metrics  *telemetry.Metrics
	tracker  *tracker.Tracker
	logger   zerolog.Logger
	now      func() time.Time

	runMu sync.Mutex

	mu            sync.RWMutex
	running       bool
	lastPollTime  time.Time
	lastPollCount int
}

// NewTask creates a task. The attribute query list is computed here when
// an observed set is configured.
func NewTask(cfg TaskConfig, deps Deps) *Task {
	events := deps.Events
	if events == nil {
		events = event.NewBuilder("", "")
	}
	return &Task{
		id:            cfg.ID,
		pattern:       cfg.Pattern,
		sets:          cfg.Attributes,
		maxSuppressed: cfg.MaxSuppressed,
		cachedNames:   cfg.Attributes.CachedQueryNames(),
		registry:      deps.Registry,
		sink:          deps.Sink,
		ser:           serializer.New(cfg.Serializer, cfg.Attributes.Collected),
		events:        events,
		metrics:       deps.Metrics,
		tracker:       tracker.New(),
		logger: log.With().
			Str("component", "collector").
			Str("task", cfg.ID).
			Str("pattern", cfg.Pattern.String()).
			Logger(),
		now: time.Now,
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Pattern returns the pattern this task polls.
func (t *Task) Pattern() resource.Pattern { return t.pattern }

// Tracker exposes the per-resource state of this task.
func (t *Task) Tracker() *tracker.Tracker { return t.tracker }

// Run performs one tick: resolve the pattern, then poll, diff and emit each
// matched resource independently. A failure on one resource never stops
// the others.
func (t *Task) Run(ctx context.Context) TickResult {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	start := t.now()
	t.setRunning(true)
	defer t.setRunning(false)

	ctx, span := tracer.Start(ctx, "collector.tick", trace.WithAttributes(
		attribute.String("vahti.task", t.id),
		attribute.String("vahti.pattern", t.pattern.String()),
	))
	defer span.End()

	var res TickResult
	ids, err := t.registry.Resolve(ctx, t.pattern)
	if err != nil {
		res.Err = fmt.Errorf("resolve %s: %w", t.pattern, err)
		res.Duration = time.Since(start)
		t.logger.Warn().Err(err).Msg("pattern resolution failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		t.metrics.RecordPoll(ctx, t.id, "error", res.Duration, 0)
		return res
	}

	res.Resources = len(ids)
	for _, id := range ids {
		switch t.process(ctx, id) {
		case outcomeEmitted:
			res.Polled++
			res.Emitted++
		case outcomeDeliveryFailed:
			res.Polled++
			res.Emitted++
			res.DeliveryErrors++
		case outcomeSuppressed:
			res.Polled++
			res.Suppressed++
		case outcomeSkipped:
			res.Skipped++
		case outcomeFailed:
			res.Failed++
		}
	}
	res.Duration = time.Since(start)

	t.mu.Lock()
	t.lastPollTime = start
	t.lastPollCount = res.Polled
	t.mu.Unlock()

	span.SetAttributes(
		attribute.Int("vahti.resources", res.Resources),
		attribute.Int("vahti.emitted", res.Emitted),
		attribute.Int("vahti.failed", res.Failed),
	)
	t.metrics.RecordPoll(ctx, t.id, "success", res.Duration, res.Resources)

	t.logger.Debug().
		Int("resources", res.Resources).
		Int("emitted", res.Emitted).
		Int("suppressed", res.Suppressed).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("tick complete")
	return res
}

func (t *Task) process(ctx context.Context, id resource.Identifier) (out outcome) {
	logger := t.logger.With().Str("resource", id.Canonical()).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("unexpected failure processing resource")
			out = outcomeFailed
		}
	}()

	names := t.cachedNames
	if names == nil {
		available, err := t.registry.AttributeNames(ctx, id)
		if err != nil {
			logResourceError(logger, err, "attribute discovery failed")
			return outcomeFailed
		}
		names = t.sets.QueryNames(available)
	}

	snapshot, err := t.registry.Attributes(ctx, id, names)
	if err != nil {
		logResourceError(logger, err, "attribute read failed")
		return outcomeFailed
	}
	if len(snapshot) == 0 {
		logger.Warn().Strs("attributes", names).Msg("empty attribute result")
		return outcomeSkipped
	}

	decision := t.tracker.Diff(id, snapshot, t.sets.MonitoredNames(snapshot), t.maxSuppressed)
	t.metrics.RecordDecision(ctx, t.id, decision.String())
	if !decision.Emits() {
		return outcomeSuppressed
	}

	payload, err := t.events.Attributes(id, t.ser.Body(snapshot)).Payload()
	if err != nil {
		logger.Error().Err(err).Msg("failed to build event")
		return outcomeFailed
	}

	err = t.sink.Send(ctx, payload)
	t.metrics.RecordDelivery(ctx, "attributes", err)
	if err != nil {
		logger.Error().Err(err).Str("payload", payload).Msg("event delivery failed")
		return outcomeDeliveryFailed
	}

	logger.Debug().Str("decision", decision.String()).Msg("event emitted")
	return outcomeEmitted
}

func logResourceError(logger zerolog.Logger, err error, msg string) {
	if errors.Is(err, registry.ErrNotFound) {
		logger.Info().Err(err).Msg(msg + ": resource is gone")
		return
	}
	logger.Warn().Err(err).Msg(msg)
}

// Status returns the current task status.
func (t *Task) Status() Status {
	t.mu.RLock()
	s := Status{
		ID:                  t.id,
		Pattern:             t.pattern.String(),
		Running:             t.running,
		LastPollTime:        t.lastPollTime,
		LastPollObjectCount: t.lastPollCount,
	}
	t.mu.RUnlock()
	s.Resources = t.tracker.Infos()
	return s
}

func (t *Task) setRunning(v bool) {
	t.mu.Lock()
	t.running = v
	t.mu.Unlock()
}
