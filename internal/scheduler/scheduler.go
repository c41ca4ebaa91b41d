// Package scheduler runs the collection tasks of one attribute change
// monitor on a fixed delay, bounded by a worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/yairfalse/vahti/internal/collector"
	"github.com/yairfalse/vahti/internal/event"
	"github.com/yairfalse/vahti/internal/registry"
	"github.com/yairfalse/vahti/internal/serializer"
	"github.com/yairfalse/vahti/internal/sink"
	"github.com/yairfalse/vahti/internal/telemetry"
	"github.com/yairfalse/vahti/internal/tracker"
	"github.com/yairfalse/vahti/pkg/resource"
)

var (
	// ErrNoSink is returned by Start when no sink is configured.
	ErrNoSink = errors.New("no sink configured")
	// ErrAlreadyRunning is returned by Start on a running monitor.
	ErrAlreadyRunning = errors.New("monitor already running")
	// ErrNotRunning is returned by Stop on a stopped monitor.
	ErrNotRunning = errors.New("monitor not running")
	// ErrRestartAborted is returned when Restart is interrupted while
	// settling. The monitor is left stopped.
	ErrRestartAborted = errors.New("restart aborted")
)

// Config holds monitor configuration. It is immutable while running.
type Config struct {
	ID            string
	Period        time.Duration
	MaxSuppressed int
	Patterns      []string
	Attributes    tracker.AttributeSets
	Serializer    serializer.Options
	Workers       int
	RestartSettle time.Duration
}

// Status is the read-only view of a monitor.
type Status struct {
	ID                      string             `json:"id"`
	Running                 bool               `json:"running"`
	StartTime               time.Time          `json:"start_time"`
	StopTime                time.Time          `json:"stop_time"`
	GranularityPeriod       int                `json:"granularity_period"`
	MaxSuppressedDuplicates int                `json:"max_suppressed_duplicates"`
	Patterns                []string           `json:"patterns"`
	Tasks                   []collector.Status `json:"tasks"`
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithEvents sets the envelope builder used by every task.
func WithEvents(b *event.Builder) Option {
	return func(m *Monitor) { m.events = b }
}

// WithMetrics sets the instruments used by every task.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor is an attribute change monitor: Stopped -> Running -> Stopped.
type Monitor struct {
	cfg      Config
	registry registry.Registry
	sink     sink.Sink
	events   *event.Builder
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	mu        sync.Mutex
	running   bool
	current   *run
	tasks     []*collector.Task
	taskSeq   int
	startTime time.Time
	stopTime  time.Time
}

// New creates a stopped monitor.
func New(cfg Config, reg registry.Registry, s sink.Sink, opts ...Option) *Monitor {
	if cfg.ID == "" {
		cfg.ID = "attribute-change-monitor"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	m := &Monitor{
		cfg:      cfg,
		registry: reg,
		sink:     s,
		logger:   log.With().Str("component", "scheduler").Str("monitor", cfg.ID).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the monitor id.
func (m *Monitor) ID() string { return m.cfg.ID }

// Start builds one task per valid pattern and schedules each with a
// fixed delay. The first tick runs one period after Start. Loops outlive
// ctx and end only on Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}
	if m.sink == nil {
		return fmt.Errorf("start %s: %w", m.cfg.ID, ErrNoSink)
	}
	if m.cfg.Period <= 0 {
		return fmt.Errorf("start %s: granularity period must be positive", m.cfg.ID)
	}

	m.tasks = m.buildTasks()
	if len(m.tasks) == 0 {
		m.logger.Warn().Msg("no valid patterns, monitor is idle")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	pool := semaphore.NewWeighted(int64(m.cfg.Workers))

	var wg sync.WaitGroup
	for _, task := range m.tasks {
		wg.Add(1)
		go func(task *collector.Task) {
			defer wg.Done()
			m.loop(runCtx, pool, task)
		}(task)
	}
	go func() {
		wg.Wait()
		close(r.done)
	}()

	m.current = r
	m.running = true
	m.startTime = time.Now()
	m.stopTime = time.Time{}

	m.logger.Info().
		Int("tasks", len(m.tasks)).
		Dur("period", m.cfg.Period).
		Int("max_suppressed", m.cfg.MaxSuppressed).
		Int("workers", m.cfg.Workers).
		Msg("monitor started")
	return nil
}

// Stop cancels future ticks. In-flight ticks run to completion; use Wait
// to block until they have.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrNotRunning
	}
	m.current.cancel()
	m.running = false
	m.stopTime = time.Now()
	m.logger.Info().Msg("monitor stopped")
	return nil
}

// Wait blocks until the task loops of the last run have exited.
func (m *Monitor) Wait() {
	m.mu.Lock()
	r := m.current
	m.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// Restart stops the monitor, waits the settle interval and starts it
// again. If ctx ends while settling, the monitor stays stopped.
func (m *Monitor) Restart(ctx context.Context) error {
	if err := m.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	timer := time.NewTimer(m.cfg.RestartSettle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		m.logger.Warn().Msg("restart interrupted, monitor left stopped")
		return fmt.Errorf("restart %s: %w", m.cfg.ID, ErrRestartAborted)
	case <-timer.C:
	}

	return m.Start(ctx)
}

// RunOnce builds the tasks and runs each exactly once, without scheduling.
func (m *Monitor) RunOnce(ctx context.Context) ([]collector.TickResult, error) {
	if m.sink == nil {
		return nil, fmt.Errorf("run %s: %w", m.cfg.ID, ErrNoSink)
	}

	m.mu.Lock()
	tasks := m.buildTasks()
	m.mu.Unlock()

	results := make([]collector.TickResult, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, m.tick(ctx, task))
	}
	return results, nil
}

// Running reports whether the monitor is running.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status returns the current monitor status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	s := Status{
		ID:                      m.cfg.ID,
		Running:                 m.running,
		StartTime:               m.startTime,
		StopTime:                m.stopTime,
		GranularityPeriod:       int(m.cfg.Period / time.Second),
		MaxSuppressedDuplicates: m.cfg.MaxSuppressed,
		Patterns:                make([]string, 0, len(m.tasks)),
	}
	tasks := append([]*collector.Task(nil), m.tasks...)
	m.mu.Unlock()

	s.Tasks = make([]collector.Status, 0, len(tasks))
	for _, t := range tasks {
		s.Patterns = append(s.Patterns, t.Pattern().String())
		s.Tasks = append(s.Tasks, t.Status())
	}
	return s
}

// buildTasks must be called with m.mu held.
func (m *Monitor) buildTasks() []*collector.Task {
	deps := collector.Deps{
		Registry: m.registry,
		Sink:     m.sink,
		Events:   m.events,
		Metrics:  m.metrics,
	}

	seen := make(map[string]struct{}, len(m.cfg.Patterns))
	tasks := make([]*collector.Task, 0, len(m.cfg.Patterns))
	for _, raw := range m.cfg.Patterns {
		p, err := resource.ParsePattern(raw)
		if err != nil {
			m.logger.Warn().Err(err).Str("pattern", raw).Msg("dropping invalid pattern")
			continue
		}
		if _, dup := seen[p.Canonical()]; dup {
			m.logger.Warn().Str("pattern", raw).Msg("dropping duplicate pattern")
			continue
		}
		seen[p.Canonical()] = struct{}{}

		m.taskSeq++
		tasks = append(tasks, collector.NewTask(collector.TaskConfig{
			ID:            fmt.Sprintf("%s-runnable-%d", m.cfg.ID, m.taskSeq),
			Pattern:       p,
			Attributes:    m.cfg.Attributes,
			MaxSuppressed: m.cfg.MaxSuppressed,
			Serializer:    m.cfg.Serializer,
		}, deps))
	}
	return tasks
}

// loop reschedules task one period after each tick completes.
func (m *Monitor) loop(ctx context.Context, pool *semaphore.Weighted, task *collector.Task) {
	timer := time.NewTimer(m.cfg.Period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := pool.Acquire(ctx, 1); err != nil {
			return
		}
		// Stop must not interrupt a tick that already started.
		m.tick(context.WithoutCancel(ctx), task)
		pool.Release(1)

		timer.Reset(m.cfg.Period)
	}
}

func (m *Monitor) tick(ctx context.Context, task *collector.Task) (res collector.TickResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("task", task.ID()).Msg("tick panicked")
			res.Err = fmt.Errorf("tick %s panicked: %v", task.ID(), r)
		}
	}()
	return task.Run(ctx)
}
