// Package daemon wires monitors, relays, sinks and telemetry into one
// long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/yairfalse/vahti/internal/collector"
	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/event"
	"github.com/yairfalse/vahti/internal/registry"
	"github.com/yairfalse/vahti/internal/relay"
	"github.com/yairfalse/vahti/internal/scheduler"
	"github.com/yairfalse/vahti/internal/sink"
	"github.com/yairfalse/vahti/internal/telemetry"
)

// Daemon owns every configured monitor and relay.
type Daemon struct {
	cfg       *config.Config
	registry  registry.Registry
	runtime   *registry.Runtime
	sink      sink.Sink
	events    *event.Builder
	telemetry *telemetry.Provider
	promReg   *prometheus.Registry
	monitors  []*scheduler.Monitor
	relays    []*relay.Relay
	logger    zerolog.Logger

	startTime time.Time
	ready     atomic.Bool
	addr      atomic.Value
}

// HealthStatus represents daemon health.
type HealthStatus struct {
	Status   string `json:"status"`
	Uptime   int64  `json:"uptime_seconds"`
	Monitors int    `json:"monitors"`
	Relays   int    `json:"relays"`
	Running  int    `json:"running"`
}

// Status is the combined view of all components.
type Status struct {
	Monitors []scheduler.Status `json:"monitors"`
	Relays   []relay.Status     `json:"relays"`
}

// New builds a daemon from validated configuration. Nothing is started.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	reg, rt, err := NewRegistry(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	s, err := NewSink(cfg.Sinks)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}

	promReg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(promReg))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry.OTEL, exporter)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		registry:  reg,
		runtime:   rt,
		sink:      s,
		events:    NewEventBuilder(cfg.Event),
		telemetry: tp,
		promReg:   promReg,
		logger:    log.With().Str("component", "daemon").Logger(),
		startTime: time.Now(),
	}
	d.addr.Store("")

	seq := NewSequence()
	for _, mc := range cfg.Monitors {
		id := mc.ID
		if id == "" {
			id = seq.Next(MonitorIDPrefix)
		}
		d.monitors = append(d.monitors, scheduler.New(MonitorConfig(id, mc), reg, s,
			scheduler.WithEvents(d.events),
			scheduler.WithMetrics(tp.Metrics()),
		))
	}
	for _, rc := range cfg.Relays {
		id := rc.ID
		if id == "" {
			id = seq.Next(RelayIDPrefix)
		}
		d.relays = append(d.relays, relay.New(RelayConfig(id, rc), reg, s,
			relay.WithEvents(d.events),
			relay.WithMetrics(tp.Metrics()),
		))
	}

	return d, nil
}

// Run starts every component and blocks until ctx is cancelled, a signal
// arrives or an actor fails.
func (d *Daemon) Run(ctx context.Context) error {
	var g run.Group

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-ctx.Done()
			return ctx.Err()
		}, func(error) {
			cancel()
		})
	}

	{
		ln, err := net.Listen("tcp", d.cfg.Telemetry.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", d.cfg.Telemetry.MetricsAddr, err)
		}
		d.addr.Store(ln.Addr().String())
		srv := d.server()
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics and health")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if d.runtime != nil && len(d.relays) > 0 {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.runtime.Watch(ctx, d.cfg.Registry.GCWatchInterval)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			if err := d.start(ctx); err != nil {
				return err
			}
			d.ready.Store(true)
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
			d.ready.Store(false)
			d.stop()
		})
	}

	err := g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		d.logger.Info().Str("signal", sig.Signal.String()).Msg("received signal, shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// start brings up every monitor and relay. A failure stops what already
// started.
func (d *Daemon) start(ctx context.Context) error {
	for _, m := range d.monitors {
		if err := m.Start(ctx); err != nil {
			d.stop()
			return err
		}
	}
	for _, r := range d.relays {
		if err := r.Start(ctx); err != nil {
			d.stop()
			return err
		}
	}
	d.logger.Info().Int("monitors", len(d.monitors)).Int("relays", len(d.relays)).Msg("daemon started")
	return nil
}

func (d *Daemon) stop() {
	for _, r := range d.relays {
		if err := r.Stop(); err != nil && !errors.Is(err, relay.ErrNotRunning) {
			d.logger.Warn().Err(err).Str("relay", r.ID()).Msg("relay stop failed")
		}
	}
	for _, m := range d.monitors {
		if err := m.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			d.logger.Warn().Err(err).Str("monitor", m.ID()).Msg("monitor stop failed")
		}
	}
	for _, m := range d.monitors {
		m.Wait()
	}
}

// RunOnce polls every monitor exactly once. Relays are not started.
func (d *Daemon) RunOnce(ctx context.Context) (map[string][]collector.TickResult, error) {
	out := make(map[string][]collector.TickResult, len(d.monitors))
	var errs []error
	for _, m := range d.monitors {
		results, err := m.RunOnce(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[m.ID()] = results
	}
	return out, errors.Join(errs...)
}

// Health returns daemon health.
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status:   "healthy",
		Uptime:   int64(time.Since(d.startTime).Seconds()),
		Monitors: len(d.monitors),
		Relays:   len(d.relays),
	}
	for _, m := range d.monitors {
		if m.Running() {
			h.Running++
		}
	}
	for _, r := range d.relays {
		if r.Running() {
			h.Running++
		}
	}
	if !d.ready.Load() {
		h.Status = "starting"
	}
	return h
}

// Status returns the status of every monitor and relay.
func (d *Daemon) Status() Status {
	s := Status{
		Monitors: make([]scheduler.Status, 0, len(d.monitors)),
		Relays:   make([]relay.Status, 0, len(d.relays)),
	}
	for _, m := range d.monitors {
		s.Monitors = append(s.Monitors, m.Status())
	}
	for _, r := range d.relays {
		s.Relays = append(s.Relays, r.Status())
	}
	return s
}

// Ready reports whether every component has been started.
func (d *Daemon) Ready() bool { return d.ready.Load() }

// Addr returns the bound metrics address once Run is listening.
func (d *Daemon) Addr() string { return d.addr.Load().(string) }

// Registry returns the resource registry.
func (d *Daemon) Registry() registry.Registry { return d.registry }

// Close flushes telemetry and closes the sinks.
func (d *Daemon) Close(ctx context.Context) error {
	return errors.Join(d.telemetry.Shutdown(ctx), d.sink.Close())
}
