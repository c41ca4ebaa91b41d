package daemon

import (
	"fmt"
	"sync"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/event"
	"github.com/yairfalse/vahti/internal/registry"
	"github.com/yairfalse/vahti/internal/relay"
	"github.com/yairfalse/vahti/internal/scheduler"
	"github.com/yairfalse/vahti/internal/serializer"
	"github.com/yairfalse/vahti/internal/sink"
	"github.com/yairfalse/vahti/internal/tracker"
)

// Id prefixes for components configured without an explicit id.
const (
	MonitorIDPrefix = "vahti-attribute-change-monitor"
	RelayIDPrefix   = "vahti-notification-relay"
)

// Sequence hands out numbered ids per prefix. It is owned by whoever
// constructs the components, never shared process-wide.
type Sequence struct {
	mu   sync.Mutex
	next map[string]int
}

// NewSequence creates an empty id sequence.
func NewSequence() *Sequence {
	return &Sequence{next: make(map[string]int)}
}

// Next returns "<prefix>-N" with N starting at 1 for each prefix.
func (s *Sequence) Next(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[prefix]++
	return fmt.Sprintf("%s-%d", prefix, s.next[prefix])
}

// NewRegistry builds the configured registry. The runtime registry is also
// returned on its own so its GC watcher can be scheduled.
func NewRegistry(cfg config.RegistryConfig) (registry.Registry, *registry.Runtime, error) {
	switch cfg.Type {
	case config.RegistryRuntime, "":
		rt := registry.NewRuntime()
		return rt, rt, nil
	case config.RegistryJolokia:
		j, err := registry.NewJolokia(registry.JolokiaConfig{
			URL:               cfg.URL,
			User:              cfg.User,
			Password:          cfg.Password,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		if err != nil {
			return nil, nil, err
		}
		return j, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry type %q", cfg.Type)
	}
}

// NewSink builds one sink per config entry behind a fan-out. Sinks opened
// before a failure are closed.
func NewSink(cfgs []config.SinkConfig) (sink.Sink, error) {
	if len(cfgs) == 0 {
		return nil, scheduler.ErrNoSink
	}

	sinks := make([]sink.Sink, 0, len(cfgs))
	fail := func(err error) (sink.Sink, error) {
		_ = sink.NewMulti(sinks...).Close()
		return nil, err
	}

	for i, c := range cfgs {
		switch c.Type {
		case config.SinkHEC:
			h, err := sink.NewHEC(sink.HECConfig{URL: c.URL, Token: c.Token, Channel: c.Channel, Timeout: c.Timeout})
			if err != nil {
				return fail(fmt.Errorf("sinks[%d]: %w", i, err))
			}
			sinks = append(sinks, h)
		case config.SinkJournal:
			j, err := sink.OpenJournal(c.Path)
			if err != nil {
				return fail(fmt.Errorf("sinks[%d]: %w", i, err))
			}
			sinks = append(sinks, j)
		case config.SinkLog:
			sinks = append(sinks, sink.NewLog(c.Level))
		default:
			return fail(fmt.Errorf("sinks[%d]: unknown type %q", i, c.Type))
		}
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sink.NewMulti(sinks...), nil
}

// NewEventBuilder builds the envelope builder from config.
func NewEventBuilder(cfg config.EventConfig) *event.Builder {
	b := event.NewBuilder(cfg.Host, cfg.Index)
	if cfg.SourceType != "" {
		b.SourceType = cfg.SourceType
	}
	if cfg.NotificationSourceType != "" {
		b.NotificationSourceType = cfg.NotificationSourceType
	}
	return b
}

// MonitorConfig maps a monitor section onto the scheduler configuration.
func MonitorConfig(id string, m config.MonitorConfig) scheduler.Config {
	return scheduler.Config{
		ID:            id,
		Period:        m.Period(),
		MaxSuppressed: m.MaxSuppressed(),
		Patterns:      m.ObservedObjects,
		Attributes: tracker.AttributeSets{
			Observed:  m.ObservedAttributes,
			Excluded:  m.ExcludedAttributes,
			Collected: m.CollectedAttributes,
		},
		Serializer:    serializerOptions(m),
		Workers:       m.Workers,
		RestartSettle: m.RestartSettle,
	}
}

// RelayConfig maps a relay section onto the relay configuration.
func RelayConfig(id string, r config.RelayConfig) relay.Config {
	return relay.Config{
		ID:      id,
		Sources: r.SourceObjects,
		Notification: serializer.NotificationOptions{
			IncludeType:           r.IncludeNotificationType,
			IncludeMessage:        r.IncludeNotificationMessage,
			IncludeSequenceNumber: r.IncludeNotificationSequenceNumber,
			IncludeSource:         r.IncludeNotificationSource,
			IncludeUserData:       r.UserData(),
		},
		Serializer:    serializer.DefaultOptions(),
		RestartSettle: r.RestartSettle,
	}
}

func serializerOptions(m config.MonitorConfig) serializer.Options {
	return serializer.Options{
		IncludeNull:               m.IncludeNullAttributes,
		IncludeEmptyString:        m.IncludeEmptyStringAttributes,
		IncludeEmptyReferenceList: m.IncludeEmptyReferenceLists,
		IncludeZeroValued:         m.IncludeZeroValued(),
	}
}

// SerializerOptions returns the serializer policy of a monitor section.
func SerializerOptions(m config.MonitorConfig) serializer.Options {
	return serializerOptions(m)
}
