// Package config handles YAML configuration for vahti.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultGranularityPeriod       = 15
	DefaultMaxSuppressedDuplicates = -1
	DefaultWorkers                 = 1
	DefaultRestartSettle           = 5 * time.Second
	DefaultMetricsAddr             = ":9090"
)

// Config is the root configuration structure.
type Config struct {
	Monitors  []MonitorConfig `yaml:"monitors"`
	Relays    []RelayConfig   `yaml:"relays"`
	Sinks     []SinkConfig    `yaml:"sinks"`
	Registry  RegistryConfig  `yaml:"registry"`
	Event     EventConfig     `yaml:"event"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// MonitorConfig configures one attribute change monitor.
type MonitorConfig struct {
	ID                           string        `yaml:"id"`
	GranularityPeriod            int           `yaml:"granularity_period"`
	MaxSuppressedDuplicates      *int          `yaml:"max_suppressed_duplicates"`
	ObservedObjects              []string      `yaml:"observed_objects"`
	ObservedAttributes           []string      `yaml:"observed_attributes"`
	ExcludedAttributes           []string      `yaml:"excluded_attributes"`
	CollectedAttributes          []string      `yaml:"collected_attributes"`
	IncludeNullAttributes        bool          `yaml:"include_null_attributes"`
	IncludeEmptyStringAttributes bool          `yaml:"include_empty_string_attributes"`
	IncludeZeroValuedAttributes  *bool         `yaml:"include_zero_valued_attributes"`
	IncludeEmptyReferenceLists   bool          `yaml:"include_empty_reference_lists"`
	Workers                      int           `yaml:"workers"`
	RestartSettle                time.Duration `yaml:"restart_settle"`
}

// Period returns the granularity period as a duration.
func (m MonitorConfig) Period() time.Duration {
	return time.Duration(m.GranularityPeriod) * time.Second
}

// MaxSuppressed returns the suppression ceiling, -1 when unlimited.
func (m MonitorConfig) MaxSuppressed() int {
	if m.MaxSuppressedDuplicates == nil {
		return DefaultMaxSuppressedDuplicates
	}
	return *m.MaxSuppressedDuplicates
}

// IncludeZeroValued returns whether "0" scalars are kept.
func (m MonitorConfig) IncludeZeroValued() bool {
	return m.IncludeZeroValuedAttributes == nil || *m.IncludeZeroValuedAttributes
}

// RelayConfig configures one notification relay.
type RelayConfig struct {
	ID                                string        `yaml:"id"`
	SourceObjects                     []string      `yaml:"source_objects"`
	IncludeNotificationType           bool          `yaml:"include_notification_type"`
	IncludeNotificationMessage        bool          `yaml:"include_notification_message"`
	IncludeNotificationSequenceNumber bool          `yaml:"include_notification_sequence_number"`
	IncludeNotificationSource         bool          `yaml:"include_notification_source"`
	IncludeUserData                   *bool         `yaml:"include_user_data"`
	RestartSettle                     time.Duration `yaml:"restart_settle"`
}

// UserData returns whether notification user data is serialized.
func (r RelayConfig) UserData() bool {
	return r.IncludeUserData == nil || *r.IncludeUserData
}

// Sink types.
const (
	SinkHEC     = "hec"
	SinkLog     = "log"
	SinkJournal = "journal"
)

// SinkConfig configures one event backend. Several sinks fan out.
type SinkConfig struct {
	Type    string        `yaml:"type"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Channel string        `yaml:"channel"`
	Timeout time.Duration `yaml:"timeout"`
	Path    string        `yaml:"path"`
	Level   string        `yaml:"level"`
}

// Registry types.
const (
	RegistryRuntime = "runtime"
	RegistryJolokia = "jolokia"
)

// RegistryConfig selects where managed resources come from.
type RegistryConfig struct {
	Type              string        `yaml:"type"`
	URL               string        `yaml:"url"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	GCWatchInterval   time.Duration `yaml:"gc_watch_interval"`
}

// EventConfig holds envelope metadata.
type EventConfig struct {
	Host                   string `yaml:"host"`
	Index                  string `yaml:"index"`
	SourceType             string `yaml:"sourcetype"`
	NotificationSourceType string `yaml:"notification_sourcetype"`
}

// TelemetryConfig holds self-observability settings.
type TelemetryConfig struct {
	MetricsAddr string     `yaml:"metrics_addr"`
	OTEL        OTELConfig `yaml:"otel"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Monitors {
		m := &cfg.Monitors[i]
		if m.GranularityPeriod <= 0 {
			m.GranularityPeriod = DefaultGranularityPeriod
		}
		if m.Workers <= 0 {
			m.Workers = DefaultWorkers
		}
		if m.RestartSettle == 0 {
			m.RestartSettle = DefaultRestartSettle
		}
	}
	for i := range cfg.Relays {
		if cfg.Relays[i].RestartSettle == 0 {
			cfg.Relays[i].RestartSettle = DefaultRestartSettle
		}
	}
	if cfg.Registry.Type == "" {
		cfg.Registry.Type = RegistryRuntime
	}
	if cfg.Registry.GCWatchInterval == 0 {
		cfg.Registry.GCWatchInterval = time.Second
	}
	if cfg.Event.Host == "" {
		cfg.Event.Host, _ = os.Hostname()
	}
	if cfg.Telemetry.MetricsAddr == "" {
		cfg.Telemetry.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.Telemetry.OTEL.ServiceName == "" {
		cfg.Telemetry.OTEL.ServiceName = "vahti"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks the configuration is valid. Pattern syntax is not
// checked here: bad patterns are dropped with a warning at start.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Monitors) == 0 && len(c.Relays) == 0 {
		errs = append(errs, errors.New("at least one monitor or relay is required"))
	}
	if len(c.Sinks) == 0 {
		errs = append(errs, errors.New("sinks: at least one sink is required"))
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case SinkHEC:
			if s.URL == "" || s.Token == "" {
				errs = append(errs, fmt.Errorf("sinks[%d]: hec requires url and token", i))
			}
		case SinkJournal:
			if s.Path == "" {
				errs = append(errs, fmt.Errorf("sinks[%d]: journal requires path", i))
			}
		case SinkLog:
		default:
			errs = append(errs, fmt.Errorf("sinks[%d]: unknown type %q", i, s.Type))
		}
	}
	for i, m := range c.Monitors {
		if len(m.ObservedObjects) == 0 {
			errs = append(errs, fmt.Errorf("monitors[%d]: observed_objects is empty", i))
		}
		if m.MaxSuppressed() < -1 {
			errs = append(errs, fmt.Errorf("monitors[%d]: max_suppressed_duplicates must be -1 or greater", i))
		}
	}
	for i, r := range c.Relays {
		if len(r.SourceObjects) == 0 {
			errs = append(errs, fmt.Errorf("relays[%d]: source_objects is empty", i))
		}
	}
	switch c.Registry.Type {
	case RegistryRuntime:
	case RegistryJolokia:
		if c.Registry.URL == "" {
			errs = append(errs, errors.New("registry: jolokia requires url"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry: unknown type %q", c.Registry.Type))
	}
	if c.Telemetry.OTEL.Traces.SampleRate < 0.0 || c.Telemetry.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.Telemetry.OTEL.Traces.SampleRate))
	}

	return errors.Join(errs...)
}
