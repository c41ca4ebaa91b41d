package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
monitors:
  - id: pools
    granularity_period: 30
    max_suppressed_duplicates: 3
    observed_objects:
      - "app:type=Pool,name=*"
    observed_attributes: [active, idle]
    collected_attributes: [maxActive]
    include_null_attributes: true
    include_zero_valued_attributes: false
    workers: 4
    restart_settle: 2s

relays:
  - source_objects: ["go.runtime:type=GarbageCollector"]
    include_notification_type: true
    include_user_data: false

sinks:
  - type: hec
    url: https://splunk:8088
    token: abc
    timeout: 3s
  - type: journal
    path: /var/lib/vahti/events.db

registry:
  type: jolokia
  url: http://app:8778/jolokia
  requests_per_second: 5

event:
  host: node-1
  index: jmx

telemetry:
  metrics_addr: ":2112"
  otel:
    endpoint: localhost:4317
    insecure: true
    traces:
      enabled: true
      sample_rate: 1.0

log:
  level: debug
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Monitors, 1)
	m := cfg.Monitors[0]
	assert.Equal(t, "pools", m.ID)
	assert.Equal(t, 30*time.Second, m.Period())
	assert.Equal(t, 3, m.MaxSuppressed())
	assert.Equal(t, []string{"app:type=Pool,name=*"}, m.ObservedObjects)
	assert.Equal(t, []string{"active", "idle"}, m.ObservedAttributes)
	assert.Equal(t, []string{"maxActive"}, m.CollectedAttributes)
	assert.True(t, m.IncludeNullAttributes)
	assert.False(t, m.IncludeZeroValued())
	assert.Equal(t, 4, m.Workers)
	assert.Equal(t, 2*time.Second, m.RestartSettle)

	require.Len(t, cfg.Relays, 1)
	assert.True(t, cfg.Relays[0].IncludeNotificationType)
	assert.False(t, cfg.Relays[0].UserData())

	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, 3*time.Second, cfg.Sinks[0].Timeout)
	assert.Equal(t, RegistryJolokia, cfg.Registry.Type)
	assert.Equal(t, 5.0, cfg.Registry.RequestsPerSecond)
	assert.Equal(t, "node-1", cfg.Event.Host)
	assert.Equal(t, ":2112", cfg.Telemetry.MetricsAddr)
	assert.True(t, cfg.Telemetry.OTEL.Traces.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Defaults(t *testing.T) {
	content := `
monitors:
  - observed_objects: ["go.runtime:type=Memory"]
relays:
  - source_objects: ["go.runtime:type=GarbageCollector"]
sinks:
  - type: log
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	require.NoError(t, err)

	m := cfg.Monitors[0]
	assert.Equal(t, 15*time.Second, m.Period())
	assert.Equal(t, -1, m.MaxSuppressed())
	assert.True(t, m.IncludeZeroValued())
	assert.False(t, m.IncludeNullAttributes)
	assert.Equal(t, DefaultWorkers, m.Workers)
	assert.Equal(t, DefaultRestartSettle, m.RestartSettle)

	r := cfg.Relays[0]
	assert.True(t, r.UserData())
	assert.False(t, r.IncludeNotificationType)
	assert.Equal(t, DefaultRestartSettle, r.RestartSettle)

	assert.Equal(t, RegistryRuntime, cfg.Registry.Type)
	assert.Equal(t, DefaultMetricsAddr, cfg.Telemetry.MetricsAddr)
	assert.Equal(t, "vahti", cfg.Telemetry.OTEL.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Event.Host)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ZeroSuppressionIsKept(t *testing.T) {
	cfg, err := Parse([]byte(`
monitors:
  - observed_objects: ["a:b=c"]
    max_suppressed_duplicates: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Monitors[0].MaxSuppressed())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/vahti.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "monitors: [\n  - observed_objects: \"unterminated")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTempConfig(t, `
monitors:
  - observed_objects: ["a:b=c"]
    restart_settle: not-a-duration
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "nothing to run",
			cfg:     Config{Sinks: []SinkConfig{{Type: SinkLog}}, Registry: RegistryConfig{Type: RegistryRuntime}},
			wantErr: "at least one monitor or relay",
		},
		{
			name: "no sink",
			cfg: Config{
				Monitors: []MonitorConfig{{ObservedObjects: []string{"a:b=c"}}},
				Registry: RegistryConfig{Type: RegistryRuntime},
			},
			wantErr: "at least one sink",
		},
		{
			name: "hec without token",
			cfg: Config{
				Monitors: []MonitorConfig{{ObservedObjects: []string{"a:b=c"}}},
				Sinks:    []SinkConfig{{Type: SinkHEC, URL: "http://x"}},
				Registry: RegistryConfig{Type: RegistryRuntime},
			},
			wantErr: "hec requires url and token",
		},
		{
			name: "unknown sink",
			cfg: Config{
				Monitors: []MonitorConfig{{ObservedObjects: []string{"a:b=c"}}},
				Sinks:    []SinkConfig{{Type: "kafka"}},
				Registry: RegistryConfig{Type: RegistryRuntime},
			},
			wantErr: `unknown type "kafka"`,
		},
		{
			name: "monitor without objects",
			cfg: Config{
				Monitors: []MonitorConfig{{}},
				Sinks:    []SinkConfig{{Type: SinkLog}},
				Registry: RegistryConfig{Type: RegistryRuntime},
			},
			wantErr: "observed_objects is empty",
		},
		{
			name: "bad suppression ceiling",
			cfg: Config{
				Monitors: []MonitorConfig{{ObservedObjects: []string{"a:b=c"}, MaxSuppressedDuplicates: intPtr(-2)}},
				Sinks:    []SinkConfig{{Type: SinkLog}},
				Registry: RegistryConfig{Type: RegistryRuntime},
			},
			wantErr: "max_suppressed_duplicates",
		},
		{
			name: "jolokia without url",
			cfg: Config{
				Relays:   []RelayConfig{{SourceObjects: []string{"a:b=c"}}},
				Sinks:    []SinkConfig{{Type: SinkLog}},
				Registry: RegistryConfig{Type: RegistryJolokia},
			},
			wantErr: "jolokia requires url",
		},
		{
			name: "bad sample rate",
			cfg: Config{
				Relays:    []RelayConfig{{SourceObjects: []string{"a:b=c"}}},
				Sinks:     []SinkConfig{{Type: SinkLog}},
				Registry:  RegistryConfig{Type: RegistryRuntime},
				Telemetry: TelemetryConfig{OTEL: OTELConfig{Traces: TracesConfig{SampleRate: 2}}},
			},
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func intPtr(v int) *int { return &v }

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vahti.yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
