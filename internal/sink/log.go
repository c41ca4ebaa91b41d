package sink

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log writes every payload to a zerolog logger. Useful for local runs
// without a collector.
type Log struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLog creates a log sink writing at level. An unknown level logs at info.
func NewLog(level string) *Log {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return &Log{
		logger: log.With().Str("component", "sink.log").Logger(),
		level:  lvl,
	}
}

// Send implements Sink.
func (l *Log) Send(_ context.Context, payload string) error {
	e := l.logger.WithLevel(l.level)
	if json.Valid([]byte(payload)) {
		e = e.RawJSON("event", []byte(payload))
	} else {
		e = e.Str("event", payload)
	}
	e.Msg("event")
	return nil
}

// Close implements Sink.
func (l *Log) Close() error { return nil }
