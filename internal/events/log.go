package events

import (
	"context"
	"log/slog"
)

// LogSink writes events to the structured log (useful for development).
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log-based sink.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With("component", "events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, ev Event) error {
	s.log.Info("event", "event", ev.Name, "trace_id", ev.TraceID, "payload", string(ev.Payload))
	return nil
}

func (s *LogSink) Close() error { return nil }
