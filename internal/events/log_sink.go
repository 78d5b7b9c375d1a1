package events

import (
	"context"
	"log/slog"
)

// LogSink writes events to the structured log. Security incidents are logged at warn level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if event.IsSecurityIncident() {
		level = slog.LevelWarn
	}

	attrs := make([]any, 0, len(event.Payload)+1)
	attrs = append(attrs, slog.Time("occurred_at", event.OccurredAt))
	for k, v := range event.Payload {
		attrs = append(attrs, slog.Any(k, v))
	}

	s.logger.Log(ctx, level, event.Name, attrs...)
	return nil
}
