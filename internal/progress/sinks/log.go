package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/progress"
)

// LogSink writes one debug line per event and an info line for status
// changes, which are rare and worth seeing in production logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("field", evt.Field),
			zap.Time("ts", evt.TS),
		}
		if evt.Kind == progress.KindStatusChange {
			s.logger.Info("Session status changed", fields...)
			continue
		}
		s.logger.Debug("Session counter incremented", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
