// Package sinks provides notification sinks: live snapshots for streaming
// clients, a broker publisher and a debug logger.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/notify"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		s.logger.Debug("notification",
			zap.String("topic", string(evt.Topic)),
			zap.String("source_id", evt.SourceID),
			zap.String("state", string(evt.State)),
			zap.Int("count", evt.Count),
			zap.String("error", evt.Error),
			zap.Time("ts", evt.TS),
		)
	}
	return nil
}

// Close implements notify.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
