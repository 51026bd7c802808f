package progress

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the Sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements Sink.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("target", evt.Target),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Phase == PhaseFinished {
			fields = append(fields, zap.Duration("elapsed", evt.Elapsed))
		}
		s.logger.Info("stage "+string(evt.Phase), fields...)
	}
	return nil
}

// Close implements Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
