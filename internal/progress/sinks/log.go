package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/progress"
)

// LogSink emits structured logs for progress streams. Results are logged at
// debug level; lifecycle events at info.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("shard", evt.Shard),
		}
		switch evt.Stage {
		case progress.StageResult:
			fields = append(fields,
				zap.String("identifier", evt.Identifier),
				zap.String("outcome", evt.OutcomeString()),
				zap.Int("attempts", evt.Attempts),
			)
			s.logger.Debug("progress event", fields...)
			continue
		case progress.StageRunHB:
			fields = append(fields, zap.Int64("processed", evt.Processed), zap.Int64("total", evt.Total))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
