package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/notify"
)

// LogSink writes each event as a structured log line.
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

// Name implements notify.Sink.
func (s *LogSink) Name() string { return "log" }

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.String("crawl_id", evt.CrawlID),
			zap.String("job_id", evt.JobID),
			zap.String("tenant_id", evt.TenantID),
			zap.String("url", evt.URL),
			zap.Time("ts", evt.TS),
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
		}
		s.logger.Info("notify event", fields...)
	}
	return nil
}

// Close implements notify.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
