package broker

import (
	"context"

	"go.uber.org/zap"
)

// Reporter is told about every item that reaches failed or expired.
type Reporter interface {
	ReportFailure(ctx context.Context, item *Item) error
}

// LogReporter reports terminal failures to the log.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportFailure(_ context.Context, item *Item) error {
	lastErr := ""
	if item.LastError != nil {
		lastErr = *item.LastError
	}
	r.logger.Warn("notification delivery gave up",
		zap.String("id", item.ID.String()),
		zap.String("status", string(item.Status)),
		zap.String("kind", item.Kind),
		zap.Int64("recipient_id", item.RecipientID),
		zap.Int("attempts", item.Attempt),
		zap.String("last_error", lastErr),
	)
	return nil
}

// MultiReporter fans a report out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) ReportFailure(ctx context.Context, item *Item) error {
	var firstErr error
	for _, r := range m {
		if err := r.ReportFailure(ctx, item); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
