package messenger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log writes notifications to the logger instead of delivering them.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, recipientID int64, content Content) (Result, error) {
	id := uuid.NewString()
	l.logger.Info("logging notification (development mode)",
		zap.String("message_id", id),
		zap.Int64("recipient_id", recipientID),
		zap.String("subject", content.Subject),
		zap.String("text", content.Text),
	)
	return Result{OK: true, ProviderMessageID: id}, nil
}
