package transport

import (
	"context"

	"go.uber.org/zap"
)

// Log is a transport that only logs messages, for development and testing.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, msg *Message) error {
	l.logger.Info("logging email (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("attachment", msg.AttachmentPath),
	)
	return nil
}
