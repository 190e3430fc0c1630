// Package notify delivers short operator messages about generated content and
// schedule runs. Delivery is best effort: a failing sink is logged and the
// caller carries on.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// Sink delivers one message to target. An empty target means the sink's default.
type Sink interface {
	Notify(ctx context.Context, target, message string) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, target, message string) error

// Notify calls f
func (f SinkFunc) Notify(ctx context.Context, target, message string) error {
	return f(ctx, target, message)
}

// LogSink writes messages to the log. It is the fallback when no remote sink is enabled.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink that logs every message at info level
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger.AddNotifySymbol(log)}
}

// Notify logs message
func (s *LogSink) Notify(_ context.Context, target, message string) error {
	s.logger.Infow("Notification",
		"target", target,
		"message", message,
	)
	return nil
}
