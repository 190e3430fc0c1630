package notify

import (
	"context"
	"io"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// Dispatcher fans one message out to every sink under a shared token bucket.
// It satisfies Sink itself and never returns a delivery error.
type Dispatcher struct {
	sinks         []Sink
	limiter       *rate.Limiter
	defaultTarget string
	logger        *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher. ratePerSecond <= 0 disables throttling.
func NewDispatcher(ratePerSecond int, defaultTarget string, log *zap.SugaredLogger, sinks ...Sink) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if ratePerSecond > 0 {
		// Burst equals the rate so short spikes are not delayed
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)
	}
	return &Dispatcher{
		sinks:         sinks,
		limiter:       limiter,
		defaultTarget: defaultTarget,
		logger:        logger.AddNotifySymbol(log),
	}
}

// Sinks returns how many sinks receive each message
func (d *Dispatcher) Sinks() int { return len(d.sinks) }

// Notify delivers message to every sink. Failures, including waiting for the
// rate limiter past ctx, are logged and swallowed.
func (d *Dispatcher) Notify(ctx context.Context, target, message string) error {
	if target == "" {
		target = d.defaultTarget
	}
	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.Warnw("Notification dropped",
			"target", target,
			logger.FieldError, err,
		)
		return nil
	}

	for _, sink := range d.sinks {
		if err := sink.Notify(ctx, target, message); err != nil {
			d.logger.Warnw("Notification failed",
				"target", target,
				"sink", sinkName(sink),
				logger.FieldError, err,
			)
		}
	}
	return nil
}

// Close closes every sink that holds a connection
func (d *Dispatcher) Close() error {
	var first error
	for _, sink := range d.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func sinkName(s Sink) string {
	switch s.(type) {
	case *TelegramSink:
		return "telegram"
	case *AMQPSink:
		return "amqp"
	case *LogSink:
		return "log"
	default:
		return "custom"
	}
}
