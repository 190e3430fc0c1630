package notify

import (
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/am"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// FromConfig builds a dispatcher over every enabled sink, or a LogSink when
// none is enabled
func FromConfig(cfg am.NotifyConfig, log *zap.SugaredLogger) (*Dispatcher, error) {
	var sinks []Sink

	if cfg.Telegram.Enabled {
		tg, err := NewTelegramSink(TelegramConfig{
			Token:  cfg.Telegram.Token,
			APIURL: cfg.Telegram.APIURL,
			ChatID: cfg.Telegram.ChatID,
		}, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}

	if cfg.AMQP.Enabled {
		mq, err := NewAMQPSink(AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		}, log)
		if err != nil {
			return nil, errors.WithDetailf(err, "exchange: %s", cfg.AMQP.Exchange)
		}
		sinks = append(sinks, mq)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, NewLogSink(log))
	}
	return NewDispatcher(cfg.RatePerSecond, cfg.DefaultTarget, log, sinks...), nil
}
