package notify

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// AMQPConfig configures the event sink
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Event is the JSON body published for every notification
type Event struct {
	Target  string    `json:"target,omitempty"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// publisher is the part of *amqp.Channel the sink uses
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes notifications as persistent JSON messages on a topic exchange
type AMQPSink struct {
	cfg     AMQPConfig
	channel publisher
	closer  func() error
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// NewAMQPSink dials the broker and declares the exchange
func NewAMQPSink(cfg AMQPConfig, log *zap.SugaredLogger) (*AMQPSink, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, errors.Wrap(err, "connect to amqp broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", cfg.Exchange)
	}

	s := newAMQPSink(cfg, ch, log, time.Now)
	s.closer = func() error {
		ch.Close()
		return conn.Close()
	}
	logger.AddNotifySymbol(log).Infow("AMQP sink ready",
		"exchange", cfg.Exchange,
		"routing_key", cfg.RoutingKey,
	)
	return s, nil
}

func newAMQPSink(cfg AMQPConfig, ch publisher, log *zap.SugaredLogger, timeNow func() time.Time) *AMQPSink {
	return &AMQPSink{
		cfg:     cfg,
		channel: ch,
		logger:  logger.AddNotifySymbol(log),
		timeNow: timeNow,
	}
}

// Notify publishes one Event
func (s *AMQPSink) Notify(ctx context.Context, target, message string) error {
	now := s.timeNow().UTC()
	body, err := json.Marshal(Event{Target: target, Message: message, SentAt: now})
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	err = s.channel.PublishWithContext(ctx,
		s.cfg.Exchange,   // exchange
		s.cfg.RoutingKey, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    now,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "publish to %s", s.cfg.Exchange)
	}
	return nil
}

// Close closes the channel and connection
func (s *AMQPSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
