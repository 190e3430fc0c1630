package notify

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// DefaultTelegramAPI is the public Bot API endpoint
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures the Telegram sink
type TelegramConfig struct {
	Token   string
	APIURL  string
	ChatID  int64 // used when the target is empty or not numeric
	Timeout time.Duration
}

// TelegramSink sends messages through the Bot API. It never polls for updates.
type TelegramSink struct {
	bot    *tele.Bot
	chatID int64
	logger *zap.SugaredLogger
}

// NewTelegramSink creates an offline bot; no request is made until the first Notify
func NewTelegramSink(cfg TelegramConfig, log *zap.SugaredLogger) (*TelegramSink, error) {
	if cfg.Token == "" {
		return nil, errors.WithHint(errors.New("telegram token is empty"),
			"set IDEALGEN_TELEGRAM_TOKEN or notify.telegram.token")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultTelegramAPI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	return &TelegramSink{bot: b, chatID: cfg.ChatID, logger: logger.AddNotifySymbol(log)}, nil
}

// Notify sends message to target, a numeric chat id, or to the configured chat
func (s *TelegramSink) Notify(_ context.Context, target, message string) error {
	chat := s.chatID
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		chat = id
	}
	if chat == 0 {
		return errors.Newf("no telegram chat for target %q", target)
	}

	msg, err := s.bot.Send(tele.ChatID(chat), message, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return errors.Wrapf(err, "telegram send to %d", chat)
	}
	s.logger.Debugw("Telegram message sent", "chat_id", chat, "message_id", msg.ID)
	return nil
}
