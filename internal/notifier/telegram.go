package notifier

import (
	"context"
	"errors"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig targets one chat, optionally a forum thread.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
	// APIURL overrides the Bot API endpoint (tests).
	APIURL string
}

type TelegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, errors.New("notifier: telegram token and chat id are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true},
	}, nil
}

// SendText posts text. telebot has no context support, so a canceled ctx
// only stops waiting; the request itself is bounded by the client timeout.
func (t *TelegramSender) SendText(ctx context.Context, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text, t.opts)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
