package publisher

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "autochirp/pkg/logx"
)

// TelegramConfig tunes the Telegram driver. The user's token is the bot
// token and the handle is the target chat ("@channel" or a numeric id).
type TelegramConfig struct {
	Timeout time.Duration
	// APIURL overrides the Bot API endpoint (tests).
	APIURL string
}

type Telegram struct {
	cfg  TelegramConfig
	log  logx.Logger
	http *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) *Telegram {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Telegram{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
		bots: make(map[string]*tele.Bot),
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) bot(token string) (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	// Offline: the bot only sends, so skip the getMe round trip.
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     t.cfg.APIURL,
		Client:  t.http,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	t.bots[token] = b
	return b, nil
}

// chatRecipient accepts "@name" or a numeric chat id.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

func (t *Telegram) Publish(ctx context.Context, creds Credentials, p Payload) (int64, error) {
	to := strings.TrimSpace(creds.Handle)
	if creds.Token == "" || to == "" {
		return 0, Permanent(ErrNoCredentials)
	}
	if p.Empty() {
		return 0, Permanent(ErrEmptyPayload)
	}
	b, err := t.bot(creds.Token)
	if err != nil {
		return 0, Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return 0, Transient(err)
	}

	opts := &tele.SendOptions{}
	if p.InReplyTo > 0 {
		opts.ReplyTo = &tele.Message{ID: int(p.InReplyTo)}
	}

	var what any = p.Text
	if p.Media != nil {
		what = &tele.Photo{File: tele.FromURL(p.Media.URL), Caption: p.Text}
	}
	msg, err := b.Send(chatRecipient(to), what, opts)
	if err != nil {
		err = classifyTelegram(err)
		if p.Media != nil && isTelegramMediaError(err) {
			return 0, MediaFailed(err)
		}
		return 0, err
	}

	if p.Geo != nil && p.Geo.DisplayCoordinates {
		loc := &tele.Location{Lat: float32(p.Geo.Lat), Lng: float32(p.Geo.Long)}
		if _, gerr := b.Send(chatRecipient(to), loc, &tele.SendOptions{ReplyTo: msg}); gerr != nil {
			t.log.Warn("telegram location send failed", logx.String("chat", to), logx.Err(gerr))
		}
	}
	return int64(msg.ID), nil
}

var telegramCodeRE = regexp.MustCompile(`\((\d{3})\)\s*$`)

func classifyTelegram(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var terr *tele.Error
	if errors.As(err, &terr) {
		return classifyStatus(terr.Code, err)
	}
	// Unknown API errors are flattened to "telegram: <description> (<code>)".
	if m := telegramCodeRE.FindStringSubmatch(err.Error()); m != nil && strings.HasPrefix(err.Error(), "telegram:") {
		code, _ := strconv.Atoi(m[1])
		return classifyStatus(code, err)
	}
	return Transient(err)
}

func isTelegramMediaError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "url content") ||
		strings.Contains(s, "http url") ||
		strings.Contains(s, "wrong type of the web page content") ||
		strings.Contains(s, "failed to get")
}

// Close drops the cached bots. Offline bots hold no goroutines.
func (t *Telegram) Close() error {
	t.mu.Lock()
	t.bots = make(map[string]*tele.Bot)
	t.mu.Unlock()
	return nil
}
