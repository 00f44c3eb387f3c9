package publisher

import (
	"fmt"
	"strings"
	"time"

	logx "autochirp/pkg/logx"
)

// Config selects a driver.
type Config struct {
	Driver        string
	Timeout       time.Duration
	MaxMediaBytes int64
	RatePerSec    int
	DryRun        bool

	ConsumerKey    string
	ConsumerSecret string
}

// Open builds the configured publisher, rate-limited when requested.
func Open(cfg Config, log logx.Logger) (Publisher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "publisher"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.DryRun {
		log.Warn("dry run: publishes are recorded, not sent", logx.String("driver", driver))
		driver = "memory"
	}

	var p Publisher
	switch driver {
	case "", "twitter":
		tw, err := NewTwitter(TwitterConfig{
			ConsumerKey:    cfg.ConsumerKey,
			ConsumerSecret: cfg.ConsumerSecret,
			Timeout:        cfg.Timeout,
			MaxMediaBytes:  cfg.MaxMediaBytes,
		}, log)
		if err != nil {
			return nil, err
		}
		p = tw
	case "telegram":
		p = NewTelegram(TelegramConfig{Timeout: cfg.Timeout}, log)
	case "memory":
		p = NewMemory(1)
	default:
		return nil, fmt.Errorf("unknown publisher driver: %s", driver)
	}
	return WithRateLimit(p, cfg.RatePerSec), nil
}
