package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
)

// CronParser accepts an optional seconds field and descriptors like "@every 5m".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks values that the strict decoder cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	default:
		add(fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Publisher.Driver)) {
	case "", "twitter", "telegram", "memory":
	default:
		add(fmt.Errorf("publisher.driver: unsupported %q", cfg.Publisher.Driver))
	}
	_, err = ParseDurationField("publisher.timeout", cfg.Publisher.Timeout)
	add(err)
	_, err = ParseBytesOrDefault("publisher.max_media_bytes", cfg.Publisher.MaxMediaBytes, 0)
	add(err)
	if cfg.Publisher.RatePerSec < 0 {
		add(errors.New("publisher.rate_per_sec: must be >= 0"))
	}

	d := cfg.Dispatcher
	if d.MaxLen < 0 {
		add(errors.New("dispatcher.max_len: must be >= 0"))
	}
	if dom := strings.TrimSpace(d.AppDomain); d.MaxLen > 0 && dom != "" {
		if floor := FlashcardURLMaxLen(dom) + 1; d.MaxLen <= floor {
			add(fmt.Errorf("dispatcher.max_len: must be > %d to fit a flashcard link for %s", floor, dom))
		}
	}
	_, err = ParseDurationList("dispatcher.retry_backoff", d.RetryBackoff, nil)
	add(err)
	if d.MaxRetries != nil && *d.MaxRetries < 0 {
		add(errors.New("dispatcher.max_retries: must be >= 0"))
	}
	if d.ThreadMaxDefers != nil && *d.ThreadMaxDefers < 0 {
		add(errors.New("dispatcher.thread_max_defers: must be >= 0"))
	}
	_, err = ParseDurationField("dispatcher.thread_defer_delay", d.ThreadDeferDelay)
	add(err)
	_, err = ParseDurationField("dispatcher.publish_timeout", d.PublishTimeout)
	add(err)

	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}
	if spec := strings.TrimSpace(cfg.Scheduler.Reconcile); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			add(fmt.Errorf("scheduler.reconcile: %w", err))
		}
	}

	if a := cfg.Alerts; a != nil {
		if a.Enabled && (strings.TrimSpace(a.BotToken) == "" || a.ChatID == 0) {
			add(errors.New("alerts: bot_token and chat_id are required when enabled"))
		}
		if a.RatePerSec < 0 || a.RetryMax < 0 || a.QueueSize < 0 {
			add(errors.New("alerts: rate_per_sec, retry_max and queue_size must be >= 0"))
		}
		_, err = ParseDurationField("alerts.dedup_window", a.DedupWindow)
		add(err)
	}

	if _, err := ParseBytesOrDefault("logging.file.max_size", cfg.Logging.File.MaxSize, 0); err != nil {
		add(err)
	}
	_, err = ParseDurationField("shutdown_timeout", cfg.ShutdownTimeout)
	add(err)

	return errors.Join(errs...)
}

// FlashcardURLMaxLen is the rune length of the longest flashcard link under
// appDomain, i.e. one carrying a 19-digit message id.
func FlashcardURLMaxLen(appDomain string) int {
	return utf8.RuneCountInString(strings.TrimRight(appDomain, "/")+"/flashcard/") + len(strconv.FormatInt(math.MaxInt64, 10))
}

// LoadLocation maps "", "local" and "Local" to time.Local.
func LoadLocation(name string) (*time.Location, error) {
	n := strings.TrimSpace(name)
	if n == "" || strings.EqualFold(n, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(n)
}
