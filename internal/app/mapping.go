package app

import (
	"fmt"
	"strings"
	"time"

	"autochirp/internal/config"
	"autochirp/internal/dispatch"
	"autochirp/internal/notifier"
	"autochirp/internal/observability/httpserver"
	"autochirp/internal/publisher"
	"autochirp/internal/storage"
	logx "autochirp/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	maxBytes, err := config.ParseBytesOrDefault("logging.file.max_size", cfg.Logging.File.MaxSize, 0)
	if err != nil {
		return logx.Config{}, err
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:  cfg.Logging.File.Enabled,
			Path:     cfg.Logging.File.Path,
			MaxBytes: maxBytes,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Location: loc}, nil
}

func mapPublisherConfig(cfg *config.Config) (publisher.Config, error) {
	pc := cfg.Publisher
	timeout, err := config.ParseDurationOrDefault("publisher.timeout", pc.Timeout, 30*time.Second)
	if err != nil {
		return publisher.Config{}, err
	}
	maxMedia, err := config.ParseBytesOrDefault("publisher.max_media_bytes", pc.MaxMediaBytes, publisher.DefaultMaxMediaBytes)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{
		Driver:         pc.Driver,
		Timeout:        timeout,
		MaxMediaBytes:  maxMedia,
		RatePerSec:     pc.RatePerSec,
		DryRun:         pc.DryRun,
		ConsumerKey:    pc.Twitter.ConsumerKey,
		ConsumerSecret: pc.Twitter.ConsumerSecret,
	}, nil
}

func mapPolicy(cfg *config.Config) (dispatch.Policy, error) {
	def := dispatch.DefaultPolicy()
	d := cfg.Dispatcher

	p := dispatch.Policy{
		AppDomain:       strings.TrimSpace(d.AppDomain),
		MaxLen:          d.MaxLen,
		MaxRetries:      def.MaxRetries,
		ThreadMaxDefers: def.ThreadMaxDefers,
	}
	if p.MaxLen == 0 {
		p.MaxLen = def.MaxLen
	}
	if d.MaxRetries != nil {
		p.MaxRetries = *d.MaxRetries
	}
	if d.ThreadMaxDefers != nil {
		p.ThreadMaxDefers = *d.ThreadMaxDefers
	}
	dom := p.AppDomain
	if dom == "" {
		dom = def.AppDomain
	}
	if floor := config.FlashcardURLMaxLen(dom) + 1; p.MaxLen <= floor {
		return dispatch.Policy{}, fmt.Errorf("dispatcher.max_len: must be > %d to fit a flashcard link for %s", floor, dom)
	}

	var err error
	if p.RetryBackoff, err = config.ParseDurationList("dispatcher.retry_backoff", d.RetryBackoff, def.RetryBackoff); err != nil {
		return dispatch.Policy{}, err
	}
	if p.ThreadDeferDelay, err = config.ParseDurationOrDefault("dispatcher.thread_defer_delay", d.ThreadDeferDelay, def.ThreadDeferDelay); err != nil {
		return dispatch.Policy{}, err
	}
	if p.PublishTimeout, err = config.ParseDurationOrDefault("dispatcher.publish_timeout", d.PublishTimeout, def.PublishTimeout); err != nil {
		return dispatch.Policy{}, err
	}
	return p, nil
}

const defaultReconcile = "@every 5m"

func mapReconcileSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Reconcile); s != "" {
		return s
	}
	return defaultReconcile
}

func mapHTTPConfig(cfg *config.Config) httpserver.Config {
	o := cfg.Observability
	if o == nil {
		return httpserver.Config{}
	}
	return httpserver.Config{Enabled: o.Enabled, Addr: o.Addr, Token: o.Token, Pprof: o.Pprof}
}

func mapShutdownTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("shutdown_timeout", cfg.ShutdownTimeout, 15*time.Second)
}

// validateMapped rejects configs whose values cannot be mapped, so a bad
// hot reload never reaches the running components.
func validateMapped(cfg *config.Config) error {
	if _, err := mapLoggingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg, time.UTC); err != nil {
		return err
	}
	if _, err := mapPublisherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPolicy(cfg); err != nil {
		return err
	}
	_, _, err := mapAlertsConfig(cfg)
	return err
}

func mapAlertsConfig(cfg *config.Config) (notifier.Config, notifier.TelegramConfig, error) {
	a := cfg.Alerts
	if a == nil || !a.Enabled {
		return notifier.Config{}, notifier.TelegramConfig{}, nil
	}
	window, err := config.ParseDurationOrDefault("alerts.dedup_window", a.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, notifier.TelegramConfig{}, err
	}
	return notifier.Config{
			Enabled:     true,
			QueueSize:   a.QueueSize,
			RatePerSec:  a.RatePerSec,
			RetryMax:    a.RetryMax,
			DedupWindow: window,
		}, notifier.TelegramConfig{
			Token:    strings.TrimSpace(a.BotToken),
			ChatID:   a.ChatID,
			ThreadID: a.ThreadID,
		}, nil
}

// alertSender builds the Telegram sender, or nil while alerts are off.
func alertSender(nc notifier.Config, tc notifier.TelegramConfig) (notifier.Sender, error) {
	if !nc.Enabled {
		return nil, nil
	}
	return notifier.NewTelegramSender(tc)
}
