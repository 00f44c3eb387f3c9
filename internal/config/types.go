package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// Durations are Go duration strings ("500ms", "30s", "5m"); byte sizes accept
// human forms ("5MB", "512KiB").
type Config struct {
	Logging       LoggingConfig        `json:"logging"`
	Storage       StorageConfig        `json:"storage"`
	Publisher     PublisherConfig      `json:"publisher"`
	Dispatcher    DispatcherConfig     `json:"dispatcher"`
	Scheduler     SchedulerConfig      `json:"scheduler"`
	Observability *ObservabilityConfig `json:"observability,omitempty"`
	Alerts        *AlertsConfig        `json:"alerts,omitempty"`

	// ShutdownTimeout bounds App.Stop (default "15s").
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	MaxSize string `json:"max_size,omitempty"` // e.g. "10MB"; empty disables rotation
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/autochirp.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PublisherConfig selects and tunes the upstream publisher driver.
type PublisherConfig struct {
	Driver string `json:"driver"` // twitter | telegram | memory

	Timeout       string `json:"timeout,omitempty"`
	MaxMediaBytes string `json:"max_media_bytes,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`

	// DryRun swaps the configured driver for the in-memory recorder.
	DryRun bool `json:"dry_run,omitempty"`

	Twitter TwitterConfig `json:"twitter"`
}

// TwitterConfig holds application-level secrets. Environment variables
// AUTOCHIRP_TWITTER_CONSUMER_KEY and AUTOCHIRP_TWITTER_CONSUMER_SECRET
// override these values (never log them).
type TwitterConfig struct {
	ConsumerKey    string `json:"consumer_key,omitempty"`
	ConsumerSecret string `json:"consumer_secret,omitempty"`
}

// DispatcherConfig is the fire-time policy.
//
// Defaults:
//   - max_len: 280
//   - retry_backoff: ["1s","4s","16s","64s","256s"]
//   - max_retries: 5
//   - thread_defer_delay: "30s"
//   - thread_max_defers: 5
//   - publish_timeout: "60s"
type DispatcherConfig struct {
	AppDomain        string   `json:"app_domain"`
	MaxLen           int      `json:"max_len,omitempty"`
	RetryBackoff     []string `json:"retry_backoff,omitempty"`
	MaxRetries       *int     `json:"max_retries,omitempty"`
	ThreadDeferDelay string   `json:"thread_defer_delay,omitempty"`
	ThreadMaxDefers  *int     `json:"thread_max_defers,omitempty"`
	PublishTimeout   string   `json:"publish_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone of stored scheduled_at values ("Local" by default).
	Timezone string `json:"timezone,omitempty"`
	// Reconcile is a cron spec or descriptor. Empty means "@every 5m".
	Reconcile string `json:"reconcile,omitempty"`
}

// ObservabilityConfig controls the HTTP server for /metrics, /healthz and pprof.
//
// Prefer binding to localhost. A non-loopback addr requires a token.
type ObservabilityConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)
}

// AlertsConfig posts operator alerts to a Telegram chat when a tweet fails
// for good. AUTOCHIRP_ALERTS_BOT_TOKEN overrides bot_token.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	BotToken    string `json:"bot_token,omitempty"` // do not log
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"` // default "10m"
}
