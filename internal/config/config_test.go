package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file: { enabled: false, path: "" }
storage:
  driver: sqlite
  path: ./data/autochirp.db
  busy_timeout: 5s
publisher:
  driver: twitter
  timeout: 30s
  max_media_bytes: 5MB
  twitter: { consumer_key: from-file }
dispatcher:
  app_domain: https://chirp.example
  max_len: 280
  retry_backoff: [1s, 4s, 16s]
  max_retries: 3
  thread_defer_delay: 30s
scheduler:
  timezone: UTC
  reconcile: "@every 5m"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.getenv = func(string) string { return "" }
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatcher.AppDomain != "https://chirp.example" || cfg.Dispatcher.MaxLen != 280 {
		t.Fatalf("dispatcher=%+v", cfg.Dispatcher)
	}
	if cfg.Dispatcher.MaxRetries == nil || *cfg.Dispatcher.MaxRetries != 3 {
		t.Fatalf("max_retries=%v", cfg.Dispatcher.MaxRetries)
	}
	if got := len(cfg.Dispatcher.RetryBackoff); got != 3 {
		t.Fatalf("retry_backoff len=%d", got)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return committed config")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	env := map[string]string{
		EnvTwitterConsumerKey:    "env-key",
		EnvTwitterConsumerSecret: "env-secret",
	}
	m.getenv = func(k string) string { return env[k] }
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Publisher.Twitter.ConsumerKey != "env-key" || cfg.Publisher.Twitter.ConsumerSecret != "env-secret" {
		t.Fatalf("twitter=%+v", cfg.Publisher.Twitter)
	}
}

func TestAlertsTokenFromEnv(t *testing.T) {
	body := sampleYAML + "alerts: { enabled: true, chat_id: -100, dedup_window: 5m }\n"
	m := NewConfigManager(writeFile(t, "config.yaml", body))
	m.getenv = func(string) string { return "" }
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "alerts") {
		t.Fatalf("enabled alerts without token should fail: %v", err)
	}

	m.getenv = func(k string) string {
		if k == EnvAlertsBotToken {
			return "123:abc"
		}
		return ""
	}
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Alerts == nil || cfg.Alerts.BotToken != "123:abc" || cfg.Alerts.ChatID != -100 {
		t.Fatalf("alerts=%+v", cfg.Alerts)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	cases := []struct {
		name string
		path string
		body string
	}{
		{"unknown json key", "c.json", `{"dispatcher":{"app_domain":"x","bogus":1}}`},
		{"trailing json", "c.json", `{} {}`},
		{"unknown yaml key", "c.yml", "scheduler:\n  cron: x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	neg := -1
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad driver", func(c *Config) { c.Publisher.Driver = "mastodon" }, "publisher.driver"},
		{"bad backoff", func(c *Config) { c.Dispatcher.RetryBackoff = []string{"1s", "soon"} }, "retry_backoff[1]"},
		{"zero backoff", func(c *Config) { c.Dispatcher.RetryBackoff = []string{"0s"} }, "retry_backoff[0]"},
		{"neg retries", func(c *Config) { c.Dispatcher.MaxRetries = &neg }, "max_retries"},
		{"bad tz", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad cron", func(c *Config) { c.Scheduler.Reconcile = "every now and then" }, "scheduler.reconcile"},
		{"bad size", func(c *Config) { c.Publisher.MaxMediaBytes = "lots" }, "max_media_bytes"},
		{"max_len below flashcard link", func(c *Config) {
			c.Dispatcher.AppDomain = "https://chirp.example/"
			c.Dispatcher.MaxLen = 52
		}, "dispatcher.max_len"},
		{"max_len fits flashcard link", func(c *Config) {
			c.Dispatcher.AppDomain = "https://chirp.example"
			c.Dispatcher.MaxLen = 53
		}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err=%v want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestParseHelpers(t *testing.T) {
	def := []time.Duration{time.Second}
	got, err := ParseDurationList("x", nil, def)
	if err != nil || len(got) != 1 || got[0] != time.Second {
		t.Fatalf("default list: %v %v", got, err)
	}
	got, err = ParseDurationList("x", []string{"250ms", "2s"}, def)
	if err != nil || got[0] != 250*time.Millisecond || got[1] != 2*time.Second {
		t.Fatalf("list: %v %v", got, err)
	}

	n, err := ParseBytesOrDefault("x", "5MB", 1)
	if err != nil || n != 5_000_000 {
		t.Fatalf("bytes=%d err=%v", n, err)
	}
	n, err = ParseBytesOrDefault("x", "", 42)
	if err != nil || n != 42 {
		t.Fatalf("default bytes=%d err=%v", n, err)
	}

	d, err := ParseDurationOrDefault("x", "0s", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("duration default=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration should fail")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{}
	b := &Config{}
	b.Dispatcher.MaxLen = 140
	b.Publisher.Driver = "telegram"

	changed, attrs := SummarizeConfigChange(a, b)
	if len(changed) != 2 || changed[0] != "publisher" || changed[1] != "dispatcher" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if r := RequiresRestart(changed); len(r) != 1 || r[0] != "publisher" {
		t.Fatalf("restart=%v", r)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.getenv = func(string) string { return "" }
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("unchanged file should not publish")
	default:
	}

	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "max_len: 280", "max_len: 140", 1)), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Dispatcher.MaxLen != 140 {
			t.Fatalf("max_len=%d", cfg.Dispatcher.MaxLen)
		}
	default:
		t.Fatalf("expected publish after change")
	}
}
