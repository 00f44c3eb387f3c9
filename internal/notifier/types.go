package notifier

import (
	"context"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Alert is one operator message. Alerts with the same Key are suppressed
// inside the dedup window; an empty Key dedups on the text.
type Alert struct {
	Priority int
	Key      string
	Text     string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Sender delivers rendered alert text.
type Sender interface {
	SendText(ctx context.Context, text string) error
}
