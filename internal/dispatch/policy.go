package dispatch

import (
	"errors"
	"time"
)

var (
	ErrNoCredentials    = errors.New("dispatch: missing or invalid credentials")
	ErrPayloadInvalid   = errors.New("dispatch: nothing to publish")
	ErrPredecessorStuck = errors.New("dispatch: thread predecessor never published")
	ErrFirePanicked     = errors.New("dispatch: fire panicked")
)

// Outcome is the result of one fire.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomePublished
	OutcomeFailed
	OutcomeRetry
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeFailed:
		return "failed"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "skipped"
	}
}

// Policy holds the tunables read at fire time. It can be swapped while
// running.
type Policy struct {
	AppDomain        string
	MaxLen           int
	RetryBackoff     []time.Duration
	MaxRetries       int
	ThreadDeferDelay time.Duration
	ThreadMaxDefers  int
	PublishTimeout   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AppDomain:        "http://localhost:8080",
		MaxLen:           280,
		RetryBackoff:     []time.Duration{time.Second, 4 * time.Second, 16 * time.Second, 64 * time.Second, 256 * time.Second},
		MaxRetries:       5,
		ThreadDeferDelay: 30 * time.Second,
		ThreadMaxDefers:  5,
		PublishTimeout:   60 * time.Second,
	}
}

// normalized fills unset durations and limits from DefaultPolicy. Retry and
// defer counts of zero are kept: they disable retrying.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.AppDomain == "" {
		p.AppDomain = def.AppDomain
	}
	if p.MaxLen <= 0 {
		p.MaxLen = def.MaxLen
	}
	if len(p.RetryBackoff) == 0 {
		p.RetryBackoff = def.RetryBackoff
	}
	p.RetryBackoff = append([]time.Duration(nil), p.RetryBackoff...)
	p.MaxRetries = max(0, p.MaxRetries)
	p.ThreadMaxDefers = max(0, p.ThreadMaxDefers)
	if p.ThreadDeferDelay <= 0 {
		p.ThreadDeferDelay = def.ThreadDeferDelay
	}
	if p.PublishTimeout <= 0 {
		p.PublishTimeout = def.PublishTimeout
	}
	return p
}

// backoff is the wait before retry number attempt (1-based). The last
// configured step repeats.
func (p Policy) backoff(attempt int) time.Duration {
	i := min(max(attempt-1, 0), len(p.RetryBackoff)-1)
	return p.RetryBackoff[i]
}
