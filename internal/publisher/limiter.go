package publisher

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited puts a local ceiling on publish attempts across all users.
type Limited struct {
	next Publisher
	lim  *rate.Limiter
}

// WithRateLimit wraps p. perSec <= 0 returns p unchanged.
func WithRateLimit(p Publisher, perSec int) Publisher {
	if perSec <= 0 {
		return p
	}
	return &Limited{next: p, lim: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (l *Limited) Name() string { return l.next.Name() }

func (l *Limited) Publish(ctx context.Context, creds Credentials, p Payload) (int64, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return 0, Transient(err)
	}
	return l.next.Publish(ctx, creds, p)
}

// Close forwards to the wrapped publisher when it has a Close method.
func (l *Limited) Close() error {
	if c, ok := l.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
