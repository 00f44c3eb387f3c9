package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Call is one recorded publish attempt.
type Call struct {
	At      time.Time
	Creds   Credentials
	Payload Payload
	ID      int64
	Err     error
}

// Memory records publish attempts instead of sending them. It backs dry-run
// mode and the dispatcher tests.
type Memory struct {
	mu       sync.Mutex
	calls    []Call
	nextID   atomic.Int64
	attempts atomic.Int64

	// Script, when set, decides the outcome of each attempt. The attempt
	// number is 1-based across all calls.
	Script func(attempt int, p Payload) (int64, error)
	// Delay simulates upstream latency.
	Delay time.Duration
}

// NewMemory returns a recorder whose ids start at firstID.
func NewMemory(firstID int64) *Memory {
	m := &Memory{}
	m.nextID.Store(firstID - 1)
	return m
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Publish(ctx context.Context, creds Credentials, p Payload) (int64, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return 0, Transient(ctx.Err())
		case <-time.After(m.Delay):
		}
	}

	attempt := int(m.attempts.Add(1))
	var (
		id  int64
		err error
	)
	if m.Script != nil {
		id, err = m.Script(attempt, p)
	} else {
		id = m.nextID.Add(1)
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{At: time.Now(), Creds: creds, Payload: p, ID: id, Err: err})
	m.mu.Unlock()
	return id, err
}

// Calls returns a copy of the recorded attempts.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Published returns only the successful attempts.
func (m *Memory) Published() []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Err == nil {
			out = append(out, c)
		}
	}
	return out
}
