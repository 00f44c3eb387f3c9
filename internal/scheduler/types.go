package scheduler

import (
	"context"
	"strconv"
	"time"
)

// Key identifies an armed message.
type Key struct {
	UserID    int64
	MessageID int64
}

func (k Key) String() string {
	return strconv.FormatInt(k.UserID, 10) + "/" + strconv.FormatInt(k.MessageID, 10)
}

// Ref is a key with its deadline.
type Ref struct {
	Key
	At time.Time
}

// FireFunc is invoked from the timer goroutine once a deadline passes. It
// must not block.
type FireFunc func(userID, messageID int64)

// Job is a periodic housekeeping job.
type Job func(ctx context.Context)

type Config struct {
	// Location for cron specs. nil means time.Local.
	Location *time.Location
}

type armedTimer struct {
	t   *time.Timer
	at  time.Time
	ver uint64
}

type cronDef struct {
	name string
	spec string
	job  Job
}
