package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrInvalid  = errors.New("storage: invalid input")
)

// TimeLayout is the persisted form of scheduled_at. Lexicographic order of
// the text equals chronological order.
const TimeLayout = "2006-01-02 15:04:05"

// MaxTitleLen bounds group titles and descriptions (in characters).
const MaxTitleLen = 255

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	// Location interprets stored scheduled_at values. nil means time.Local.
	Location *time.Location
}

type User struct {
	ID          int64
	Handle      string
	Token       string
	TokenSecret string
}

// Credentials is the per-user triple consumed at fire time.
type Credentials struct {
	Token       string
	TokenSecret string
	Handle      string
}

// Valid reports whether the credentials can be handed to a publisher.
func (c Credentials) Valid() bool { return c.Token != "" }

type Group struct {
	ID             int64
	UserID         int64
	Title          string
	Description    string
	Enabled        bool
	Threaded       bool
	FlashcardStyle string
}

// Message is one scheduled tweet.
type Message struct {
	ID             int64
	GroupID        int64
	UserID         int64
	Content        string
	ScheduledAt    time.Time
	ImageURL       string
	Latitude       float64
	Longitude      float64
	Tweeted        bool
	RemoteStatusID int64 // 0 when not published
	ThreadPosition int
}

// NewMessage is the insert form of Message.
type NewMessage struct {
	Content     string
	ScheduledAt time.Time
	ImageURL    string
	Latitude    float64
	Longitude   float64
}

// PendingRef identifies a message that should hold a timer.
type PendingRef struct {
	UserID      int64
	MessageID   int64
	ScheduledAt time.Time
}

// Prior describes the predecessor of a message in its group.
type Prior struct {
	Exists         bool
	MessageID      int64
	RemoteStatusID int64
	Tweeted        bool
}

// Published reports whether the predecessor has a known remote id.
func (p Prior) Published() bool { return p.Exists && p.RemoteStatusID != 0 }

// Failed reports a predecessor that reached the terminal state without a remote id.
func (p Prior) Failed() bool { return p.Exists && p.Tweeted && p.RemoteStatusID == 0 }
