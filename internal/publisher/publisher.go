// Package publisher performs single publish attempts against an upstream
// social network. Drivers know nothing about storage or scheduling; they
// take a credential triple and a prepared payload and return the remote
// status id or a classified error.
package publisher

import (
	"context"
	"strings"
)

// Credentials is the per-user triple handed over at fire time.
type Credentials struct {
	Token       string
	TokenSecret string
	Handle      string
}

// Payload is one status update.
type Payload struct {
	Text      string
	Media     *Media
	Geo       *Geo
	InReplyTo int64
}

// Media is a URL the driver fetches and re-uploads (or inlines, when the
// upstream accepts URLs).
type Media struct {
	URL string
}

type Geo struct {
	Lat, Long          float64
	DisplayCoordinates bool
}

// Empty reports a payload with nothing to publish.
func (p Payload) Empty() bool {
	return strings.TrimSpace(p.Text) == "" && p.Media == nil
}

// Publisher performs one publish attempt.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, creds Credentials, p Payload) (remoteID int64, err error)
}
