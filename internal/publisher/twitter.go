package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ChimeraCoder/anaconda"

	logx "autochirp/pkg/logx"
)

// TwitterConfig carries the application secrets. Per-user tokens arrive with
// each publish call.
type TwitterConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	Timeout        time.Duration
	MaxMediaBytes  int64
}

// Twitter publishes through the v1.1 status API.
type Twitter struct {
	cfg  TwitterConfig
	log  logx.Logger
	http *http.Client

	mu      sync.Mutex
	clients map[string]*anaconda.TwitterApi
}

func NewTwitter(cfg TwitterConfig, log logx.Logger) (*Twitter, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, errors.New("twitter: consumer key and secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Twitter{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: cfg.Timeout},
		clients: make(map[string]*anaconda.TwitterApi),
	}, nil
}

func (t *Twitter) Name() string { return "twitter" }

func (t *Twitter) client(c Credentials) *anaconda.TwitterApi {
	key := c.Token + "\x00" + c.TokenSecret
	t.mu.Lock()
	defer t.mu.Unlock()
	if api, ok := t.clients[key]; ok {
		return api
	}
	api := anaconda.NewTwitterApiWithCredentials(c.Token, c.TokenSecret, t.cfg.ConsumerKey, t.cfg.ConsumerSecret)
	api.HttpClient = &http.Client{Timeout: t.cfg.Timeout}
	t.clients[key] = api
	return api
}

func (t *Twitter) Publish(ctx context.Context, creds Credentials, p Payload) (int64, error) {
	if creds.Token == "" || creds.TokenSecret == "" {
		return 0, Permanent(ErrNoCredentials)
	}
	if p.Empty() {
		return 0, Permanent(ErrEmptyPayload)
	}
	api := t.client(creds)

	v := statusValues(p)
	if p.Media != nil {
		encoded, err := fetchMedia(ctx, t.http, p.Media.URL, t.cfg.MaxMediaBytes)
		if err != nil {
			return 0, err
		}
		media, err := api.UploadMedia(encoded)
		if err != nil {
			if c := classifyTwitter(err); IsPermanent(c) {
				return 0, MediaFailed(err)
			}
			return 0, classifyTwitter(err)
		}
		v.Set("media_ids", media.MediaIDString)
	}
	if err := ctx.Err(); err != nil {
		return 0, Transient(err)
	}

	tw, err := api.PostTweet(p.Text, v)
	if err != nil {
		return 0, classifyTwitter(err)
	}
	return tw.Id, nil
}

// statusValues builds the optional status parameters for p.
func statusValues(p Payload) url.Values {
	v := url.Values{}
	if p.InReplyTo > 0 {
		v.Set("in_reply_to_status_id", strconv.FormatInt(p.InReplyTo, 10))
		v.Set("auto_populate_reply_metadata", "true")
	}
	if p.Geo != nil {
		v.Set("lat", strconv.FormatFloat(p.Geo.Lat, 'f', -1, 64))
		v.Set("long", strconv.FormatFloat(p.Geo.Long, 'f', -1, 64))
		v.Set("display_coordinates", strconv.FormatBool(p.Geo.DisplayCoordinates))
	}
	return v
}

// Twitter error codes that reject the content itself.
const (
	twitterDuplicateStatus = 187
	twitterStatusTooLong   = 186
)

func classifyTwitter(err error) error {
	var apiErr *anaconda.ApiError
	if !errors.As(err, &apiErr) {
		return Transient(err)
	}
	if limited, next := apiErr.RateLimitCheck(); limited {
		return RetryAfter(err, time.Until(next))
	}
	for _, e := range apiErr.Decoded.Errors {
		switch e.Code {
		case twitterDuplicateStatus, twitterStatusTooLong:
			return Permanent(fmt.Errorf("twitter code %d: %w", e.Code, err))
		}
	}
	return classifyStatus(apiErr.StatusCode, err)
}

// Close releases the cached API clients.
func (t *Twitter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, api := range t.clients {
		api.Close()
		delete(t.clients, k)
	}
	return nil
}
