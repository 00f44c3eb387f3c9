package publisher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChimeraCoder/anaconda"

	logx "autochirp/pkg/logx"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name      string
		err       error
		transient bool
		permanent bool
		media     bool
	}{
		{"plain", base, true, false, false},
		{"transient", Transient(base), true, false, false},
		{"permanent", Permanent(base), false, true, false},
		{"media", MediaFailed(base), false, false, true},
		{"wrapped permanent", fmt.Errorf("publish: %w", Permanent(base)), false, true, false},
		{"retry after", RetryAfter(base, time.Second), true, false, false},
		{"canceled", context.Canceled, false, false, false},
		{"status 503", classifyStatus(503, base), true, false, false},
		{"status 429", classifyStatus(429, base), true, false, false},
		{"status 403", classifyStatus(403, base), false, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.transient {
				t.Fatalf("IsTransient=%v", got)
			}
			if got := IsPermanent(tc.err); got != tc.permanent {
				t.Fatalf("IsPermanent=%v", got)
			}
			if got := IsMediaFailure(tc.err); got != tc.media {
				t.Fatalf("IsMediaFailure=%v", got)
			}
			if !errors.Is(tc.err, base) && tc.name != "canceled" {
				t.Fatalf("wrapping lost the cause")
			}
		})
	}

	if d, ok := RetryAfterHint(RetryAfter(base, 3*time.Second)); !ok || d != 3*time.Second {
		t.Fatalf("hint=%v ok=%v", d, ok)
	}
	if _, ok := RetryAfterHint(Transient(base)); ok {
		t.Fatalf("no hint expected")
	}
}

func TestStatusValues(t *testing.T) {
	v := statusValues(Payload{Text: "x", InReplyTo: 101, Geo: &Geo{Lat: 52.5, Long: 13.25, DisplayCoordinates: true}})
	if v.Get("in_reply_to_status_id") != "101" {
		t.Fatalf("reply=%q", v.Get("in_reply_to_status_id"))
	}
	if v.Get("lat") != "52.5" || v.Get("long") != "13.25" || v.Get("display_coordinates") != "true" {
		t.Fatalf("geo=%v", v)
	}
	if got := statusValues(Payload{Text: "x"}); len(got) != 0 {
		t.Fatalf("plain payload should have no params: %v", got)
	}
}

func TestClassifyTwitter(t *testing.T) {
	dup := &anaconda.ApiError{StatusCode: 403}
	dup.Decoded.Errors = []anaconda.TwitterError{{Code: twitterDuplicateStatus, Message: "Status is a duplicate."}}
	if !IsPermanent(classifyTwitter(dup)) {
		t.Fatalf("duplicate should be permanent")
	}
	if !IsTransient(classifyTwitter(&anaconda.ApiError{StatusCode: 502})) {
		t.Fatalf("502 should be transient")
	}
	if !IsPermanent(classifyTwitter(&anaconda.ApiError{StatusCode: 401})) {
		t.Fatalf("401 should be permanent")
	}
	if !IsTransient(classifyTwitter(errors.New("dial tcp: connection refused"))) {
		t.Fatalf("network errors should be transient")
	}
}

func TestFetchMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			_, _ = io.WriteString(w, "PNGDATA")
		case "/big.png":
			_, _ = io.WriteString(w, strings.Repeat("x", 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	got, err := fetchMedia(context.Background(), srv.Client(), srv.URL+"/ok.png", 32)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if want := base64.StdEncoding.EncodeToString([]byte("PNGDATA")); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	for _, path := range []string{"/big.png", "/missing.png"} {
		if _, err := fetchMedia(context.Background(), srv.Client(), srv.URL+path, 32); !IsMediaFailure(err) {
			t.Fatalf("%s: expected media failure, got %v", path, err)
		}
	}
}

func TestTelegramPublish(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":55,"date":1,"chat":{"id":-100,"type":"channel"}}}`)
		case strings.HasSuffix(r.URL.Path, "/sendPhoto"):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier/HTTP URL specified"}`)
		default:
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the channel chat"}`)
		}
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{APIURL: srv.URL, Timeout: 5 * time.Second}, logx.Nop())
	creds := Credentials{Token: "123:abc", Handle: "@autochirp"}

	id, err := tg.Publish(context.Background(), creds, Payload{Text: "hello", InReplyTo: 7})
	if err != nil || id != 55 {
		t.Fatalf("publish id=%d err=%v", id, err)
	}

	_, err = tg.Publish(context.Background(), creds, Payload{Text: "pic", Media: &Media{URL: "https://x.example/a.png"}})
	if !IsMediaFailure(err) {
		t.Fatalf("expected media failure, got %v", err)
	}

	_, err = tg.Publish(context.Background(), Credentials{Token: "123:abc"}, Payload{Text: "x"})
	if !IsPermanent(err) || !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("missing chat should be permanent: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestLimitedAndMemory(t *testing.T) {
	mem := NewMemory(100)
	p := WithRateLimit(mem, 1000)
	if _, ok := p.(*Limited); !ok {
		t.Fatalf("expected limiter wrapper")
	}
	if WithRateLimit(mem, 0) != Publisher(mem) {
		t.Fatalf("zero rate should not wrap")
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Publish(context.Background(), Credentials{Token: "t"}, Payload{Text: "x"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	pub := mem.Published()
	if len(pub) != 3 || pub[0].ID != 100 || pub[2].ID != 102 {
		t.Fatalf("published=%+v", pub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := WithRateLimit(NewMemory(1), 1)
	_, _ = slow.Publish(context.Background(), Credentials{}, Payload{Text: "x"})
	if _, err := slow.Publish(ctx, Credentials{}, Payload{Text: "x"}); err == nil {
		t.Fatalf("canceled wait should fail")
	}
}

func TestOpen(t *testing.T) {
	if _, err := Open(Config{Driver: "twitter"}, logx.Nop()); err == nil {
		t.Fatalf("twitter without app secrets should fail")
	}
	p, err := Open(Config{Driver: "twitter", DryRun: true}, logx.Nop())
	if err != nil || p.Name() != "memory" {
		t.Fatalf("dry run: %v %v", p, err)
	}
	if _, err := Open(Config{Driver: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}
