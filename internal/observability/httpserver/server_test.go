package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	logx "autochirp/pkg/logx"
)

func TestCheckBind(t *testing.T) {
	cases := []struct {
		addr, token string
		ok          bool
	}{
		{"127.0.0.1:9464", "", true},
		{"localhost:9464", "", true},
		{"[::1]:9464", "", true},
		{":9464", "", false},
		{"0.0.0.0:9464", "", false},
		{"0.0.0.0:9464", "secret", true},
		{"bogus", "", false},
	}
	for _, tc := range cases {
		if err := checkBind(tc.addr, tc.token); (err == nil) != tc.ok {
			t.Fatalf("checkBind(%q, %q) err=%v", tc.addr, tc.token, err)
		}
	}
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "tkn"}, Handlers{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("metric 1\n")) }),
		Health: func(context.Context) error {
			if !healthy.Load() {
				return errors.New("store down")
			}
			return nil
		},
		Status: func() any { return map[string]int{"armed": 3} },
	}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	base := "http://" + s.Addr()

	if code, body := get(t, base+"/healthz", ""); code != 200 || body != "ok" {
		t.Fatalf("healthz=%d %q", code, body)
	}
	if code, _ := get(t, base+"/metrics", ""); code != http.StatusUnauthorized {
		t.Fatalf("metrics without token=%d", code)
	}
	if code, body := get(t, base+"/metrics", "tkn"); code != 200 || body != "metric 1\n" {
		t.Fatalf("metrics=%d %q", code, body)
	}
	if code, body := get(t, base+"/status?token=tkn", ""); code != 200 || body == "" {
		t.Fatalf("status=%d %q", code, body)
	}
	if code, _ := get(t, base+"/debug/pprof/", "tkn"); code != http.StatusNotFound {
		t.Fatalf("pprof should be off, got %d", code)
	}
	healthy.Store(false)
	if code, _ := get(t, base+"/healthz", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy=%d", code)
	}
}

func TestReconfigureStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Handlers{}, logx.Nop())
	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Addr() == "" {
		t.Fatalf("server did not start")
	}
	s.Reconfigure(context.Background(), Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("server still bound")
	}
}
