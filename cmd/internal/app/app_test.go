package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vigil/cmd/internal/auth/session"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://vigil.example.com", want: "wss://vigil.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func TestApp_HandlerEndpoints(t *testing.T) {
	a := newTestApp(t, DefaultConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	cases := []struct {
		method string
		path   string
		want   int
		body   string
	}{
		{method: http.MethodGet, path: "/healthz", want: http.StatusOK, body: "ok"},
		{method: http.MethodGet, path: "/readyz", want: http.StatusOK, body: "ready"},
		{method: http.MethodGet, path: "/metrics", want: http.StatusOK, body: "vigil_ws_connected_clients"},
		{method: http.MethodGet, path: "/session", want: http.StatusOK, body: `"state":"unauthenticated"`},
	}

	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode != tc.want {
			t.Fatalf("%s %s status=%d want=%d body=%s", tc.method, tc.path, resp.StatusCode, tc.want, b)
		}
		if !strings.Contains(string(b), tc.body) {
			t.Fatalf("%s %s body %q missing %q", tc.method, tc.path, b, tc.body)
		}
		if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
			t.Fatalf("%s %s missing security headers", tc.method, tc.path)
		}
	}
}

func TestApp_ReadyRequiresDurableStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadinessRequireStore = true
	a := newTestApp(t, cfg)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=503", rr.Code)
	}
}

func TestApp_SQLiteStoreSurvivesRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "vigil.db")
	cfg.ReadinessRequireStore = true

	a := newTestApp(t, cfg)
	if a.store.backend != backendSQLite {
		t.Fatalf("backend=%q", a.store.backend)
	}
	if err := a.watchdog.Login(context.Background(), session.LoginInput{User: `{"id":"u1"}`, Email: "u1@example.com"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d", rr.Code)
	}
	a.close()

	b := newTestApp(t, cfg)
	resumed, err := b.watchdog.Resume(context.Background())
	if err != nil || !resumed {
		t.Fatalf("Resume = %v, %v; want true", resumed, err)
	}
}

func TestApp_RejectsBadRemoteURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RemoteBaseURL = "ftp://platform.example.com"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := New(context.Background(), cfg, log); err == nil {
		t.Fatalf("expected error for non-http remote URL")
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
