package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jestevery/code-bridge/host/internal/config"
	"github.com/jestevery/code-bridge/host/internal/router"
	"github.com/jestevery/code-bridge/host/internal/store"
	"github.com/jestevery/code-bridge/pkg/protocol"
)

const testSecret = "api-test-secret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T, withStore bool) (*Server, *router.Router, store.Store) {
	t.Helper()
	var st store.Store
	if withStore {
		s, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = s.Close() })
		st = s
	}

	cfg := config.Default()
	rt := router.New(quietLogger(), router.Options{Secret: testSecret})
	return NewServer(rt, st, testSecret, cfg, quietLogger()), rt, st
}

func doRequest(t *testing.T, srv *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t, false)

	w := doRequest(t, srv, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("expected uptime field in response")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestReadyz(t *testing.T) {
	for _, withStore := range []bool{false, true} {
		srv, _, _ := setupTestServer(t, withStore)
		w := doRequest(t, srv, "/readyz", "")
		if w.Code != http.StatusOK {
			t.Fatalf("store=%v: expected status 200, got %d", withStore, w.Code)
		}
	}
}

func TestReadyzAfterShutdown(t *testing.T) {
	srv, rt, _ := setupTestServer(t, false)
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	w := doRequest(t, srv, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyzStoreDown(t *testing.T) {
	srv, _, st := setupTestServer(t, true)
	_ = st.Close()
	w := doRequest(t, srv, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := setupTestServer(t, true)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"prefix of secret", testSecret[:4], http.StatusUnauthorized},
		{"valid", testSecret, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/api/sessions", "/api/stats", "/api/audit"} {
				if w := doRequest(t, srv, path, tt.token); w.Code != tt.want {
					t.Errorf("%s: status %d, want %d", path, w.Code, tt.want)
				}
			}
		})
	}
}

func TestListSessions_Empty(t *testing.T) {
	srv, _, _ := setupTestServer(t, false)

	w := doRequest(t, srv, "/api/sessions", testSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestSessionsAndStatsOverWebSocket(t *testing.T) {
	srv, _, _ := setupTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.WriteJSON(protocol.Auth{Type: protocol.TypeAuth, Secret: testSecret, Role: protocol.RoleBridge, ClientID: "b1"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ok protocol.AuthSuccess
	if err := conn.ReadJSON(&ok); err != nil {
		t.Fatal(err)
	}
	if ok.Type != protocol.TypeAuthSuccess {
		t.Fatalf("got %+v", ok)
	}

	w := doRequest(t, srv, "/api/sessions", testSecret)
	var sessions []router.SessionInfo
	parseJSONResponse(t, w, &sessions)
	if len(sessions) != 1 || sessions[0].ClientID != "b1" || sessions[0].Role != string(protocol.RoleBridge) {
		t.Fatalf("sessions = %+v", sessions)
	}

	w = doRequest(t, srv, "/api/stats", testSecret)
	var stats router.Stats
	parseJSONResponse(t, w, &stats)
	if stats.Bridges != 1 || stats.Consumers != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestListAuditEvents(t *testing.T) {
	srv, _, st := setupTestServer(t, true)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{"session.connected", "auth.failed", "session.disconnected"} {
		err := st.LogAuditEvent(ctx, &store.AuditEvent{
			ID:        action,
			Action:    action,
			ClientID:  "c1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all newest first", "", []string{"session.disconnected", "auth.failed", "session.connected"}},
		{"limit", "?limit=1", []string{"session.disconnected"}},
		{"offset", "?limit=1&offset=1", []string{"auth.failed"}},
		{"action prefix", "?action=session.", []string{"session.disconnected", "session.connected"}},
		{"bad limit ignored", "?limit=abc", []string{"session.disconnected", "auth.failed", "session.connected"}},
		{"unknown client", "?client_id=zz", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, "/api/audit"+tt.query, testSecret)
			if w.Code != http.StatusOK {
				t.Fatalf("status %d", w.Code)
			}
			var events []store.AuditEvent
			parseJSONResponse(t, w, &events)
			if len(events) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(events), len(tt.want))
			}
			for i, e := range events {
				if e.Action != tt.want[i] {
					t.Errorf("event %d = %s, want %s", i, e.Action, tt.want[i])
				}
			}
		})
	}
}

func TestListAuditEvents_Disabled(t *testing.T) {
	srv, _, _ := setupTestServer(t, false)
	if w := doRequest(t, srv, "/api/audit", testSecret); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	cfg := config.Default()
	cfg.Server.APIRate = 1
	cfg.Server.APIBurst = 3
	rt := router.New(quietLogger(), router.Options{Secret: testSecret})
	srv := NewServer(rt, nil, testSecret, cfg, quietLogger())

	got429 := false
	for i := 0; i < 20; i++ {
		w := doRequest(t, srv, "/api/stats", testSecret)
		if w.Code == http.StatusTooManyRequests {
			if w.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected to receive a 429 Too Many Requests response, but never got one")
	}
}

func TestRateLimitingCoversWrongSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Server.APIRate = 0.01
	cfg.Server.APIBurst = 3
	rt := router.New(quietLogger(), router.Options{Secret: testSecret})
	srv := NewServer(rt, nil, testSecret, cfg, quietLogger())

	for i := 0; i < 3; i++ {
		if w := doRequest(t, srv, "/api/stats", "wrong"); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i, w.Code)
		}
	}
	if w := doRequest(t, srv, "/api/stats", "wrong"); w.Code != http.StatusTooManyRequests {
		t.Errorf("fourth wrong-secret attempt: status = %d, want 429", w.Code)
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	rl.allow("10.0.0.1")
	rl.allow("10.0.0.2")
	if n := rl.size(); n != 2 {
		t.Fatalf("buckets = %d, want 2", n)
	}

	now = now.Add(5 * time.Minute)
	rl.allow("10.0.0.2")
	now = now.Add(6 * time.Minute)
	rl.allow("10.0.0.3")

	// 10.0.0.1 idled past the TTL; 10.0.0.2 was seen six minutes ago.
	if n := rl.size(); n != 2 {
		t.Errorf("buckets after sweep = %d, want 2", n)
	}
	rl.mu.Lock()
	_, stale := rl.buckets["10.0.0.1"]
	rl.mu.Unlock()
	if stale {
		t.Error("idle bucket was not evicted")
	}
}
