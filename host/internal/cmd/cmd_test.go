package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jestevery/code-bridge/host/internal/config"
	"github.com/jestevery/code-bridge/host/internal/workspace"
	"github.com/jestevery/code-bridge/pkg/client"
)

const deadPID = 1 << 30

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeRecord(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "code-bridge-host test" {
		t.Errorf("got %q", out)
	}
}

func TestHTTPURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ws://127.0.0.1:9876", "http://127.0.0.1:9876"},
		{"wss://example.test", "https://example.test"},
		{"http://already", "http://already"},
	}
	for _, tt := range tests {
		if got := httpURL(tt.in); got != tt.want {
			t.Errorf("httpURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList("  "); got != nil {
		t.Errorf("blank flag should be nil, got %v", got)
	}
	got := splitList("errors, warn,,info ")
	if strings.Join(got, "|") != "errors|warn|info" {
		t.Errorf("got %v", got)
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		raw  string
		want []string
	}{
		{"log", "log", `{"type":"log","level":"warn","message":"disk low"}`, []string{"log", "warn", "disk low"}},
		{"screenshot", "screenshot", `{"type":"screenshot","mime":"image/png","data":"abcd"}`, []string{"image/png", "4 bytes"}},
		{"control result", "control_result", `{"type":"control_result","id":"c1","ok":false,"error":{"message":"boom"}}`, []string{"id=c1", "ok=false", "boom"}},
		{"error with stack", "error", `{"type":"error","level":"error","message":"boom","stack":"TypeError: x\n    at f (app.js:1)","breadcrumbs":[{"timestamp":1,"level":"info","message":"clicked"},{"timestamp":2,"level":"warn","message":"slow"}]}`, []string{"boom", "TypeError: x", "2 breadcrumbs", "last: warn slow"}},
		{"not json", "log", `garbage`, []string{"garbage"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := formatEvent(client.Message{Type: tt.typ, Raw: json.RawMessage(tt.raw)}, false)
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("%q missing %q", line, w)
				}
			}
		})
	}
}

func TestLoadConfigLayering(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".code"), 0o700); err != nil {
		t.Fatal(err)
	}
	yml := "server:\n  port: 7100\nlogging:\n  level: debug\n"
	if err := os.WriteFile(config.FilePath(ws), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	root := NewRootCmd("test")
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if err := run.ParseFlags([]string{"--log-format", "json"}); err != nil {
		t.Fatal(err)
	}

	cfg, path, err := loadConfig(run, []string{ws})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if path != config.FilePath(ws) {
		t.Errorf("config path = %q", path)
	}
	if cfg.Workspace != ws {
		t.Errorf("workspace = %q, want %q", cfg.Workspace, ws)
	}
	if cfg.Server.Port != 7100 {
		t.Errorf("port = %d, want 7100 from file", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("defaults not applied: host = %q", cfg.Server.Host)
	}
}

func TestLoadConfigFlagBeatsFile(t *testing.T) {
	ws := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "host.json")
	if err := os.WriteFile(cfgPath, []byte(`{"server":{"port":7100}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	root := NewRootCmd("test")
	run, _, _ := root.Find([]string{"run"})
	if err := run.ParseFlags([]string{"--config", cfgPath, "--port", "7200"}); err != nil {
		t.Fatal(err)
	}
	cfg, path, err := loadConfig(run, []string{ws})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if path != cfgPath {
		t.Errorf("config path = %q, want %q", path, cfgPath)
	}
	if cfg.Server.Port != 7200 {
		t.Errorf("port = %d, want flag value 7200", cfg.Server.Port)
	}
}

func TestStatusStopped(t *testing.T) {
	out, err := execute(t, "status", t.TempDir())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "stopped") {
		t.Errorf("got %q", out)
	}
}

func TestStatusStaleRecords(t *testing.T) {
	ws := t.TempDir()
	writeRecord(t, workspace.LockPath(ws), workspace.LockRecord{PID: deadPID, WorkspacePath: ws})

	out, err := execute(t, "status", ws)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "stale records") {
		t.Errorf("got %q", out)
	}
}

func TestStatusRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/stats" || r.Header.Get("Authorization") != "Bearer s3cret" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"bridges":2,"consumers":1,"routed":40,"rejected":3,"relayed":5,"overload":{"shedding":false}}`))
	}))
	t.Cleanup(srv.Close)

	ws := t.TempDir()
	writeRecord(t, workspace.MetadataPath(ws), workspace.Metadata{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Secret:    "s3cret",
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-time.Minute),
	})

	out, err := execute(t, "status", ws)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"running", "Bridges:   2", "Consumers: 1", "40 frames"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "status", "--json", ws)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var stats struct {
		Bridges int `json:"bridges"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil || stats.Bridges != 2 {
		t.Errorf("json output %q: %v", out, err)
	}
}

func TestStopCleansStaleRecords(t *testing.T) {
	ws := t.TempDir()
	writeRecord(t, workspace.LockPath(ws), workspace.LockRecord{PID: deadPID, WorkspacePath: ws})
	writeRecord(t, workspace.MetadataPath(ws), workspace.Metadata{PID: deadPID})

	out, err := execute(t, "stop", ws)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out, "stale records") {
		t.Errorf("got %q", out)
	}
	if fileExists(workspace.LockPath(ws)) || fileExists(workspace.MetadataPath(ws)) {
		t.Error("stale records left behind")
	}
}

func TestStopNothingRunning(t *testing.T) {
	out, err := execute(t, "stop", t.TempDir())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if strings.TrimSpace(out) != "Host is not running" {
		t.Errorf("got %q", out)
	}
}

func TestInitDefaults(t *testing.T) {
	ws := t.TempDir()
	if _, err := execute(t, "init", "--defaults", ws); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(config.FilePath(ws))
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Server.Port != config.DefaultPort {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestTailNotRunning(t *testing.T) {
	_, err := execute(t, "tail", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Errorf("tail without host: %v", err)
	}
}
