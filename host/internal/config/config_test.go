package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	configJSON := `{
		"workspace": "/tmp/ws",
		"server": {
			"host": "0.0.0.0",
			"port": 7000,
			"allowed_origins": ["http://localhost:3000"]
		},
		"router": {
			"auth_timeout": "2s",
			"screenshot_interval": 20,
			"overload_limit": 1000
		},
		"storage": {
			"driver": "postgres",
			"dsn": "postgres://localhost/codebridge",
			"audit_retention": "48h"
		},
		"logging": {
			"level": "debug",
			"format": "json"
		}
	}`

	path := writeTempConfig(t, "config.json", configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workspace != "/tmp/ws" {
		t.Errorf("Workspace: got %q", cfg.Workspace)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host: got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port: got %d, want 7000", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Router.AuthTimeout.Duration != 2*time.Second {
		t.Errorf("Router.AuthTimeout: got %v, want 2s", cfg.Router.AuthTimeout.Duration)
	}
	if cfg.Router.ScreenshotInterval.Duration != 20*time.Second {
		t.Errorf("Router.ScreenshotInterval: got %v, want 20s", cfg.Router.ScreenshotInterval.Duration)
	}
	if cfg.Router.OverloadLimit != 1000 {
		t.Errorf("Router.OverloadLimit: got %d", cfg.Router.OverloadLimit)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver: got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.AuditRetention.Duration != 48*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}

	// Defaults still fill untouched fields.
	if cfg.Router.OverloadWindow.Duration != 10*time.Second {
		t.Errorf("Router.OverloadWindow default: got %v", cfg.Router.OverloadWindow.Duration)
	}
}

func TestLoadYAML(t *testing.T) {
	configYAML := `
workspace: /tmp/yaml-ws
server:
  port: 9900
router:
  auth_timeout: 3s
  overload_window: 1.5
  send_buffer: 32
shutdown:
  grace: 8s
`
	path := writeTempConfig(t, "config.yaml", configYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9900 {
		t.Errorf("Server.Port: got %d", cfg.Server.Port)
	}
	if cfg.Router.AuthTimeout.Duration != 3*time.Second {
		t.Errorf("Router.AuthTimeout: got %v", cfg.Router.AuthTimeout.Duration)
	}
	if cfg.Router.OverloadWindow.Duration != 1500*time.Millisecond {
		t.Errorf("Router.OverloadWindow: got %v", cfg.Router.OverloadWindow.Duration)
	}
	if cfg.Router.SendBuffer != 32 {
		t.Errorf("Router.SendBuffer: got %d", cfg.Router.SendBuffer)
	}
	if cfg.Shutdown.Grace.Duration != 8*time.Second {
		t.Errorf("Shutdown.Grace: got %v", cfg.Shutdown.Grace.Duration)
	}
	wantDSN := filepath.Join("/tmp/yaml-ws", ".code", "code-bridge.db")
	if cfg.Storage.DSN != wantDSN {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, wantDSN)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"host", cfg.Server.Host, "127.0.0.1"},
		{"port", cfg.Server.Port, DefaultPort},
		{"probe limit", cfg.Server.PortProbeLimit, 100},
		{"auth timeout", cfg.Router.AuthTimeout.Duration, 5 * time.Second},
		{"screenshot interval", cfg.Router.ScreenshotInterval.Duration, 10 * time.Second},
		{"overload window", cfg.Router.OverloadWindow.Duration, 10 * time.Second},
		{"overload limit", cfg.Router.OverloadLimit, 500},
		{"send buffer", cfg.Router.SendBuffer, 256},
		{"storage driver", cfg.Storage.Driver, "sqlite"},
		{"log level", cfg.Logging.Level, "info"},
		{"log format", cfg.Logging.Format, "text"},
		{"shutdown grace", cfg.Shutdown.Grace.Duration, 5 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if !filepath.IsAbs(cfg.Workspace) {
		t.Errorf("workspace should be absolute, got %q", cfg.Workspace)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"bad port", `{"server":{"port":70000}}`},
		{"unknown driver", `{"storage":{"driver":"mongo"}}`},
		{"postgres without dsn", `{"storage":{"driver":"postgres"}}`},
		{"bad format", `{"logging":{"format":"xml"}}`},
		{"bad duration", `{"router":{"auth_timeout":"soon"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, "config.json", tt.json)
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{Duration: 90 * time.Second}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"1m30s"` {
		t.Errorf("MarshalJSON = %s", b)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateSecret()
	if len(a) != 64 {
		t.Errorf("secret length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two secrets should differ")
	}
}

func TestParseLeavesDefaultsForFinalize(t *testing.T) {
	path := writeTempConfig(t, "host.yaml", "server:\n  port: 7001\n")
	cfg, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "" || cfg.Storage.DSN != "" {
		t.Fatalf("Parse applied defaults: %+v", cfg)
	}

	ws := t.TempDir()
	cfg.Workspace = ws
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if want := filepath.Join(ws, ".code", "code-bridge.db"); cfg.Storage.DSN != want {
		t.Errorf("dsn = %q, want %q", cfg.Storage.DSN, want)
	}
	if got := FilePath(ws); got != filepath.Join(ws, ".code", "code-bridge.yaml") {
		t.Errorf("FilePath = %q", got)
	}
}
