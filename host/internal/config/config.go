// Package config handles host configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the first port the host tries to bind.
const DefaultPort = 9876

// GenerateSecret returns a cryptographically random 64-character hex string
// used as the per-run shared secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level host configuration.
type Config struct {
	Workspace string         `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Server    ServerConfig   `json:"server" yaml:"server"`
	Router    RouterConfig   `json:"router" yaml:"router"`
	Storage   StorageConfig  `json:"storage" yaml:"storage"`
	Logging   LoggingConfig  `json:"logging" yaml:"logging"`
	Shutdown  ShutdownConfig `json:"shutdown" yaml:"shutdown"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Host            string   `json:"host,omitempty" yaml:"host,omitempty"`                         // default "127.0.0.1"
	Port            int      `json:"port,omitempty" yaml:"port,omitempty"`                         // preferred port; default 9876
	PortProbeLimit  int      `json:"port_probe_limit,omitempty" yaml:"port_probe_limit,omitempty"` // ports tried upward; default 100
	AllowedOrigins  []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"` // default 16MB
	APIRate         float64  `json:"api_rate,omitempty" yaml:"api_rate,omitempty"`                   // introspection requests per second
	APIBurst        int      `json:"api_burst,omitempty" yaml:"api_burst,omitempty"`
}

// RouterConfig defines routing policy.
type RouterConfig struct {
	AuthTimeout        Duration `json:"auth_timeout,omitempty" yaml:"auth_timeout,omitempty"`
	ScreenshotInterval Duration `json:"screenshot_interval,omitempty" yaml:"screenshot_interval,omitempty"`
	OverloadWindow     Duration `json:"overload_window,omitempty" yaml:"overload_window,omitempty"`
	OverloadLimit      int      `json:"overload_limit,omitempty" yaml:"overload_limit,omitempty"`
	SendBuffer         int      `json:"send_buffer,omitempty" yaml:"send_buffer,omitempty"` // frames queued per session
	ConsumerRate       float64  `json:"consumer_rate,omitempty" yaml:"consumer_rate,omitempty"`
	ConsumerBurst      int      `json:"consumer_burst,omitempty" yaml:"consumer_burst,omitempty"`
}

// StorageConfig defines the audit store.
type StorageConfig struct {
	Driver         string   `json:"driver,omitempty" yaml:"driver,omitempty"` // "sqlite" (default), "postgres" or "none"
	DSN            string   `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Grace Duration `json:"grace,omitempty" yaml:"grace,omitempty"`
}

// Duration is a time.Duration that reads "10s" or a number of seconds
// from either JSON or YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a config file. YAML is used for .yaml/.yml
// files, JSON otherwise.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse reads a config file without validating it or applying defaults, so
// callers can layer flag overrides before Finalize.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Finalize validates a config assembled from flags and resolves paths that
// depend on the workspace.
func (c *Config) Finalize() error {
	if err := c.validate(); err != nil {
		return err
	}
	c.applyDefaults()
	return nil
}

// FilePath is where run looks for a config file when none is given.
func FilePath(workspace string) string {
	return filepath.Join(workspace, ".code", "code-bridge.yaml")
}

// CodeDir is the per-workspace directory holding lock, metadata and audit db.
func (c *Config) CodeDir() string {
	return filepath.Join(c.Workspace, ".code")
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if c.Router.OverloadLimit < 0 {
		return fmt.Errorf("router.overload_limit must not be negative")
	}
	if c.Router.SendBuffer < 0 {
		return fmt.Errorf("router.send_buffer must not be negative")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "none":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Workspace = wd
		}
	}
	if abs, err := filepath.Abs(c.Workspace); err == nil {
		c.Workspace = abs
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.PortProbeLimit == 0 {
		c.Server.PortProbeLimit = 100
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 16 * 1024 * 1024 // screenshots are large
	}
	if c.Server.APIRate == 0 {
		c.Server.APIRate = 10
	}
	if c.Server.APIBurst == 0 {
		c.Server.APIBurst = 20
	}
	if c.Router.AuthTimeout.Duration == 0 {
		c.Router.AuthTimeout.Duration = 5 * time.Second
	}
	if c.Router.ScreenshotInterval.Duration == 0 {
		c.Router.ScreenshotInterval.Duration = 10 * time.Second
	}
	if c.Router.OverloadWindow.Duration == 0 {
		c.Router.OverloadWindow.Duration = 10 * time.Second
	}
	if c.Router.OverloadLimit == 0 {
		c.Router.OverloadLimit = 500
	}
	if c.Router.SendBuffer == 0 {
		c.Router.SendBuffer = 256
	}
	if c.Router.ConsumerRate == 0 {
		c.Router.ConsumerRate = 30
	}
	if c.Router.ConsumerBurst == 0 {
		c.Router.ConsumerBurst = 50
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.CodeDir(), "code-bridge.db")
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 7 * 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Shutdown.Grace.Duration == 0 {
		c.Shutdown.Grace.Duration = 5 * time.Second
	}
}
