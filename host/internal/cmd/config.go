package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jestevery/code-bridge/host/internal/config"
)

// workspaceArg returns the absolute workspace from the positional argument,
// or the working directory.
func workspaceArg(args []string) (string, error) {
	ws := "."
	if len(args) > 0 && args[0] != "" {
		ws = args[0]
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return abs, nil
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. --config / -c flag
// 2. <workspace>/.code/code-bridge.yaml when it exists
// An empty result means run on defaults.
func resolveConfigPath(cmd *cobra.Command, ws string) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if p := config.FilePath(ws); fileExists(p) {
		return p
	}
	return ""
}

// loadConfig layers file, positional workspace and flags, in that order.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, string, error) {
	cfg := &config.Config{}
	configPath := ""

	wsGiven := len(args) > 0
	ws, err := workspaceArg(args)
	if err != nil {
		return nil, "", err
	}
	configPath = resolveConfigPath(cmd, ws)
	if configPath != "" {
		cfg, err = config.Parse(configPath)
		if err != nil {
			return nil, "", err
		}
	}
	if wsGiven || cfg.Workspace == "" {
		cfg.Workspace = ws
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}

	if err := cfg.Finalize(); err != nil {
		return nil, "", fmt.Errorf("validate config: %w", err)
	}
	return cfg, configPath, nil
}

// newLogger builds the process logger from the logging config.
func newLogger(lc config.LoggingConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch lc.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loggingFromFlags is the logging setup for client-side commands, which
// stay quiet unless asked otherwise.
func loggingFromFlags(cmd *cobra.Command) config.LoggingConfig {
	lc := config.LoggingConfig{Level: "warn", Format: "text"}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		lc.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		lc.Format, _ = flags.GetString("log-format")
	}
	return lc
}
