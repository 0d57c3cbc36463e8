package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jestevery/code-bridge/host/internal/host"
	"github.com/jestevery/code-bridge/host/internal/workspace"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [workspace]",
		Short: "Start the host for a workspace (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg.Logging, os.Stdout)

	h, err := host.New(cfg, logger)
	if err != nil {
		if errors.Is(err, workspace.ErrAlreadyRunning) {
			logger.Error("another host owns this workspace", "workspace", cfg.Workspace, "error", err)
		} else {
			logger.Error("failed to initialize host", "error", err)
		}
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()

		// Shutdown must not hang: a second signal or an overrun of the grace
		// period releases the workspace and exits.
		select {
		case sig = <-sigCh:
			logger.Warn("second signal, forcing exit", "signal", sig)
		case <-time.After(cfg.Shutdown.Grace.Duration + time.Second):
			logger.Warn("shutdown exceeded grace period, forcing exit", "grace", cfg.Shutdown.Grace.Duration)
		}
		h.Release()
		os.Exit(1)
	}()

	logger.Info("code-bridge host starting", "version", version, "config", configPath, "workspace", cfg.Workspace)

	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("host error", "error", err)
		os.Exit(1)
	}

	logger.Info("host stopped")
	return nil
}
