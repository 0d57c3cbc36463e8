// Package host is the orchestrator that ties the code-bridge host components
// together: workspace lock, listener, router, API, audit store.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jestevery/code-bridge/host/internal/api"
	"github.com/jestevery/code-bridge/host/internal/config"
	"github.com/jestevery/code-bridge/host/internal/eventbus"
	"github.com/jestevery/code-bridge/host/internal/router"
	"github.com/jestevery/code-bridge/host/internal/store"
	"github.com/jestevery/code-bridge/host/internal/workspace"
)

// Host is one running code-bridge host bound to a workspace.
type Host struct {
	cfg      *config.Config
	logger   *slog.Logger
	guard    *workspace.Guard
	listener net.Listener
	meta     *workspace.Metadata
	store    store.Store
	bus      *eventbus.Bus
	router   *router.Router
	api      *api.Server
	recorder *recorder

	closeOnce sync.Once
}

// New claims the workspace, binds a port, generates the run secret, opens
// the audit store and publishes discovery metadata. Nothing is published
// unless every earlier step succeeded, and a failure releases whatever was
// already taken.
func New(cfg *config.Config, logger *slog.Logger) (_ *Host, err error) {
	guard, err := workspace.Acquire(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	h := &Host{
		cfg:    cfg,
		logger: logger.With("component", "host"),
		guard:  guard,
	}
	defer func() {
		if err != nil {
			h.abort()
		}
	}()

	h.listener, err = listen(cfg.Server.Host, cfg.Server.Port, cfg.Server.PortProbeLimit)
	if err != nil {
		return nil, err
	}
	port := h.listener.Addr().(*net.TCPAddr).Port
	if port != cfg.Server.Port {
		h.logger.Info("preferred port busy, using next free port", "preferred", cfg.Server.Port, "port", port)
	}

	secret, err := config.GenerateSecret()
	if err != nil {
		return nil, err
	}

	h.store, err = store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	h.bus = eventbus.New()
	h.router = router.New(logger, router.Options{
		Secret:             secret,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MaxMessageBytes:    cfg.Server.MaxMessageBytes,
		AuthTimeout:        cfg.Router.AuthTimeout.Duration,
		ScreenshotInterval: cfg.Router.ScreenshotInterval.Duration,
		OverloadWindow:     cfg.Router.OverloadWindow.Duration,
		OverloadLimit:      cfg.Router.OverloadLimit,
		SendBuffer:         cfg.Router.SendBuffer,
		ConsumerRate:       cfg.Router.ConsumerRate,
		ConsumerBurst:      cfg.Router.ConsumerBurst,
		Bus:                h.bus,
	})
	h.api = api.NewServer(h.router, h.store, secret, cfg, logger)
	if h.store != nil {
		h.recorder = newRecorder(h.store, h.bus, logger)
		go h.recorder.run()
	}

	h.meta, err = guard.Publish(dialURL(cfg.Server.Host, port), port, secret)
	if err != nil {
		return nil, fmt.Errorf("publish metadata: %w", err)
	}

	h.logger.Info("host ready",
		"workspace", cfg.Workspace,
		"url", h.meta.URL,
		"pid", guard.PID(),
		"secret_prefix", secret[:8],
		"metadata", workspace.MetadataPath(cfg.Workspace))
	return h, nil
}

// listen binds the first free port in [preferred, preferred+limit).
func listen(host string, preferred, limit int) (net.Listener, error) {
	var lastErr error
	for port := preferred; port < preferred+limit && port <= 65535; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", preferred, preferred+limit-1, lastErr)
}

// dialURL is the address clients on this machine use to reach the host.
func dialURL(host string, port int) string {
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Metadata returns the discovery record this host published.
func (h *Host) Metadata() *workspace.Metadata {
	return h.meta
}

// Router exposes the connection router.
func (h *Host) Router() *router.Router {
	return h.router
}

// Run serves until ctx is cancelled or the server fails, then shuts down:
// sessions closed with a going-away code, HTTP drained within the grace
// period, store closed and workspace records removed.
func (h *Host) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if h.store != nil {
		if retention := h.cfg.Storage.AuditRetention.Duration; retention > 0 {
			go h.runRetentionPurger(bgCtx, retention)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("host listening", "addr", h.listener.Addr().String())
		errCh <- srv.Serve(h.listener)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		h.logger.Info("shutting down host gracefully")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Shutdown.Grace.Duration)
	defer cancel()

	if err := h.router.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("sessions did not drain in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	} else {
		h.logger.Info("http server stopped gracefully")
	}

	bgCancel()
	h.Release()
	h.logger.Info("shutdown complete")
	return runErr
}

// Release flushes the audit log, closes the store and removes this run's
// workspace records. It is safe to call more than once and from a watchdog
// while Run is still draining.
func (h *Host) Release() {
	h.closeOnce.Do(func() {
		h.bus.Close()
		if h.recorder != nil {
			h.recorder.wait(2 * time.Second)
		}
		if h.store != nil {
			h.logger.Info("closing store")
			_ = h.store.Close()
		}
		if err := h.guard.Release(); err != nil {
			h.logger.Warn("release workspace records", "error", err)
		}
	})
}

// abort undoes a partially constructed host.
func (h *Host) abort() {
	if h.listener != nil {
		_ = h.listener.Close()
	}
	if h.bus != nil {
		h.bus.Close()
	}
	if h.recorder != nil {
		h.recorder.wait(time.Second)
	}
	if h.store != nil {
		_ = h.store.Close()
	}
	_ = h.guard.Release()
}

func (h *Host) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
