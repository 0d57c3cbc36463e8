// Package api provides the HTTP surface of the host: the WebSocket endpoint,
// health probes and the secret-protected introspection routes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jestevery/code-bridge/host/internal/config"
	"github.com/jestevery/code-bridge/host/internal/router"
	"github.com/jestevery/code-bridge/host/internal/store"
)

const maxAuditLimit = 500

// Server is the HTTP API server.
type Server struct {
	router    *router.Router
	store     store.Store // nil when auditing is disabled
	secret    string
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
	rl        *rateLimiter
}

// NewServer creates a new API server.
func NewServer(rt *router.Router, st store.Store, secret string, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		router:    rt,
		store:     st,
		secret:    secret,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		rl:        newRateLimiter(cfg.Server.APIRate, cfg.Server.APIBurst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Bridges and consumers both connect here; auth happens in-band.
	mux.Get("/", rt.HandleWS)
	mux.Get("/ws", rt.HandleWS)

	mux.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(srv.rl))
		r.Use(srv.authMiddleware)

		r.Get("/api/sessions", srv.handleListSessions)
		r.Get("/api/stats", srv.handleStats)
		r.Get("/api/audit", srv.handleListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.router.Accepting() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "shutting down",
		})
		return
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.router.Sessions()
	if sessions == nil {
		sessions = []router.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Stats())
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	q := r.URL.Query()
	filter := store.AuditFilter{
		Action:   q.Get("action"),
		ClientID: q.Get("client_id"),
		Limit:    50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
