// Package router accepts bridge and consumer WebSocket connections,
// authenticates them, and routes telemetry and control frames between them.
package router

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jestevery/code-bridge/host/internal/eventbus"
	"github.com/jestevery/code-bridge/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Router.
type Options struct {
	Secret             string
	AllowedOrigins     []string
	MaxMessageBytes    int64         // default 16MB
	AuthTimeout        time.Duration // default 5s
	ScreenshotInterval time.Duration // default 10s
	OverloadWindow     time.Duration // default 10s
	OverloadLimit      int           // default 500
	SendBuffer         int           // frames queued per session, default 256
	ConsumerRate       float64       // consumer frames per second, default 30
	ConsumerBurst      int           // default 50

	Bus *eventbus.Bus    // optional lifecycle sink
	Now func() time.Time // clock for the screenshot limiter and overload window
}

func (o *Options) applyDefaults() {
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = 16 * 1024 * 1024
	}
	if o.AuthTimeout == 0 {
		o.AuthTimeout = 5 * time.Second
	}
	if o.ScreenshotInterval == 0 {
		o.ScreenshotInterval = 10 * time.Second
	}
	if o.OverloadWindow == 0 {
		o.OverloadWindow = 10 * time.Second
	}
	if o.OverloadLimit == 0 {
		o.OverloadLimit = 500
	}
	if o.SendBuffer == 0 {
		o.SendBuffer = 256
	}
	if o.ConsumerRate == 0 {
		o.ConsumerRate = 30
	}
	if o.ConsumerBurst == 0 {
		o.ConsumerBurst = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Router manages all WebSocket connections and message routing.
type Router struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	bus      *eventbus.Bus
	now      func() time.Time

	registry *registry
	overload *overloadGuard

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup

	routed   atomic.Uint64
	rejected atomic.Uint64
	relayed  atomic.Uint64
}

// New creates a new Router.
func New(logger *slog.Logger, opts Options) *Router {
	opts.applyDefaults()
	return &Router{
		opts:     opts,
		logger:   logger.With("component", "router"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		bus:      opts.Bus,
		now:      opts.Now,
		registry: newRegistry(),
		overload: newOverloadGuard(opts.OverloadWindow, opts.OverloadLimit, opts.Now),
	}
}

// HandleWS handles WebSocket connections from bridges and consumers.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	r.active.Add(1)
	r.mu.Unlock()
	defer r.active.Done()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(r.opts.MaxMessageBytes)

	s := newSession(conn, req.RemoteAddr, r.opts.SendBuffer, r.logger)
	if !r.track(s) {
		s.close(websocket.CloseGoingAway, reasonShutdown)
		return
	}
	go s.writePump()
	defer s.close(websocket.CloseNormalClosure, "")

	if !r.authenticate(s) {
		r.registry.leave(s)
		return
	}

	r.registry.enter(s)
	defer r.disconnect(s)

	r.reply(s, protocol.AuthSuccess{Type: protocol.TypeAuthSuccess, Role: s.role, ClientID: s.clientID})
	bridges, consumers, _ := r.registry.counts()
	r.logger.Info("client connected", "role", s.role, "client_id", s.clientID,
		"bridges", bridges, "consumers", consumers)
	r.bus.PublishSubject(eventbus.SessionConnected, r.subject(s, ""))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("read error", "client_id", s.clientID, "error", err)
			return
		}
		if !r.dispatch(s, msg) {
			return
		}
	}
}

// track registers s unless shutdown has begun. The check and the insert
// share r.mu with Shutdown, so its session snapshot cannot miss s.
func (r *Router) track(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.registry.accept(s)
	return true
}

func (r *Router) disconnect(s *session) {
	r.registry.leave(s)
	bridges, consumers, _ := r.registry.counts()
	r.logger.Info("client disconnected", "role", s.role, "client_id", s.clientID,
		"bridges", bridges, "consumers", consumers)
	r.bus.PublishSubject(eventbus.SessionDisconnected, r.subject(s, ""))
}

// authenticate reads the first frame under the auth deadline and assigns the
// session's role. On failure the session is already closed.
func (r *Router) authenticate(s *session) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(r.opts.AuthTimeout))
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			r.rejectAuth(s, reasonAuthTimeout)
			return false
		}
		r.logger.Debug("read before auth failed", "remote_addr", s.remoteAddr, "error", err)
		return false
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	f, err := protocol.Decode(msg)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			r.violation(s, err)
			return false
		}
		r.rejectAuth(s, reasonAuthRequired)
		return false
	}
	if f.Auth == nil {
		r.rejectAuth(s, reasonAuthRequired)
		return false
	}

	if subtle.ConstantTimeCompare([]byte(f.Auth.Secret), []byte(r.opts.Secret)) != 1 {
		r.rejectAuth(s, reasonInvalidAuth)
		return false
	}

	role := protocol.Role(strings.ToLower(string(f.Auth.Role)))
	if role == "" {
		role = protocol.RoleBridge
	}
	if role != protocol.RoleBridge && role != protocol.RoleConsumer {
		r.rejectAuth(s, fmt.Sprintf("Invalid role: %s", f.Auth.Role))
		return false
	}

	s.role = role
	s.clientID = f.Auth.ClientID
	if s.clientID == "" {
		s.clientID = fmt.Sprintf("%s-%s", role, uuid.New().String())
	}
	if role == protocol.RoleConsumer {
		s.limiter = rate.NewLimiter(rate.Limit(r.opts.ConsumerRate), r.opts.ConsumerBurst)
	}
	return true
}

func (r *Router) rejectAuth(s *session, reason string) {
	r.logger.Warn("authentication failed", "remote_addr", s.remoteAddr, "reason", reason)
	r.bus.PublishSubject(eventbus.AuthFailed, eventbus.Subject{RemoteAddr: s.remoteAddr, Reason: reason})
	s.close(websocket.ClosePolicyViolation, reason)
}

// violation isolates a connection that broke the protocol.
func (r *Router) violation(s *session, err error) {
	r.logger.Warn("protocol violation", "client_id", s.clientID, "role", s.role, "error", err)
	r.bus.PublishSubject(eventbus.ProtocolViolation, r.subject(s, err.Error()))
	s.close(websocket.CloseInternalServerErr, reasonInternal)
}

// dispatch handles one frame from an authenticated session. It returns false
// when the connection has been closed.
func (r *Router) dispatch(s *session, msg []byte) bool {
	f, err := protocol.Decode(msg)
	if err != nil {
		r.violation(s, err)
		return false
	}

	switch f.Type {
	case protocol.TypePing:
		r.reply(s, protocol.Pong{Type: protocol.TypePong})
		return true
	case protocol.TypePong:
		return true
	}

	if s.role == protocol.RoleBridge {
		return r.handleBridgeFrame(s, f)
	}
	return r.handleConsumerFrame(s, f)
}

func (r *Router) handleBridgeFrame(s *session, f *protocol.Frame) bool {
	switch {
	case f.Hello != nil:
		r.handleHello(s, f.Hello)
	case f.Type == protocol.TypeScreenshot:
		r.routeScreenshot(s, f)
	case f.IsTelemetry():
		r.routeEvent(s, f)
	default:
		r.violation(s, fmt.Errorf("%w: %s from bridge", protocol.ErrUnknownType, f.Type))
		return false
	}
	return true
}

func (r *Router) handleConsumerFrame(s *session, f *protocol.Frame) bool {
	switch {
	case f.Subscribe != nil:
		r.handleSubscribe(s, f.Subscribe)
	case f.Type == protocol.TypeControl:
		// Only control is throttled; it is the one frame that fans out to bridges.
		if s.limiter != nil && !s.limiter.Allow() {
			r.throttleControl(s, f)
			return true
		}
		r.relayControl(s, f)
	default:
		r.violation(s, fmt.Errorf("%w: %s from consumer", protocol.ErrUnknownType, f.Type))
		return false
	}
	return true
}

func (r *Router) handleHello(s *session, h *protocol.Hello) {
	caps := protocol.ParseCapabilities(h.Capabilities)
	r.registry.setHello(s, &bridgeInfo{
		capabilities: caps,
		caps:         newCapSet(caps),
		route:        h.Route,
		url:          h.URL,
		platform:     h.Platform,
		projectID:    h.ProjectID,
	})
	r.logger.Info("bridge hello", "client_id", s.clientID, "capabilities", caps,
		"route", h.Route, "url", h.URL, "platform", h.Platform)
	r.reply(s, protocol.HelloAck{Type: protocol.TypeHelloAck, ClientID: s.clientID})
}

func (r *Router) handleSubscribe(s *session, req *protocol.Subscribe) {
	sub := newSubscription(
		protocol.ParseLevels(req.Levels),
		protocol.ParseCapabilities(req.Capabilities),
		protocol.ParseNoiseFilter(req.LLMFilter),
	)
	r.registry.setSubscription(s, sub)
	r.logger.Info("consumer subscribed", "client_id", s.clientID, "levels", sub.levels,
		"capabilities", sub.capabilities, "filter", sub.filter)
	r.reply(s, protocol.SubscribeAck{
		Type:         protocol.TypeSubscribeAck,
		ClientID:     s.clientID,
		Levels:       sub.levels,
		Capabilities: sub.capabilities,
		LLMFilter:    sub.filter,
	})
}

// reply encodes v and queues it for s.
func (r *Router) reply(s *session, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		r.logger.Warn("marshal error", "error", err)
		return
	}
	s.enqueue(data)
}

func (r *Router) subject(s *session, reason string) eventbus.Subject {
	return eventbus.Subject{
		ClientID:   s.clientID,
		Role:       string(s.role),
		RemoteAddr: s.remoteAddr,
		Reason:     reason,
	}
}

// Shutdown stops accepting connections, closes every session with a going
// away code, and waits for connection handlers to return or ctx to end.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	sessions := r.registry.all()
	r.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, reasonShutdown)
	}
	r.logger.Info("closed sessions for shutdown", "count", len(sessions))

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accepting reports whether new connections are admitted.
func (r *Router) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closing
}

// Sessions lists every authenticated session.
func (r *Router) Sessions() []SessionInfo {
	return r.registry.describe()
}

// Stats is a snapshot of router activity.
type Stats struct {
	Bridges   int           `json:"bridges"`
	Consumers int           `json:"consumers"`
	Pending   int           `json:"pending"`
	Routed    uint64        `json:"routed"`
	Rejected  uint64        `json:"rejected"`
	Relayed   uint64        `json:"relayed"`
	Overload  OverloadState `json:"overload"`
}

// Stats returns current counters.
func (r *Router) Stats() Stats {
	bridges, consumers, pending := r.registry.counts()
	return Stats{
		Bridges:   bridges,
		Consumers: consumers,
		Pending:   pending,
		Routed:    r.routed.Load(),
		Rejected:  r.rejected.Load(),
		Relayed:   r.relayed.Load(),
		Overload:  r.overload.state(),
	}
}
