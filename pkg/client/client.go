// Package client connects a bridge or consumer to a code-bridge host over
// WebSocket, keeping the connection alive across host restarts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jestevery/code-bridge/pkg/protocol"
)

var (
	// ErrNotConnected is returned by Send while no authenticated connection exists.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthRejected is returned by Run when the host refuses the credentials.
	// Retrying with the same secret cannot succeed.
	ErrAuthRejected = errors.New("authentication rejected")
)

// Message is one frame received from the host.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// MessageHandler processes frames received from the host. It runs on the
// read goroutine; slow handlers delay heartbeats.
type MessageHandler func(msg Message)

// Options configures a Client.
type Options struct {
	URL      string
	Secret   string
	Role     protocol.Role
	ClientID string

	// Replayed after every successful authentication.
	Hello     *protocol.Hello     // bridges
	Subscribe *protocol.Subscribe // consumers

	MinBackoff   time.Duration // default 1s
	MaxBackoff   time.Duration // default 30s
	PingInterval time.Duration // default 15s
	PongTimeout  time.Duration // default 30s
	AuthTimeout  time.Duration // default 10s
}

func (o *Options) applyDefaults() {
	if o.Role == "" {
		o.Role = protocol.RoleBridge
	}
	if o.MinBackoff == 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.PongTimeout == 0 {
		o.PongTimeout = 30 * time.Second
	}
	if o.AuthTimeout == 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.Hello != nil && o.Hello.Protocol == 0 {
		h := *o.Hello
		h.Protocol = protocol.ProtocolVersion
		o.Hello = &h
	}
}

// Client manages one logical connection to the host.
type Client struct {
	opts    Options
	handler MessageHandler
	logger  *slog.Logger
	dialer  websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	clientID string

	lastPong atomic.Int64 // unix nanos
}

// New creates a host client. handler may be nil.
func New(opts Options, handler MessageHandler, logger *slog.Logger) *Client {
	opts.applyDefaults()
	if handler == nil {
		handler = func(Message) {}
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  logger.With("component", "client", "role", opts.Role),
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. It returns ctx's error, or ErrAuthRejected if the
// host refuses the secret.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		authed, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if authed {
			backoff = c.opts.MinBackoff
		}

		delay := backoff
		c.logger.Warn("connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

// connectOnce runs one connection. It reports whether authentication
// succeeded so Run can reset its backoff.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial host: %w", err)
	}
	defer conn.Close()

	clientID, err := c.authenticate(conn)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.clientID = clientID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	switch {
	case c.opts.Hello != nil:
		err = c.Send(c.opts.Hello)
	case c.opts.Subscribe != nil:
		err = c.Send(c.opts.Subscribe)
	}
	if err != nil {
		return true, fmt.Errorf("replay registration: %w", err)
	}
	c.logger.Info("connected to host", "url", c.opts.URL, "client_id", clientID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.lastPong.Store(time.Now().UnixNano())
	go c.heartbeat(sessCtx, conn)
	go func() {
		<-sessCtx.Done()
		// Unblocks ReadMessage on cancellation or heartbeat failure.
		c.writeClose(conn)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			c.logger.Warn("invalid frame from host", "error", err)
			continue
		}
		if head.Type == protocol.TypePong {
			c.lastPong.Store(time.Now().UnixNano())
			continue
		}
		c.handler(Message{Type: head.Type, Raw: data})
	}
}

func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	auth := protocol.Auth{
		Type:     protocol.TypeAuth,
		Secret:   c.opts.Secret,
		Role:     c.opts.Role,
		ClientID: c.opts.ClientID,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
			return "", fmt.Errorf("%w: %s", ErrAuthRejected, ce.Text)
		}
		return "", fmt.Errorf("await auth: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var ok protocol.AuthSuccess
	if err := json.Unmarshal(data, &ok); err != nil || ok.Type != protocol.TypeAuthSuccess {
		return "", fmt.Errorf("unexpected reply to auth: %s", data)
	}
	return ok.ClientID, nil
}

// heartbeat pings the host and drops the connection when pongs stop.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastPong.Load())
			if time.Since(last) > c.opts.PongTimeout {
				c.logger.Warn("no pong from host, reconnecting", "last_pong", last)
				_ = conn.Close()
				return
			}
			if err := c.Send(protocol.Ping{Type: protocol.TypePing}); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

// Send writes one frame to the host.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeClose(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second))
}

// Connected reports whether an authenticated connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ClientID returns the identity the host assigned on the last successful
// authentication.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}
