package router

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jestevery/code-bridge/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	closeWriteWait = time.Second
)

// Close codes and reasons sent to clients.
const (
	reasonAuthTimeout  = "Authentication timeout"
	reasonInvalidAuth  = "Invalid secret"
	reasonAuthRequired = "Authentication required"
	reasonInternal     = "Internal error"
	reasonShutdown     = "host shutting down"
)

// session is one client connection. The read loop in HandleWS owns it; the
// write pump is the only goroutine that writes data frames.
type session struct {
	id          string
	remoteAddr  string
	connectedAt time.Time

	// Set once by the read loop before the session is registered.
	role     protocol.Role
	clientID string
	limiter  *rate.Limiter // consumers only

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	dropped atomic.Uint64
}

func newSession(conn *websocket.Conn, remoteAddr string, buffer int, logger *slog.Logger) *session {
	return &session{
		id:          uuid.New().String(),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// enqueue hands a frame to the write pump without blocking. It reports
// false when the session is closed or its buffer is full.
func (s *session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("send buffer full, dropping frames", "client_id", s.clientID, "dropped", n)
		}
		return false
	}
}

func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("write failed", "client_id", s.clientID, "error", err)
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// close sends a close frame with code and reason, then tears down the socket.
// Only the first call has any effect.
func (s *session) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		}
		_ = s.conn.Close()
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
