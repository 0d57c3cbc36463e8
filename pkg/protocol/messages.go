// Package protocol defines the wire frames exchanged between code-bridge
// components (bridge ↔ host ↔ consumer) over WebSocket.
//
// Every frame is a single JSON object sent as one WebSocket text message.
// The "type" field selects the frame kind; all other fields sit next to it
// at the top level.
package protocol

import "encoding/json"

// --- Frame type constants ---

const (
	// Handshake
	TypeAuth         = "auth"
	TypeAuthSuccess  = "auth_success"
	TypeHello        = "hello"
	TypeHelloAck     = "hello_ack"
	TypeSubscribe    = "subscribe"
	TypeSubscribeAck = "subscribe_ack"

	// Telemetry (bridge → host → consumers)
	TypeConsole    = "console"
	TypeLog        = "log"
	TypeError      = "error"
	TypePageview   = "pageview"
	TypeScreenshot = "screenshot"
	TypeNetwork    = "network"
	TypeNavigation = "navigation"

	// Policy
	TypeRateLimitNotice = "rate_limit_notice"

	// Remote control
	TypeControl       = "control"        // consumer → host → bridges
	TypeControlAck    = "control_ack"    // host → consumer
	TypeControlError  = "control_error"  // host → consumer
	TypeControlResult = "control_result" // bridge → host → consumers

	// Heartbeat
	TypePing = "ping"
	TypePong = "pong"
)

// ProtocolVersion is advertised by clients in their hello frame.
const ProtocolVersion = 2

// --- Handshake frames ---

// Auth is the first frame every client must send.
type Auth struct {
	Type     string `json:"type"`
	Secret   string `json:"secret"`
	Role     Role   `json:"role,omitempty"` // empty means bridge
	ClientID string `json:"clientId,omitempty"`
}

// AuthSuccess confirms authentication and echoes the resolved identity.
type AuthSuccess struct {
	Type     string `json:"type"`
	Role     Role   `json:"role"`
	ClientID string `json:"clientId"`
}

// Hello declares a bridge's capabilities and current location.
type Hello struct {
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	Route        string   `json:"route,omitempty"`
	URL          string   `json:"url,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	ProjectID    string   `json:"projectId,omitempty"`
	Protocol     int      `json:"protocol,omitempty"`
}

// HelloAck acknowledges a hello frame.
type HelloAck struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// Subscribe sets a consumer's routing preferences. Nil slices mean the
// field was absent.
type Subscribe struct {
	Type         string   `json:"type"`
	Levels       []string `json:"levels,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	LLMFilter    string   `json:"llm_filter,omitempty"`
}

// SubscribeAck reports the subscription the host actually applied.
type SubscribeAck struct {
	Type         string              `json:"type"`
	ClientID     string              `json:"clientId"`
	Levels       []SubscriptionLevel `json:"levels"`
	Capabilities []Capability        `json:"capabilities"`
	LLMFilter    NoiseFilter         `json:"llm_filter"`
}

// --- Telemetry ---

// Event is a telemetry frame authored by a bridge. The host only inspects
// the routing fields and forwards the original bytes untouched.
type Event struct {
	Type        string          `json:"type"`
	Level       Level           `json:"level,omitempty"`
	Message     string          `json:"message,omitempty"`
	Stack       string          `json:"stack,omitempty"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
	Platform    string          `json:"platform,omitempty"`
	ProjectID   string          `json:"projectId,omitempty"`
	Breadcrumbs []Breadcrumb    `json:"breadcrumbs,omitempty"`

	// Screenshot payload.
	Mime string `json:"mime,omitempty"`
	Data string `json:"data,omitempty"`
}

// Breadcrumb is a recent log line attached to an error event.
type Breadcrumb struct {
	Timestamp int64  `json:"timestamp"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
}

// RateLimitNotice tells a bridge why one of its frames was not routed.
type RateLimitNotice struct {
	Type         string       `json:"type"`
	Reason       RejectReason `json:"reason"`
	Message      string       `json:"message"`
	RetryAfterMs int64        `json:"retryAfterMs,omitempty"`
}

// --- Remote control ---

// Control is a consumer request forwarded verbatim to control-capable bridges.
type Control struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Action    string          `json:"action,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Code      string          `json:"code,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// ControlAck reports how many bridges a control frame was written to.
type ControlAck struct {
	Type      string `json:"type"`
	Delivered int    `json:"delivered"`
}

// ControlError reports that a control frame could not be relayed.
type ControlError struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ControlResult is a bridge's answer to a control request.
type ControlResult struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ControlFailure `json:"error,omitempty"`
}

// ControlFailure describes why a bridge failed to execute a control request.
type ControlFailure struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// control_error reasons.
const (
	ReasonNoControlBridge    = "no_control_bridge"
	ReasonControlRateLimited = "rate_limited"
)

// --- Heartbeat ---

// Ping/Pong for application-level liveness.
type Ping struct {
	Type string `json:"type"`
}
type Pong struct {
	Type string `json:"type"`
}
