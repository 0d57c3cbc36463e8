package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned for bytes that are not a JSON object.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for a type the protocol does not define.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)

// Frame is a decoded inbound frame. Exactly one of the typed pointers is
// set, chosen by Type; heartbeat frames set none.
type Frame struct {
	Type string
	Raw  []byte // exact bytes received, forwarded verbatim

	Auth      *Auth
	Hello     *Hello
	Subscribe *Subscribe
	Event     *Event
	Control   *Control
}

// IsTelemetry reports whether the frame is routed from a bridge to consumers.
func (f *Frame) IsTelemetry() bool {
	return f.Event != nil
}

// Decode parses one inbound frame and validates the fields its kind requires.
func Decode(raw []byte) (*Frame, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil || *head.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	f := &Frame{Type: strings.ToLower(*head.Type), Raw: raw}

	var target any
	switch f.Type {
	case TypeAuth:
		f.Auth = &Auth{}
		target = f.Auth
	case TypeHello:
		f.Hello = &Hello{}
		target = f.Hello
	case TypeSubscribe:
		f.Subscribe = &Subscribe{}
		target = f.Subscribe
	case TypeConsole, TypeLog, TypeError, TypePageview, TypeScreenshot,
		TypeNetwork, TypeNavigation, TypeControlResult:
		if err := decodeEvent(f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeControl:
		// Consumers relay control to bridges; a bridge may also emit it as
		// gated telemetry, so both views are decoded.
		if err := decodeControl(f); err != nil {
			return nil, err
		}
		if err := decodeEvent(f); err != nil {
			return nil, err
		}
		return f, nil
	case TypePing, TypePong:
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: invalid %s frame: %v", ErrMalformed, f.Type, err)
	}
	return f, nil
}

// decodeEvent reads only the fields routing needs. Breadcrumbs and any
// SDK-specific extras stay in Raw and are never parsed by the host.
func decodeEvent(f *Frame) error {
	var head struct {
		Level     string          `json:"level"`
		Message   json.RawMessage `json:"message"`
		Timestamp json.RawMessage `json:"timestamp"`
		Platform  string          `json:"platform"`
		ProjectID string          `json:"projectId"`
		Mime      string          `json:"mime"`
		Data      string          `json:"data"`
	}
	if err := json.Unmarshal(f.Raw, &head); err != nil {
		return fmt.Errorf("%w: invalid %s frame: %v", ErrMalformed, f.Type, err)
	}
	e := &Event{
		Type:      f.Type,
		Level:     Level(strings.ToLower(head.Level)),
		Timestamp: head.Timestamp,
		Platform:  head.Platform,
		ProjectID: head.ProjectID,
		Mime:      head.Mime,
		Data:      head.Data,
	}
	// Message is informational; accept non-string payloads without failing.
	_ = json.Unmarshal(head.Message, &e.Message)
	f.Event = e
	return nil
}

// decodeControl reads the correlation fields only; the payload is opaque to
// the host and relayed as received.
func decodeControl(f *Frame) error {
	var head struct {
		ID     json.RawMessage `json:"id"`
		Action json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(f.Raw, &head); err != nil {
		return fmt.Errorf("%w: invalid %s frame: %v", ErrMalformed, f.Type, err)
	}
	c := &Control{Type: f.Type}
	if err := json.Unmarshal(head.ID, &c.ID); err != nil && len(head.ID) > 0 {
		c.ID = string(head.ID)
	}
	_ = json.Unmarshal(head.Action, &c.Action)
	f.Control = c
	return nil
}

// ValidateScreenshot checks the fields a screenshot must carry before it
// can be routed.
func ValidateScreenshot(e *Event) error {
	var missing []string
	if e.Mime == "" {
		missing = append(missing, "mime")
	}
	if e.Data == "" {
		missing = append(missing, "data")
	}
	if !present(e.Timestamp) {
		missing = append(missing, "timestamp")
	}
	if e.Platform == "" {
		missing = append(missing, "platform")
	}
	if e.ProjectID == "" {
		missing = append(missing, "projectId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}

// present treats null, zero, false and the empty string as absent.
func present(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	switch string(v) {
	case "", "null", "0", `""`, "false":
		return false
	}
	return true
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
