// Package store defines the audit storage interface for the host and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists host lifecycle events. Telemetry is never stored.
type Store interface {
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	ClientID   string          `json:"client_id,omitempty"`
	Role       string          `json:"role,omitempty"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	Action   string // prefix match
	ClientID string
	Limit    int
	Offset   int
}

const defaultAuditLimit = 50

// Open returns the store selected by driver. The "none" driver yields a nil
// Store; callers treat that as auditing disabled.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
