package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func logEvents(t *testing.T, s Store, events ...*AuditEvent) {
	t.Helper()
	for _, e := range events {
		if err := s.LogAuditEvent(context.Background(), e); err != nil {
			t.Fatalf("LogAuditEvent(%s): %v", e.Action, err)
		}
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	logEvents(t, s,
		&AuditEvent{ID: uuid.New().String(), Action: "session.connected", ClientID: "bridge-1", Role: "bridge", CreatedAt: base.Add(-3 * time.Second)},
		&AuditEvent{ID: uuid.New().String(), Action: "auth.failed", RemoteAddr: "127.0.0.1:5000", Detail: json.RawMessage(`{"reason":"Invalid secret"}`), CreatedAt: base.Add(-2 * time.Second)},
		&AuditEvent{ID: uuid.New().String(), Action: "session.disconnected", ClientID: "bridge-1", Role: "bridge", CreatedAt: base.Add(-1 * time.Second)},
	)

	// List all, newest first
	all, err := s.ListAuditEvents(ctx, AuditFilter{Limit: 100})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAuditEvents: got %d, want 3", len(all))
	}
	if all[0].Action != "session.disconnected" {
		t.Errorf("first event = %q, want newest", all[0].Action)
	}
	if string(all[1].Detail) != `{"reason":"Invalid secret"}` {
		t.Errorf("detail = %s", all[1].Detail)
	}

	// List with limit
	limited, err := s.ListAuditEvents(ctx, AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListAuditEvents(limit=2): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("ListAuditEvents(limit=2): got %d, want 2", len(limited))
	}

	// List with offset
	offset, err := s.ListAuditEvents(ctx, AuditFilter{Limit: 100, Offset: 2})
	if err != nil {
		t.Fatalf("ListAuditEvents(offset=2): %v", err)
	}
	if len(offset) != 1 {
		t.Fatalf("ListAuditEvents(offset=2): got %d, want 1", len(offset))
	}
}

func TestAuditEventsFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	logEvents(t, s,
		&AuditEvent{ID: uuid.New().String(), Action: "session.connected", ClientID: "c1", CreatedAt: now},
		&AuditEvent{ID: uuid.New().String(), Action: "session.disconnected", ClientID: "c1", CreatedAt: now},
		&AuditEvent{ID: uuid.New().String(), Action: "session.connected", ClientID: "c2", CreatedAt: now},
		&AuditEvent{ID: uuid.New().String(), Action: "control.relayed", ClientID: "c2", CreatedAt: now},
	)

	tests := []struct {
		name   string
		filter AuditFilter
		want   int
	}{
		{"action prefix", AuditFilter{Action: "session."}, 3},
		{"exact action", AuditFilter{Action: "control.relayed"}, 1},
		{"client", AuditFilter{ClientID: "c1"}, 2},
		{"action and client", AuditFilter{Action: "session.connected", ClientID: "c2"}, 1},
		{"no match", AuditFilter{ClientID: "nobody"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListAuditEvents(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestPurgeOldAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	logEvents(t, s,
		&AuditEvent{ID: uuid.New().String(), Action: "session.connected", CreatedAt: now.Add(-48 * time.Hour)},
		&AuditEvent{ID: uuid.New().String(), Action: "session.connected", CreatedAt: now},
	)

	n, err := s.PurgeOldAuditEvents(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	left, err := s.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Errorf("remaining %d, want 1", len(left))
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("none", "")
	if err != nil || s != nil {
		t.Errorf("Open(none) = %v, %v; want nil, nil", s, err)
	}

	if _, err := Open("mongo", ""); err == nil {
		t.Error("expected error for unknown driver")
	}

	s, err = Open("sqlite", filepath.Join(t.TempDir(), "open.db"))
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer func() { _ = s.Close() }()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
