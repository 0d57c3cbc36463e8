package host

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jestevery/code-bridge/host/internal/eventbus"
	"github.com/jestevery/code-bridge/host/internal/store"
)

// recorder persists lifecycle events from the bus so connection goroutines
// never wait on the database.
type recorder struct {
	store  store.Store
	events chan eventbus.Event
	logger *slog.Logger
	done   chan struct{}
}

func newRecorder(s store.Store, bus *eventbus.Bus, logger *slog.Logger) *recorder {
	return &recorder{
		store:  s,
		events: bus.Subscribe(1024),
		logger: logger.With("component", "audit"),
		done:   make(chan struct{}),
	}
}

// run writes events until the bus closes the subscription.
func (r *recorder) run() {
	defer close(r.done)
	for e := range r.events {
		r.record(e)
	}
}

func (r *recorder) record(e eventbus.Event) {
	var subj eventbus.Subject
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &subj); err != nil {
			r.logger.Warn("undecodable bus event", "type", e.Type, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:         uuid.New().String(),
		Action:     e.Type,
		ClientID:   subj.ClientID,
		Role:       subj.Role,
		RemoteAddr: subj.RemoteAddr,
		Detail:     json.RawMessage(e.Data),
		CreatedAt:  e.Timestamp,
	})
	if err != nil {
		r.logger.Warn("failed to record audit event", "type", e.Type, "error", err)
	}
}

// wait blocks until the recorder has drained or the timeout passes.
func (r *recorder) wait(timeout time.Duration) {
	select {
	case <-r.done:
	case <-time.After(timeout):
		r.logger.Warn("audit recorder did not drain in time")
	}
}
