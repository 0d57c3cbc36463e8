package router

import (
	"sort"
	"sync"
	"time"

	"github.com/jestevery/code-bridge/pkg/protocol"
)

type capSet map[protocol.Capability]bool

func newCapSet(caps []protocol.Capability) capSet {
	set := make(capSet, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// bridgeInfo is what a bridge declared in its latest hello. Values are
// replaced whole, never mutated, so readers can keep a pointer.
type bridgeInfo struct {
	capabilities []protocol.Capability
	caps         capSet
	route        string
	url          string
	platform     string
	projectID    string
}

// subscription is a consumer's routing preferences. Replaced whole on every
// subscribe frame.
type subscription struct {
	levels       []protocol.SubscriptionLevel
	capabilities []protocol.Capability
	caps         capSet
	filter       protocol.NoiseFilter
}

// defaultSubscription applies until a consumer subscribes: errors only, no
// gated capabilities, no noise filter.
var defaultSubscription = newSubscription(nil, nil, protocol.FilterOff)

func newSubscription(levels []protocol.SubscriptionLevel, caps []protocol.Capability, filter protocol.NoiseFilter) *subscription {
	if len(levels) == 0 {
		levels = []protocol.SubscriptionLevel{protocol.SubErrors}
	}
	if caps == nil {
		caps = []protocol.Capability{}
	}
	return &subscription{
		levels:       levels,
		capabilities: caps,
		caps:         newCapSet(caps),
		filter:       filter,
	}
}

type consumerEntry struct {
	s   *session
	sub *subscription
}

// registry owns every piece of per-session state behind one lock. Only the
// owning connection goroutine mutates a session's entries; fan-out reads a
// snapshot.
type registry struct {
	mu         sync.RWMutex
	conns      map[*session]struct{} // every accepted socket, authenticated or not
	bridges    map[*session]*bridgeInfo
	consumers  map[*session]*subscription
	lastShotAt map[*session]time.Time
}

func newRegistry() *registry {
	return &registry{
		conns:      make(map[*session]struct{}),
		bridges:    make(map[*session]*bridgeInfo),
		consumers:  make(map[*session]*subscription),
		lastShotAt: make(map[*session]time.Time),
	}
}

func (r *registry) accept(s *session) {
	r.mu.Lock()
	r.conns[s] = struct{}{}
	r.mu.Unlock()
}

// enter inserts an authenticated session into its role's set.
func (r *registry) enter(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch s.role {
	case protocol.RoleBridge:
		r.bridges[s] = &bridgeInfo{caps: capSet{}}
	case protocol.RoleConsumer:
		r.consumers[s] = defaultSubscription
	}
}

// leave drops the session from every map in one step.
func (r *registry) leave(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, s)
	delete(r.bridges, s)
	delete(r.consumers, s)
	delete(r.lastShotAt, s)
}

func (r *registry) setHello(s *session, info *bridgeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bridges[s]; ok {
		r.bridges[s] = info
	}
}

func (r *registry) setSubscription(s *session, sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consumers[s]; ok {
		r.consumers[s] = sub
	}
}

// routingSnapshot returns the sender's declared capabilities and every live
// consumer with its current subscription.
func (r *registry) routingSnapshot(sender *session) (capSet, []consumerEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var caps capSet
	if info, ok := r.bridges[sender]; ok {
		caps = info.caps
	}
	consumers := make([]consumerEntry, 0, len(r.consumers))
	for s, sub := range r.consumers {
		consumers = append(consumers, consumerEntry{s: s, sub: sub})
	}
	return caps, consumers
}

// controlBridges returns every bridge that declared the control capability.
func (r *registry) controlBridges() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*session
	for s, info := range r.bridges {
		if info.caps[protocol.CapControl] {
			out = append(out, s)
		}
	}
	return out
}

// screenshotWait returns how long the bridge must still wait before its next
// screenshot is accepted, or zero.
func (r *registry) screenshotWait(s *session, now time.Time, interval time.Duration) time.Duration {
	r.mu.RLock()
	last, ok := r.lastShotAt[s]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	if elapsed := now.Sub(last); elapsed < interval {
		return interval - elapsed
	}
	return 0
}

func (r *registry) markScreenshot(s *session, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bridges[s]; ok {
		r.lastShotAt[s] = at
	}
}

func (r *registry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.conns))
	for s := range r.conns {
		out = append(out, s)
	}
	return out
}

func (r *registry) counts() (bridges, consumers, pending int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bridges, consumers = len(r.bridges), len(r.consumers)
	return bridges, consumers, len(r.conns) - bridges - consumers
}

// SessionInfo describes one authenticated connection.
type SessionInfo struct {
	ClientID    string    `json:"client_id"`
	Role        string    `json:"role"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`

	// Bridge
	Capabilities     []protocol.Capability `json:"capabilities,omitempty"`
	Route            string                `json:"route,omitempty"`
	URL              string                `json:"url,omitempty"`
	Platform         string                `json:"platform,omitempty"`
	ProjectID        string                `json:"project_id,omitempty"`
	LastScreenshotAt *time.Time            `json:"last_screenshot_at,omitempty"`

	// Consumer
	Levels                 []protocol.SubscriptionLevel `json:"levels,omitempty"`
	SubscribedCapabilities []protocol.Capability        `json:"subscribed_capabilities,omitempty"`
	LLMFilter              protocol.NoiseFilter         `json:"llm_filter,omitempty"`

	DroppedFrames uint64 `json:"dropped_frames,omitempty"`
}

func (r *registry) describe() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.bridges)+len(r.consumers))
	for s, info := range r.bridges {
		si := baseInfo(s)
		si.Capabilities = info.capabilities
		si.Route, si.URL = info.route, info.url
		si.Platform, si.ProjectID = info.platform, info.projectID
		if at, ok := r.lastShotAt[s]; ok {
			si.LastScreenshotAt = &at
		}
		out = append(out, si)
	}
	for s, sub := range r.consumers {
		si := baseInfo(s)
		si.Levels = sub.levels
		si.SubscribedCapabilities = sub.capabilities
		si.LLMFilter = sub.filter
		out = append(out, si)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func baseInfo(s *session) SessionInfo {
	return SessionInfo{
		ClientID:      s.clientID,
		Role:          string(s.role),
		RemoteAddr:    s.remoteAddr,
		ConnectedAt:   s.connectedAt,
		DroppedFrames: s.dropped.Load(),
	}
}
