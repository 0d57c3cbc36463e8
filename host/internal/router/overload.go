package router

import (
	"sync"
	"time"
)

// overloadGuard counts inclusion attempts across every consumer in a fixed
// window. Once the count passes the limit the window is shedding until it
// rolls over.
type overloadGuard struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu       sync.Mutex
	start    time.Time
	count    int
	shedding bool
}

func newOverloadGuard(window time.Duration, limit int, now func() time.Time) *overloadGuard {
	return &overloadGuard{
		window: window,
		limit:  limit,
		now:    now,
		start:  now(),
	}
}

// hit records one attempt. It reports whether the window is over its limit
// and whether this attempt is the one that tipped it over.
func (g *overloadGuard) hit() (over, entered bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.start) > g.window {
		g.start = now
		g.count = 0
		g.shedding = false
	}
	g.count++
	over = g.count > g.limit
	if over && !g.shedding {
		g.shedding = true
		entered = true
	}
	return over, entered
}

// OverloadState is a point-in-time view of the overload window.
type OverloadState struct {
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window_ns"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	Shedding    bool          `json:"shedding"`
}

func (g *overloadGuard) state() OverloadState {
	g.mu.Lock()
	defer g.mu.Unlock()
	shedding := g.shedding && g.now().Sub(g.start) <= g.window
	return OverloadState{
		WindowStart: g.start,
		Window:      g.window,
		Count:       g.count,
		Limit:       g.limit,
		Shedding:    shedding,
	}
}
