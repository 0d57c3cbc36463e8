package router

import (
	"fmt"
	"time"

	"github.com/jestevery/code-bridge/host/internal/eventbus"
	"github.com/jestevery/code-bridge/pkg/protocol"
)

// admit counts one inclusion attempt against the overload window and runs
// the inclusion test for it.
func (r *Router) admit(from *session, e *protocol.Event, sub *subscription, senderCaps capSet) bool {
	// Consumers that never subscribed run with filter off, which shedding
	// never touches, so they are not counted either.
	if sub == defaultSubscription {
		return admits(e, sub, senderCaps, false)
	}
	over, entered := r.overload.hit()
	if entered {
		st := r.overload.state()
		r.logger.Warn("overload window exceeded, shedding to errors only",
			"count", st.Count, "limit", st.Limit, "window", st.Window)
		r.bus.PublishSubject(eventbus.OverloadEntered, eventbus.Subject{
			ClientID: from.clientID, Role: string(from.role), Count: st.Count,
		})
	}
	return admits(e, sub, senderCaps, over)
}

// interested computes, once, the consumers that should receive e.
func (r *Router) interested(from *session, e *protocol.Event) []*session {
	senderCaps, consumers := r.registry.routingSnapshot(from)
	var out []*session
	for _, c := range consumers {
		if c.s.closed() {
			continue
		}
		if r.admit(from, e, c.sub, senderCaps) {
			out = append(out, c.s)
		}
	}
	return out
}

// fanOut queues raw for every target and returns how many accepted it.
func fanOut(raw []byte, targets []*session) int {
	sent := 0
	for _, t := range targets {
		if t.enqueue(raw) {
			sent++
		}
	}
	return sent
}

// routeEvent forwards a telemetry frame verbatim to every interested consumer.
func (r *Router) routeEvent(from *session, f *protocol.Frame) {
	sent := fanOut(f.Raw, r.interested(from, f.Event))
	if sent > 0 {
		r.routed.Add(uint64(sent))
		r.logger.Debug("routed event", "client_id", from.clientID, "type", f.Type,
			"level", f.Event.Level, "consumers", sent)
	}
}

// routeScreenshot runs the stricter screenshot pipeline: capability, rate
// window, interested consumers, then shape. The bridge's rate clock only
// advances once all four pass.
func (r *Router) routeScreenshot(from *session, f *protocol.Frame) {
	senderCaps, _ := r.registry.routingSnapshot(from)
	if !senderCaps[protocol.CapScreenshot] {
		r.rejectScreenshot(from, protocol.RateLimitNotice{
			Reason:  protocol.ReasonMissingCapability,
			Message: "Screenshot capability not advertised in hello",
		})
		return
	}

	now := r.now()
	if wait := r.registry.screenshotWait(from, now, r.opts.ScreenshotInterval); wait > 0 {
		secs := int64((wait + time.Second - 1) / time.Second)
		r.rejectScreenshot(from, protocol.RateLimitNotice{
			Reason:       protocol.ReasonRateLimit,
			Message:      fmt.Sprintf("Screenshot rate limit: wait %ds before next screenshot", secs),
			RetryAfterMs: wait.Milliseconds(),
		})
		return
	}

	targets := r.interested(from, f.Event)
	if len(targets) == 0 {
		r.rejectScreenshot(from, protocol.RateLimitNotice{
			Reason:  protocol.ReasonNoConsumers,
			Message: "No consumers subscribed to screenshot capability",
		})
		return
	}

	if err := protocol.ValidateScreenshot(f.Event); err != nil {
		r.rejectScreenshot(from, protocol.RateLimitNotice{
			Reason:  protocol.ReasonInvalidFormat,
			Message: fmt.Sprintf("Screenshot rejected: %v", err),
		})
		return
	}

	r.registry.markScreenshot(from, now)
	sent := fanOut(f.Raw, targets)
	r.routed.Add(uint64(sent))
	r.logger.Info("routed screenshot", "client_id", from.clientID, "consumers", sent,
		"mime", f.Event.Mime, "kb", (len(f.Event.Data)+1023)/1024)
}

func (r *Router) rejectScreenshot(from *session, notice protocol.RateLimitNotice) {
	notice.Type = protocol.TypeRateLimitNotice
	r.rejected.Add(1)
	r.logger.Info("screenshot rejected", "client_id", from.clientID, "reason", notice.Reason,
		"retry_after_ms", notice.RetryAfterMs)
	r.bus.PublishSubject(eventbus.ScreenshotRejected, r.subject(from, string(notice.Reason)))
	r.reply(from, notice)
}

// relayControl forwards a consumer's control frame verbatim to every
// control-capable bridge and tells the consumer how many received it.
func (r *Router) relayControl(from *session, f *protocol.Frame) {
	targets := r.registry.controlBridges()
	if len(targets) == 0 {
		r.logger.Info("control not relayed, no control bridge", "client_id", from.clientID)
		r.bus.PublishSubject(eventbus.ControlUndelivered, r.subject(from, protocol.ReasonNoControlBridge))
		r.reply(from, protocol.ControlError{
			Type:    protocol.TypeControlError,
			Reason:  protocol.ReasonNoControlBridge,
			Message: "No bridge with control capability is connected",
		})
		return
	}

	delivered := fanOut(f.Raw, targets)
	r.relayed.Add(uint64(delivered))
	r.logger.Info("control relayed", "client_id", from.clientID, "id", f.Control.ID,
		"action", f.Control.Action, "bridges", delivered)
	sub := r.subject(from, f.Control.Action)
	sub.Count = delivered
	r.bus.PublishSubject(eventbus.ControlRelayed, sub)
	r.reply(from, protocol.ControlAck{Type: protocol.TypeControlAck, Delivered: delivered})
}

// throttleControl answers a control frame the consumer's rate budget refused.
func (r *Router) throttleControl(from *session, f *protocol.Frame) {
	r.logger.Debug("control rate limited", "client_id", from.clientID, "id", f.Control.ID)
	r.bus.PublishSubject(eventbus.ControlUndelivered, r.subject(from, protocol.ReasonControlRateLimited))
	r.reply(from, protocol.ControlError{
		Type:    protocol.TypeControlError,
		Reason:  protocol.ReasonControlRateLimited,
		Message: "Too many control requests, slow down",
	})
}
