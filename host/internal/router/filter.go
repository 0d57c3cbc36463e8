package router

import "github.com/jestevery/code-bridge/pkg/protocol"

// admits is the per-consumer inclusion test. Checks run in a fixed order and
// stop at the first failure: noise filter, overload shedding, subscription
// level, capability gate.
func admits(e *protocol.Event, sub *subscription, senderCaps capSet, overloaded bool) bool {
	if !passesNoiseFilter(e.Level, sub.filter) {
		return false
	}
	if overloaded && sub.filter != protocol.FilterOff && e.Level != protocol.LevelError {
		return false
	}
	if !passesLevels(e.Level, sub.levels) {
		return false
	}
	if c, gated := protocol.GatedCapability(e.Type); gated {
		return sub.caps[c] && senderCaps[c]
	}
	return true
}

// passesNoiseFilter drops debug/log under minimal and debug/log/info under
// aggressive. Events without a level, or with one outside the known set,
// always pass.
func passesNoiseFilter(level protocol.Level, filter protocol.NoiseFilter) bool {
	switch filter {
	case protocol.FilterMinimal:
		return level != protocol.LevelDebug && level != protocol.LevelLog
	case protocol.FilterAggressive:
		return level != protocol.LevelDebug && level != protocol.LevelLog && level != protocol.LevelInfo
	default:
		return true
	}
}

// passesLevels reports whether any subscribed tier is at least as permissive
// as the event's tier. Events without a level always pass.
func passesLevels(level protocol.Level, levels []protocol.SubscriptionLevel) bool {
	if level == "" {
		return true
	}
	need := level.Tier().Rank()
	for _, l := range levels {
		if l.Rank() >= need {
			return true
		}
	}
	return false
}
