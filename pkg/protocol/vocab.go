package protocol

import "strings"

// Role is the identity a client declares during authentication.
type Role string

const (
	RoleBridge   Role = "bridge"
	RoleConsumer Role = "consumer"
)

// Capability is a feature a bridge advertises in its hello frame.
type Capability string

const (
	CapError      Capability = "error"
	CapConsole    Capability = "console"
	CapPageview   Capability = "pageview"
	CapScreenshot Capability = "screenshot"
	CapControl    Capability = "control"
)

var knownCapabilities = map[Capability]bool{
	CapError:      true,
	CapConsole:    true,
	CapPageview:   true,
	CapScreenshot: true,
	CapControl:    true,
}

// GatedCapability reports the capability that gates an event type, if any.
// Only pageview, screenshot and control are capability-restricted.
func GatedCapability(eventType string) (Capability, bool) {
	switch strings.ToLower(eventType) {
	case TypePageview:
		return CapPageview, true
	case TypeScreenshot:
		return CapScreenshot, true
	case TypeControl:
		return CapControl, true
	}
	return "", false
}

// Level is the log level carried by telemetry events.
type Level string

const (
	LevelDebug Level = "debug"
	LevelLog   Level = "log"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Severity orders levels for the noise filter: debug/log < info < warn < error.
// Unrecognised levels rank with info.
func (l Level) Severity() int {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug, LevelLog:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// Tier maps a log level onto the subscription hierarchy.
func (l Level) Tier() SubscriptionLevel {
	switch Level(strings.ToLower(string(l))) {
	case LevelError:
		return SubErrors
	case LevelWarn:
		return SubWarn
	case LevelDebug:
		return SubTrace
	default:
		return SubInfo
	}
}

// SubscriptionLevel is a severity tier a consumer opts into.
type SubscriptionLevel string

const (
	SubErrors SubscriptionLevel = "errors"
	SubWarn   SubscriptionLevel = "warn"
	SubInfo   SubscriptionLevel = "info"
	SubTrace  SubscriptionLevel = "trace"
)

// tierOrder runs from most to least restrictive.
var tierOrder = []SubscriptionLevel{SubErrors, SubWarn, SubInfo, SubTrace}

// Rank returns the tier's index in [errors, warn, info, trace], or -1.
func (s SubscriptionLevel) Rank() int {
	for i, t := range tierOrder {
		if t == s {
			return i
		}
	}
	return -1
}

// NoiseFilter is a consumer's secondary verbosity reduction.
type NoiseFilter string

const (
	FilterOff        NoiseFilter = "off"
	FilterMinimal    NoiseFilter = "minimal"
	FilterAggressive NoiseFilter = "aggressive"
)

// RejectReason explains a rate_limit_notice.
type RejectReason string

const (
	ReasonMissingCapability RejectReason = "missing_capability"
	ReasonRateLimit         RejectReason = "rate_limit"
	ReasonNoConsumers       RejectReason = "no_consumers"
	ReasonInvalidFormat     RejectReason = "invalid_format"
)

// ParseCapabilities lower-cases, de-duplicates and drops unknown names.
func ParseCapabilities(names []string) []Capability {
	out := make([]Capability, 0, len(names))
	seen := make(map[Capability]bool, len(names))
	for _, n := range names {
		c := Capability(strings.ToLower(strings.TrimSpace(n)))
		if !knownCapabilities[c] || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// ParseLevels normalises a subscription level list the same way.
func ParseLevels(names []string) []SubscriptionLevel {
	out := make([]SubscriptionLevel, 0, len(names))
	seen := make(map[SubscriptionLevel]bool, len(names))
	for _, n := range names {
		l := SubscriptionLevel(strings.ToLower(strings.TrimSpace(n)))
		if l.Rank() < 0 || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// ParseNoiseFilter falls back to off for anything unrecognised.
func ParseNoiseFilter(name string) NoiseFilter {
	switch f := NoiseFilter(strings.ToLower(strings.TrimSpace(name))); f {
	case FilterMinimal, FilterAggressive:
		return f
	default:
		return FilterOff
	}
}
