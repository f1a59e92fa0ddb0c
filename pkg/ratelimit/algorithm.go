// Package ratelimit provides per-key request admission control with six
// interchangeable windowing/token algorithms and a registry that composes
// a default rule with path-pattern-bound rules.
package ratelimit

import (
	"fmt"
	"strings"
)

// Algorithm selects one admission-control strategy. Each Limiter instance
// runs exactly one algorithm; the state fields irrelevant to it stay unused.
type Algorithm uint8

const (
	// FixedWindow counts requests inside wall-clock-aligned windows.
	FixedWindow Algorithm = iota

	// UserFixedWindow counts requests inside windows anchored to the
	// caller's own first request, not wall-clock boundaries.
	UserFixedWindow

	// CooldownFixedWindow is FixedWindow with a stricter reset: an
	// exhausted counter recovers only after a full window of quiet since
	// the last admitted request, so bursts cannot straddle a boundary.
	CooldownFixedWindow

	// CooldownUserFixedWindow applies the same cooldown reset to
	// caller-anchored windows.
	CooldownUserFixedWindow

	// SlidingWindow admits while fewer than max requests fall inside the
	// trailing window, with no discrete reset.
	SlidingWindow

	// TokenBucket refills fractional tokens linearly at max/window and
	// admits while at least one token is available.
	TokenBucket
)

// String returns the snake_case name of the algorithm, matching the config
// file encoding.
func (a Algorithm) String() string {
	switch a {
	case FixedWindow:
		return "fixed_window"
	case UserFixedWindow:
		return "user_fixed_window"
	case CooldownFixedWindow:
		return "cooldown_fixed_window"
	case CooldownUserFixedWindow:
		return "cooldown_user_fixed_window"
	case SlidingWindow:
		return "sliding_window"
	case TokenBucket:
		return "token_bucket"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm converts a config string into an Algorithm. Matching is
// case-insensitive.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed_window":
		return FixedWindow, nil
	case "user_fixed_window":
		return UserFixedWindow, nil
	case "cooldown_fixed_window":
		return CooldownFixedWindow, nil
	case "cooldown_user_fixed_window":
		return CooldownUserFixedWindow, nil
	case "sliding_window":
		return SlidingWindow, nil
	case "token_bucket":
		return TokenBucket, nil
	default:
		return FixedWindow, fmt.Errorf("unknown rate limit algorithm %q", s)
	}
}
