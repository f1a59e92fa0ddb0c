package ratelimit

import "time"

// Rule defines one rate limit: how many requests a caller may make per
// window, and which algorithm enforces it. Rules are bound either as the
// registry's default (applied to every request) or to a path pattern
// (applied when the pattern matches the request path).
type Rule struct {
	// Key distinguishes this rule from other rules checked on the same
	// request. Each (rule key, caller key) pair gets its own state.
	Key string

	// MaxRequests is the admission capacity per window. Zero or negative
	// capacity denies every request.
	MaxRequests int

	// Window is the time span the capacity applies to.
	Window time.Duration

	// Algorithm selects the admission strategy.
	Algorithm Algorithm
}
