package ratelimit

import (
	"sync"
	"time"
)

// Limiter is the mutable admission state for one (rule, caller) pair.
// Exactly one algorithm is active per instance; Allow and RetryAfter
// serialize on the instance's own mutex, never on a shared lock, so
// unrelated callers and rules do not contend.
//
// The caller supplies the current time, which keeps the algorithms
// deterministic and directly testable.
type Limiter struct {
	mu   sync.Mutex
	rule Rule

	// Window-counter algorithms.
	windowStart time.Time
	count       int
	lastAdmit   time.Time

	// Sliding window.
	stamps []time.Time

	// Token bucket.
	tokens     float64
	lastRefill time.Time
}

// NewLimiter creates admission state for the given rule. Token buckets
// start full.
func NewLimiter(rule Rule) *Limiter {
	l := &Limiter{rule: rule}
	if rule.Algorithm == TokenBucket && rule.MaxRequests > 0 {
		l.tokens = float64(rule.MaxRequests)
	}
	return l
}

// Rule returns the rule this limiter enforces.
func (l *Limiter) Rule() Rule { return l.rule }

// Allow reports whether a request arriving at now is admitted, consuming
// capacity when it is. The check-and-mutate is atomic per instance.
func (l *Limiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.rule.Algorithm {
	case FixedWindow:
		return l.allowFixed(now)
	case UserFixedWindow:
		return l.allowUserFixed(now)
	case CooldownFixedWindow:
		return l.allowCooldownFixed(now)
	case CooldownUserFixedWindow:
		return l.allowCooldownUserFixed(now)
	case SlidingWindow:
		return l.allowSliding(now)
	case TokenBucket:
		return l.allowToken(now)
	default:
		return false
	}
}

// RetryAfter reports how long after now the next request becomes admissible,
// or 0 if one would be admitted right away. It does not consume capacity.
// For a rule with MaxRequests <= 0, which never admits, the configured
// window is reported as a conventional hint.
func (l *Limiter) RetryAfter(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rule.MaxRequests <= 0 {
		return clampDur(l.rule.Window)
	}

	switch l.rule.Algorithm {
	case FixedWindow:
		return l.retryFixed(now)
	case UserFixedWindow:
		return l.retryUserFixed(now)
	case CooldownFixedWindow, CooldownUserFixedWindow:
		return l.retryCooldown(now)
	case SlidingWindow:
		return l.retrySliding(now)
	case TokenBucket:
		return l.retryToken(now)
	default:
		return 0
	}
}

// alignWindow returns the wall-clock-aligned window start containing now.
// A non-positive window degrades alignment to a no-op: every instant is its
// own window (this also guards the division inherent in alignment).
func alignWindow(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return now
	}
	return now.Truncate(window)
}

func (l *Limiter) allowFixed(now time.Time) bool {
	start := alignWindow(now, l.rule.Window)
	if !start.Equal(l.windowStart) {
		l.windowStart = start
		l.count = 0
	}
	return l.admit(now)
}

func (l *Limiter) allowUserFixed(now time.Time) bool {
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.rule.Window {
		l.windowStart = now
		l.count = 0
	}
	return l.admit(now)
}

// allowCooldownFixed resets an exhausted counter only when both a window
// boundary has passed and a full window has elapsed since the last admitted
// request. Denied attempts do not refresh the cooldown.
func (l *Limiter) allowCooldownFixed(now time.Time) bool {
	start := alignWindow(now, l.rule.Window)
	if !start.Equal(l.windowStart) && l.cooledDown(now) {
		l.windowStart = start
		l.count = 0
	}
	return l.admit(now)
}

func (l *Limiter) allowCooldownUserFixed(now time.Time) bool {
	expired := l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.rule.Window
	if expired && l.cooledDown(now) {
		l.windowStart = now
		l.count = 0
	}
	return l.admit(now)
}

// admit consumes one slot of the current window if capacity remains.
func (l *Limiter) admit(now time.Time) bool {
	if l.count >= l.rule.MaxRequests {
		return false
	}
	l.count++
	l.lastAdmit = now
	return true
}

func (l *Limiter) cooledDown(now time.Time) bool {
	return l.lastAdmit.IsZero() || now.Sub(l.lastAdmit) >= l.rule.Window
}

func (l *Limiter) allowSliding(now time.Time) bool {
	l.pruneStamps(now)
	if len(l.stamps) >= l.rule.MaxRequests {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// pruneStamps drops entries a full window old. An entry expires exactly one
// window after it was recorded, which keeps RetryAfter consistent: a retry
// at the reported instant is admitted.
func (l *Limiter) pruneStamps(now time.Time) {
	i := 0
	for i < len(l.stamps) && now.Sub(l.stamps[i]) >= l.rule.Window {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

func (l *Limiter) allowToken(now time.Time) bool {
	l.refillTokens(now)
	if l.rule.MaxRequests <= 0 {
		return false
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// refillTokens accrues tokens linearly at MaxRequests/Window, capped at
// MaxRequests. The first call only anchors the refill clock: the bucket
// starts full.
func (l *Limiter) refillTokens(now time.Time) {
	capacity := float64(l.rule.MaxRequests)
	if l.rule.Window <= 0 {
		l.tokens = capacity
		l.lastRefill = now
		return
	}
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.tokens += float64(elapsed) * capacity / float64(l.rule.Window)
	if l.tokens > capacity {
		l.tokens = capacity
	}
	l.lastRefill = now
}

func (l *Limiter) retryFixed(now time.Time) time.Duration {
	start := alignWindow(now, l.rule.Window)
	if !start.Equal(l.windowStart) || l.count < l.rule.MaxRequests {
		return 0
	}
	return clampDur(start.Add(l.rule.Window).Sub(now))
}

func (l *Limiter) retryUserFixed(now time.Time) time.Duration {
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.rule.Window {
		return 0
	}
	if l.count < l.rule.MaxRequests {
		return 0
	}
	return clampDur(l.windowStart.Add(l.rule.Window).Sub(now))
}

// retryCooldown covers both cooldown variants: re-admission requires the
// window to have run out and the cooldown since the last admitted request
// to have elapsed, whichever is later. Since the last admit always falls
// inside the current window, the cooldown dominates.
func (l *Limiter) retryCooldown(now time.Time) time.Duration {
	if l.count < l.rule.MaxRequests {
		return 0
	}
	if l.cooledDown(now) {
		return 0
	}
	boundary := l.windowStart.Add(l.rule.Window)
	ready := l.lastAdmit.Add(l.rule.Window)
	if boundary.After(ready) {
		ready = boundary
	}
	return clampDur(ready.Sub(now))
}

func (l *Limiter) retrySliding(now time.Time) time.Duration {
	live := 0
	var oldest time.Time
	for _, stamp := range l.stamps {
		if now.Sub(stamp) >= l.rule.Window {
			continue
		}
		if live == 0 {
			oldest = stamp
		}
		live++
	}
	if live < l.rule.MaxRequests {
		return 0
	}
	return clampDur(oldest.Add(l.rule.Window).Sub(now))
}

func (l *Limiter) retryToken(now time.Time) time.Duration {
	level := l.tokens
	if l.rule.Window <= 0 {
		level = float64(l.rule.MaxRequests)
	} else if !l.lastRefill.IsZero() {
		if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
			level += float64(elapsed) * float64(l.rule.MaxRequests) / float64(l.rule.Window)
			if level > float64(l.rule.MaxRequests) {
				level = float64(l.rule.MaxRequests)
			}
		}
	}
	if level >= 1 {
		return 0
	}
	return time.Duration((1 - level) * float64(l.rule.Window) / float64(l.rule.MaxRequests))
}

func clampDur(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
