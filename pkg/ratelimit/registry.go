package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codingphoenixx/simplerequest/pkg/router"
)

// shardCount is the number of caller-key shards. Shard selection hashes the
// caller key so unrelated callers contend on different locks.
const shardCount = 64

// Decision is the outcome of checking every rule applicable to a request.
type Decision struct {
	// Allowed is true only when every applicable rule admitted the request.
	Allowed bool

	// RetryAfter is the earliest wait after which a retry can be admitted
	// by all rules simultaneously. Zero when Allowed.
	RetryAfter time.Duration
}

// binding ties a rule to a compiled path pattern. The rule applies to every
// request whose path matches the pattern.
type binding struct {
	pattern *router.Pattern
	rule    Rule
}

// shard holds the per-caller state maps for a slice of the key space.
type shard struct {
	mu      sync.Mutex
	callers map[string]map[string]*entry
}

// entry pairs a limiter with its last-seen time for idle eviction.
type entry struct {
	lim      *Limiter
	lastSeen time.Time
}

// Registry maps (caller key, rule key) to admission state, created lazily on
// first use (first creator wins). It holds the server-wide default rule plus
// any number of pattern-bound rules; a request is admitted only when every
// applicable rule allows it.
//
// Per-caller state is never evicted unless StartSweeper is running; library
// users with bounded caller cardinality may skip the sweeper entirely.
type Registry struct {
	defaultRule Rule

	bmu      sync.RWMutex
	bindings []binding

	shards [shardCount]shard

	sweepInterval time.Duration
	idleTTL       time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
	once          sync.Once
	logger        *slog.Logger
}

// NewRegistry creates a registry with the given default rule and the default
// sweep settings (interval 5 minutes, idle TTL 1 hour).
func NewRegistry(defaultRule Rule) *Registry {
	return NewRegistryWithConfig(defaultRule, 5*time.Minute, time.Hour)
}

// NewRegistryWithConfig creates a registry with custom sweep settings.
// The sweeper only runs once StartSweeper is called.
func NewRegistryWithConfig(defaultRule Rule, sweepInterval, idleTTL time.Duration) *Registry {
	r := &Registry{
		defaultRule:   defaultRule,
		sweepInterval: sweepInterval,
		idleTTL:       idleTTL,
		stopChan:      make(chan struct{}),
		logger:        slog.Default(),
	}
	for i := range r.shards {
		r.shards[i].callers = make(map[string]map[string]*entry)
	}
	return r
}

// SetLogger replaces the logger used by the background sweeper.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// DefaultRule returns the server-wide default rule.
func (r *Registry) DefaultRule() Rule { return r.defaultRule }

// Bind compiles the template and attaches the rule to it. Every future
// request whose path matches the pattern is additionally checked against
// this rule.
func (r *Registry) Bind(template string, rule Rule) error {
	pattern, err := router.Compile(template)
	if err != nil {
		return err
	}
	r.bmu.Lock()
	r.bindings = append(r.bindings, binding{pattern: pattern, rule: rule})
	r.bmu.Unlock()
	return nil
}

// applicable returns the default rule plus every bound rule whose pattern
// matches the request path.
func (r *Registry) applicable(path string) []Rule {
	path = router.Normalize(path)

	r.bmu.RLock()
	defer r.bmu.RUnlock()

	rules := make([]Rule, 0, 1+len(r.bindings))
	rules = append(rules, r.defaultRule)
	for _, b := range r.bindings {
		if _, ok := b.pattern.Match(path); ok {
			rules = append(rules, b.rule)
		}
	}
	return rules
}

func (r *Registry) shard(callerKey string) *shard {
	return &r.shards[xxhash.Sum64String(callerKey)%shardCount]
}

// states returns the limiter for every applicable rule, creating missing
// ones under the shard lock so two racing requests share the first-created
// state.
func (r *Registry) states(callerKey string, rules []Rule, now time.Time) []*Limiter {
	sh := r.shard(callerKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	byRule := sh.callers[callerKey]
	if byRule == nil {
		byRule = make(map[string]*entry, len(rules))
		sh.callers[callerKey] = byRule
	}

	states := make([]*Limiter, len(rules))
	for i, rule := range rules {
		e := byRule[rule.Key]
		if e == nil {
			e = &entry{lim: NewLimiter(rule)}
			byRule[rule.Key] = e
		}
		e.lastSeen = now
		states[i] = e.lim
	}
	return states
}

// Check evaluates the default rule and every matching bound rule for the
// caller. All applicable states are consulted even after one denies, so
// each rule's counters stay consistent for later RetryAfter queries (and a
// denied rule still gets its chance to reset an expired window). When
// denied, RetryAfter carries the max across all rules: every rule must
// admit simultaneously for a retry to succeed.
func (r *Registry) Check(callerKey, path string, now time.Time) Decision {
	rules := r.applicable(path)
	states := r.states(callerKey, rules, now)

	allowed := true
	for _, lim := range states {
		if !lim.Allow(now) {
			allowed = false
		}
	}
	if allowed {
		return Decision{Allowed: true}
	}

	var retry time.Duration
	for _, lim := range states {
		if ra := lim.RetryAfter(now); ra > retry {
			retry = ra
		}
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// Size returns the number of live (caller, rule) states. Useful for the
// key-count gauge and for sweeper tests.
func (r *Registry) Size() int {
	total := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, byRule := range sh.callers {
			total += len(byRule)
		}
		sh.mu.Unlock()
	}
	return total
}

// StartSweeper launches the background goroutine that evicts states idle
// longer than the configured TTL. It stops when ctx is cancelled or Stop is
// called.
func (r *Registry) StartSweeper(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

// sweep removes idle states and empty caller maps.
func (r *Registry) sweep(now time.Time) {
	cutoff := now.Add(-r.idleTTL)
	swept := 0

	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for callerKey, byRule := range sh.callers {
			for ruleKey, e := range byRule {
				if e.lastSeen.Before(cutoff) {
					delete(byRule, ruleKey)
					swept++
				}
			}
			if len(byRule) == 0 {
				delete(sh.callers, callerKey)
			}
		}
		sh.mu.Unlock()
	}

	if swept > 0 {
		r.logger.Debug("rate limit sweep completed",
			"swept_states", swept,
			"remaining_states", r.Size())
	}
}

// Stop terminates the sweeper goroutine and waits for it to exit. Safe to
// call multiple times, including when the sweeper never started.
func (r *Registry) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}
