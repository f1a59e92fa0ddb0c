package router

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ResolutionKind tags the outcome of a Resolve call.
type ResolutionKind int

const (
	// NoMatch means no registered pattern matched the path.
	NoMatch ResolutionKind = iota

	// MethodMismatch means at least one pattern matched the path but none
	// accepted the request method. Callers typically map this to 405.
	MethodMismatch

	// Matched means a route matched both path and method.
	Matched
)

// Resolution is the tagged result of resolving a (method, path) pair.
// Route and Params are set only when Kind is Matched; Params holds the
// captured path tokens in declaration order.
type Resolution struct {
	Kind   ResolutionKind
	Route  *Route
	Params []string
}

// Table holds registered routes in specificity order. Resolution reads a
// copy-on-write snapshot and never blocks; Add swaps in a freshly sorted
// snapshot under a mutex, so registration mid-session is safe alongside
// concurrent resolution.
type Table struct {
	mu     sync.Mutex
	routes atomic.Pointer[[]*Route]
}

// NewTable creates an empty route table.
func NewTable() *Table {
	t := &Table{}
	empty := make([]*Route, 0)
	t.routes.Store(&empty)
	return t
}

// Add compiles the template and registers a new route. The snapshot is
// re-sorted on every call: routes with fewer dynamic segments come first,
// then routes with more total segments, then lexicographic template order,
// so the precedence is deterministic across runs.
func (t *Table) Add(template, method string, access AccessLevel, handler any) (*Route, error) {
	pattern, err := Compile(template)
	if err != nil {
		return nil, err
	}

	route := &Route{
		Template: template,
		Method:   strings.ToUpper(method),
		Access:   access,
		Handler:  handler,
		pattern:  pattern,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.routes.Load()
	next := make([]*Route, len(old), len(old)+1)
	copy(next, old)
	next = append(next, route)
	sort.SliceStable(next, func(i, j int) bool {
		a, b := next[i].pattern, next[j].pattern
		if a.Dynamic() != b.Dynamic() {
			return a.Dynamic() < b.Dynamic()
		}
		if a.Segments() != b.Segments() {
			return a.Segments() > b.Segments()
		}
		return next[i].Template < next[j].Template
	})
	t.routes.Store(&next)

	return route, nil
}

// Len returns the number of registered routes.
func (t *Table) Len() int { return len(*t.routes.Load()) }

// Routes returns the current specificity-ordered snapshot. The returned
// slice must not be modified.
func (t *Table) Routes() []*Route { return *t.routes.Load() }

// Resolve finds the first route, in specificity order, whose pattern matches
// the normalized path and whose method accepts the request method. A path
// match with no acceptable method is reported as MethodMismatch so callers
// can answer 405 instead of 404. Resolution is pure read access and never
// returns an error: "no match" is a normal outcome, not a failure.
func (t *Table) Resolve(method, path string) Resolution {
	method = strings.ToUpper(method)
	path = Normalize(path)

	pathMatched := false
	for _, route := range *t.routes.Load() {
		params, ok := route.pattern.Match(path)
		if !ok {
			continue
		}
		if route.Method != MethodAny && route.Method != method {
			pathMatched = true
			continue
		}
		return Resolution{Kind: Matched, Route: route, Params: params}
	}

	if pathMatched {
		return Resolution{Kind: MethodMismatch}
	}
	return Resolution{Kind: NoMatch}
}
