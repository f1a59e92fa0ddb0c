package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codingphoenixx/simplerequest/pkg/ratelimit"
	"github.com/codingphoenixx/simplerequest/pkg/router"
)

// defaultContentType is applied when a handler writes a body without
// setting a content type.
const defaultContentType = "application/json; charset=utf-8"

// KeyFunc derives the rate-limit caller key from a request.
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc prefers the first entry of X-Forwarded-For, then the host
// part of the transport address.
func DefaultKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Dispatcher owns a route table and drives the per-request pipeline:
// resolve, admit, gate, invoke. It is an explicit instance: multiple
// independent dispatchers can coexist in one process.
type Dispatcher struct {
	table  *router.Table
	limits *ratelimit.Registry
	auth   Authenticator
	keyFn  KeyFunc
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimits enables admission control through the given registry.
// Without it, requests skip the rate limit stage entirely.
func WithRateLimits(reg *ratelimit.Registry) Option {
	return func(d *Dispatcher) { d.limits = reg }
}

// WithAuthenticator sets the collaborator consulted for Authenticated and
// System routes. Without it, such routes answer 401.
func WithAuthenticator(a Authenticator) Option {
	return func(d *Dispatcher) { d.auth = a }
}

// WithKeyFunc replaces the caller-key derivation.
func WithKeyFunc(fn KeyFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.keyFn = fn
		}
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher with an empty route table.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:  router.NewTable(),
		keyFn:  DefaultKeyFunc,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Table exposes the underlying route table, e.g. for direct Resolve calls.
func (d *Dispatcher) Table() *router.Table { return d.table }

// Limits exposes the rate limit registry, or nil when none is configured.
func (d *Dispatcher) Limits() *ratelimit.Registry { return d.limits }

// Handle registers a streaming handler. Any per-route rules are bound to
// the route's template in the rate limit registry.
func (d *Dispatcher) Handle(template, method string, access router.AccessLevel, h Handler, rules ...ratelimit.Rule) error {
	return d.register(template, method, access, h, rules)
}

// HandleFields registers a field-selection handler with its declared
// required and optional field sets.
func (d *Dispatcher) HandleFields(template, method string, access router.AccessLevel, h FieldHandler, required, optional []string, rules ...ratelimit.Rule) error {
	endpoint := &fieldEndpoint{handler: h, required: required, optional: optional}
	return d.register(template, method, access, endpoint, rules)
}

func (d *Dispatcher) register(template, method string, access router.AccessLevel, handler any, rules []ratelimit.Rule) error {
	if len(rules) > 0 && d.limits == nil {
		return fmt.Errorf("route %q declares rate limit rules but no registry is configured", template)
	}
	if _, err := d.table.Add(template, method, access, handler); err != nil {
		return err
	}
	for _, rule := range rules {
		if err := d.limits.Bind(template, rule); err != nil {
			return err
		}
	}
	return nil
}

// CheckRateLimit evaluates the applicable rules for a caller and path
// without going through the full dispatch pipeline.
func (d *Dispatcher) CheckRateLimit(callerKey, path string) ratelimit.Decision {
	if d.limits == nil {
		return ratelimit.Decision{Allowed: true}
	}
	return d.limits.Check(callerKey, path, d.now())
}

// ServeHTTP runs the request pipeline. Expected outcomes (no route, method
// mismatch, admission denied, access denied) are terminal status codes, not
// errors; only handler faults are logged as failures.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := router.Normalize(r.URL.Path)

	res := d.table.Resolve(r.Method, path)
	switch res.Kind {
	case router.NoMatch:
		http.Error(w, "not found", http.StatusNotFound)
		return
	case router.MethodMismatch:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	route := res.Route

	if d.limits != nil {
		dec := d.limits.Check(d.keyFn(r), path, d.now())
		if !dec.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(dec.RetryAfter), 10))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	switch route.Access {
	case router.Disabled:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case router.Authenticated, router.System:
		if d.auth == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		grant, err := d.auth.Authenticate(r, route.Access)
		if err != nil {
			if errors.Is(err, ErrForbidden) {
				http.Error(w, "forbidden", http.StatusForbidden)
			} else {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			}
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), grantContextKey{}, grant))
	}

	d.invoke(w, r, route, res.Params)
}

// invoke runs the route's handler with panic containment: a handler fault
// becomes a 500 and is logged with the route's identity, never crashing the
// serving goroutine.
func (d *Dispatcher) invoke(w http.ResponseWriter, r *http.Request, route *router.Route, params []string) {
	rw := &responseWriter{ResponseWriter: w}

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("handler panic",
				"template", route.Template,
				"method", r.Method,
				"panic", rec)
			rw.fail()
		}
	}()

	switch h := route.Handler.(type) {
	case Handler:
		if err := h(rw, r, params); err != nil {
			d.logger.Error("handler error",
				"template", route.Template,
				"method", r.Method,
				"error", err)
			rw.fail()
		}
	case *fieldEndpoint:
		result, err := h.handler(r, params)
		if err != nil {
			d.logger.Error("field handler error",
				"template", route.Template,
				"method", r.Method,
				"error", err)
			rw.fail()
			return
		}
		out := h.selectFields(result, requestedFields(r))
		rw.Header().Set("Content-Type", defaultContentType)
		if err := json.NewEncoder(rw).Encode(out); err != nil {
			d.logger.Error("field response encoding failed",
				"template", route.Template,
				"error", err)
		}
	default:
		// Unreachable: registration only stores the two handler types.
		d.logger.Error("unknown handler type", "template", route.Template)
		rw.fail()
	}
}

// retrySeconds converts a retry duration to whole seconds, rounded up so
// the advertised wait is never shorter than the actual one.
func retrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// responseWriter tracks whether the handler has committed a response and
// applies the content-type default on the first write if the handler set
// none.
type responseWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", defaultContentType)
	}
	w.wrote = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// fail writes a 500 unless the handler already committed a response.
func (w *responseWriter) fail() {
	if w.wrote {
		return
	}
	// Reset any content type the handler staged before failing.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.wrote = true
	w.status = http.StatusInternalServerError
	w.ResponseWriter.WriteHeader(http.StatusInternalServerError)
	_, _ = w.ResponseWriter.Write([]byte("internal server error\n"))
}

// Compile-time check that Dispatcher is a plain http.Handler.
var _ http.Handler = (*Dispatcher)(nil)
