package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codingphoenixx/simplerequest/internal/audit"
	"github.com/codingphoenixx/simplerequest/internal/guard"
	"github.com/codingphoenixx/simplerequest/pkg/dispatch"
)

// Server owns the HTTP listener and the middleware chain around a
// dispatcher.
type Server struct {
	dispatcher      *dispatch.Dispatcher
	server          *http.Server
	addr            string
	shutdownTimeout time.Duration
	guard           *guard.Guard
	auditStore      *audit.Store
	tracing         bool
	keyFn           dispatch.KeyFunc
	registry        *prometheus.Registry
	metrics         *Metrics
	logger          *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithGuard installs a guard expression in front of the dispatcher.
func WithGuard(g *guard.Guard) Option {
	return func(s *Server) { s.guard = g }
}

// WithAuditStore records completed requests to the audit trail.
func WithAuditStore(store *audit.Store) Option {
	return func(s *Server) { s.auditStore = store }
}

// WithTracing opens a span per request via the global tracer provider.
func WithTracing() Option {
	return func(s *Server) { s.tracing = true }
}

// WithKeyFunc overrides caller-key derivation for the guard and audit
// middleware. Defaults to dispatch.DefaultKeyFunc.
func WithKeyFunc(fn dispatch.KeyFunc) Option {
	return func(s *Server) {
		if fn != nil {
			s.keyFn = fn
		}
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Server around the given dispatcher.
func New(d *dispatch.Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher:      d,
		addr:            "127.0.0.1:8080",
		shutdownTimeout: 10 * time.Second,
		keyFn:           dispatch.DefaultKeyFunc,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the request metrics, available after Handler or Start.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler builds the full middleware chain and mux. Also used directly by
// tests.
func (s *Server) Handler() http.Handler {
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = NewMetrics(s.registry)

		var rateLimitKeys, auditDrops func() float64
		if reg := s.dispatcher.Limits(); reg != nil {
			rateLimitKeys = func() float64 { return float64(reg.Size()) }
		}
		if s.auditStore != nil {
			auditDrops = func() float64 { return float64(s.auditStore.Dropped()) }
		}
		registerStateGauges(s.registry, rateLimitKeys, auditDrops)
	}

	// Chain order (outermost first): metrics, request ID, tracing, guard,
	// audit, dispatch. Metrics stays outermost to capture full duration.
	var handler http.Handler = s.dispatcher
	if s.auditStore != nil {
		handler = AuditMiddleware(s.auditStore, s.keyFn)(handler)
	}
	if s.guard != nil {
		handler = GuardMiddleware(s.guard, s.keyFn, s.metrics, s.logger)(handler)
	}
	if s.tracing {
		handler = TracingMiddleware(handler)
	}
	handler = RequestIDMiddleware(handler)
	handler = MetricsMiddleware(s.metrics)(handler)

	mux := http.NewServeMux()
	mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle("/", handler)
	return mux
}

// Start begins accepting connections and blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
