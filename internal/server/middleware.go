// Package server assembles the HTTP surface of simplerequest: the
// middleware chain, metrics endpoint and graceful lifecycle around a
// dispatch.Dispatcher.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/codingphoenixx/simplerequest/internal/audit"
	"github.com/codingphoenixx/simplerequest/internal/guard"
	"github.com/codingphoenixx/simplerequest/pkg/dispatch"
	"github.com/codingphoenixx/simplerequest/pkg/router"
)

// requestIDContextKey is the context key type for the request ID.
type requestIDContextKey struct{}

// RequestIDFromContext returns the request ID set by RequestIDMiddleware,
// or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// RequestIDMiddleware extracts or generates a request ID, stores it in the
// context and echoes it back for correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MetricsMiddleware records request duration and outcome. It must be the
// outermost middleware so the full duration is captured.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, statusToLabel(wrapped.status)).Inc()
			if wrapped.status == http.StatusTooManyRequests {
				metrics.RateLimitedTotal.Inc()
			}
		})
	}
}

// TracingMiddleware opens a span per request, counts it on the OTel meter
// and records the outcome.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("simplerequest/server")
	meter := otel.Meter("simplerequest/server")
	requests, err := meter.Int64Counter("simplerequest.server.requests",
		otelmetric.WithDescription("Requests handled, by method and status code."),
		otelmetric.WithUnit("{request}"))
	if err != nil {
		otel.Handle(err)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.Int("http.status_code", wrapped.status),
		}
		requests.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		span.SetAttributes(attrs...)
		if wrapped.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(wrapped.status))
		}
	})
}

// GuardMiddleware evaluates the guard expression before dispatch. Rejected
// requests are answered 403; evaluation failures reject as well.
func GuardMiddleware(g *guard.Guard, keyFn dispatch.KeyFunc, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := guard.Request{
				Method: r.Method,
				Path:   router.Normalize(r.URL.Path),
				Caller: keyFn(r),
			}
			ok, err := g.Allow(r.Context(), req)
			if err != nil {
				logger.Error("guard evaluation failed", "path", req.Path, "error", err)
			}
			if !ok {
				if metrics != nil {
					metrics.GuardRejections.Inc()
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuditMiddleware enqueues one record per completed request.
func AuditMiddleware(store *audit.Store, keyFn dispatch.KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			store.Enqueue(audit.Record{
				Time:   time.Now().UTC(),
				Caller: keyFn(r),
				Method: r.Method,
				Path:   router.Normalize(r.URL.Path),
				Status: wrapped.status,
			})
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the underlying ResponseWriter so streaming handlers
// keep working through the middleware chain.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusToLabel converts an HTTP status code to a coarse label value.
func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
