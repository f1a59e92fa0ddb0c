package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/codingphoenixx/simplerequest/internal/audit"
	"github.com/codingphoenixx/simplerequest/internal/guard"
	"github.com/codingphoenixx/simplerequest/pkg/dispatch"
	"github.com/codingphoenixx/simplerequest/pkg/ratelimit"
	"github.com/codingphoenixx/simplerequest/pkg/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pingDispatcher(t *testing.T, opts ...dispatch.Option) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(opts...)
	err := d.Handle("/ping/", http.MethodGet, router.Public,
		func(w http.ResponseWriter, r *http.Request, params []string) error {
			_, werr := io.WriteString(w, "pong")
			return werr
		})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	return d
}

func TestServer_HealthEndpoint(t *testing.T) {
	t.Parallel()

	s := New(pingDispatcher(t), WithLogger(testLogger()))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("/health body is not JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("/health status field = %q, want ok", body["status"])
	}
}

func TestServer_DispatchAndMetrics(t *testing.T) {
	t.Parallel()

	s := New(pingDispatcher(t), WithLogger(testLogger()))
	handler := s.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("dispatch through the chain failed: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set on every response")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status = %d, want 404", rec.Code)
	}

	m := s.Metrics()
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "ok")); got != 1 {
		t.Errorf("requests_total{GET,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "error")); got != 1 {
		t.Errorf("requests_total{GET,error} = %v, want 1", got)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := ratelimit.NewRegistry(ratelimit.Rule{
		Key: "default", MaxRequests: 100, Window: time.Minute, Algorithm: ratelimit.FixedWindow,
	})
	d := pingDispatcher(t, dispatch.WithRateLimits(reg))
	s := New(d, WithLogger(testLogger()))
	handler := s.Handler()

	// Create one rate limit state so the gauge has something to report.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rec, req)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{
		"simplerequest_requests_total",
		"simplerequest_request_duration_seconds",
		"simplerequest_rate_limit_keys 1",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("/metrics output missing %q", metric)
		}
	}
}

func TestServer_RateLimitedCounter(t *testing.T) {
	t.Parallel()

	reg := ratelimit.NewRegistry(ratelimit.Rule{
		Key: "default", MaxRequests: 1, Window: time.Minute, Algorithm: ratelimit.UserFixedWindow,
	})
	s := New(pingDispatcher(t, dispatch.WithRateLimits(reg)), WithLogger(testLogger()))
	handler := s.Handler()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping/", nil)
		req.RemoteAddr = "10.0.0.9:1"
		handler.ServeHTTP(rec, req)
		if i == 1 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("second request status = %d, want 429", rec.Code)
		}
	}

	if got := testutil.ToFloat64(s.Metrics().RateLimitedTotal); got != 1 {
		t.Errorf("rate_limited_total = %v, want 1", got)
	}
}

func TestServer_GuardRejects(t *testing.T) {
	t.Parallel()

	g, err := guard.Compile(`method == "GET"`, 0)
	if err != nil {
		t.Fatalf("guard.Compile error: %v", err)
	}

	d := dispatch.New()
	if err := d.Handle("/submit/", http.MethodPost, router.Public,
		func(w http.ResponseWriter, r *http.Request, params []string) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s := New(d, WithGuard(g), WithLogger(testLogger()))
	handler := s.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit/", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("guarded POST status = %d, want 403", rec.Code)
	}
	if got := testutil.ToFloat64(s.Metrics().GuardRejections); got != 1 {
		t.Errorf("guard_rejections_total = %v, want 1", got)
	}
}

func TestServer_AuditRecordsOutcome(t *testing.T) {
	t.Parallel()

	store, err := audit.Open(":memory:", 10, testLogger())
	if err != nil {
		t.Fatalf("audit.Open error: %v", err)
	}
	store.Start()
	defer store.Close()

	s := New(pingDispatcher(t), WithAuditStore(store), WithLogger(testLogger()))
	handler := s.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping/", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	handler.ServeHTTP(rec, req)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := store.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent error: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].Path != "/ping/" || recs[0].Caller != "203.0.113.7" || recs[0].Status != 200 {
				t.Errorf("audit record = %+v", recs[0])
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("audit record never flushed")
}

func TestServer_GracefulShutdown(t *testing.T) {
	t.Parallel()

	s := New(pingDispatcher(t), WithAddr("127.0.0.1:0"), WithLogger(testLogger()),
		WithShutdownTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	// Give the listener a moment, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after cancellation, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil || m.RequestDuration == nil ||
		m.RateLimitedTotal == nil || m.GuardRejections == nil {
		t.Fatal("metrics not fully initialized")
	}

	m.RequestsTotal.WithLabelValues("GET", "ok").Inc()
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "ok")); got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}
}
