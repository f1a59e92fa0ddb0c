package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRecord(path string, status int) Record {
	return Record{
		Time:    time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Caller:  "10.0.0.1",
		Subject: "svc-1",
		Method:  "GET",
		Path:    path,
		Status:  status,
	}
}

func TestStore_WriteAndQuery(t *testing.T) {
	t.Parallel()

	store, err := Open(":memory:", 10, testLogger())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	store.flushEvery = 10 * time.Millisecond
	store.Start()

	store.Enqueue(makeRecord("/ping/", 200))
	store.Enqueue(makeRecord("/login/", 429))

	// Give the ticker a couple of cycles to flush.
	deadline := time.Now().Add(2 * time.Second)
	var recs []Record
	for time.Now().Before(deadline) {
		recs, err = store.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent error: %v", err)
		}
		if len(recs) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(recs) != 2 {
		t.Fatalf("Recent returned %d records, want 2", len(recs))
	}

	// Newest first.
	if recs[0].Path != "/login/" || recs[0].Status != 429 {
		t.Errorf("recs[0] = %+v, want the /login/ record", recs[0])
	}
	if recs[1].Caller != "10.0.0.1" || recs[1].Subject != "svc-1" {
		t.Errorf("recs[1] = %+v, want caller and subject preserved", recs[1])
	}
	if !recs[0].Time.Equal(makeRecord("", 0).Time) {
		t.Errorf("timestamp %v not preserved", recs[0].Time)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
}

func TestStore_CloseFlushesPending(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path, 10, testLogger())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	store.Start()

	for i := 0; i < 5; i++ {
		store.Enqueue(makeRecord("/data/", 200))
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Reopen the file and verify everything was flushed on shutdown.
	reopened, err := Open(path, 10, testLogger())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	recs, err := reopened.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("got %d records after reopen, want 5", len(recs))
	}
}

func TestStore_PersistsRecordsEnqueuedDuringDrain(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path, 10, testLogger())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	store.flushEvery = 10 * time.Millisecond
	store.Start()

	// A shutdown signal cancels the serve context, but in-flight requests
	// keep completing while the HTTP server drains. The writer must keep
	// accepting their records until Close.
	store.Enqueue(makeRecord("/ping/", 200))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := store.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent error: %v", err)
		}
		if len(recs) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	store.Enqueue(makeRecord("/drain-1/", 200))
	store.Enqueue(makeRecord("/drain-2/", 503))
	if err := store.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if got := store.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}

	reopened, err := Open(path, 10, testLogger())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	recs, err := reopened.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records after reopen, want 3", len(recs))
	}
	if recs[0].Path != "/drain-2/" || recs[1].Path != "/drain-1/" {
		t.Errorf("drain records not persisted: %+v", recs)
	}
}

func TestStore_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	store, err := Open(":memory:", 2, testLogger())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	// Worker not started: the queue fills and stays full.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			store.Enqueue(makeRecord("/burst/", 200))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if got := store.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}

	store.Start()
	if err := store.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
}

func TestStore_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	store, err := Open(":memory:", 10, testLogger())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	store.Start()
	store.Enqueue(makeRecord("/x/", 200))

	if err := store.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
	// Close is idempotent.
	if err := store.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}
