// Package audit persists a request audit trail to SQLite. Records are
// written asynchronously through a buffered channel so the request hot path
// never blocks on disk I/O.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one audited request outcome.
type Record struct {
	Time    time.Time
	Caller  string
	Subject string
	Method  string
	Path    string
	Status  int
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      INTEGER NOT NULL,
	caller  TEXT NOT NULL,
	subject TEXT NOT NULL,
	method  TEXT NOT NULL,
	path    TEXT NOT NULL,
	status  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log (ts);
`

// defaults for the background writer.
const (
	defaultQueueSize  = 1000
	defaultBatchSize  = 100
	defaultFlushEvery = time.Second
	flushTimeout      = 5 * time.Second
)

// Store is the async SQLite audit store.
type Store struct {
	db         *sql.DB
	records    chan Record
	queueSize  int
	batchSize  int
	flushEvery time.Duration
	dropCount  atomic.Int64
	wg         sync.WaitGroup
	closeOnce  sync.Once
	logger     *slog.Logger
}

// Open creates the store and its schema. Pass ":memory:" to keep the trail
// in-process. The returned store is idle until Start is called.
func Open(path string, queueSize int, logger *slog.Logger) (*Store, error) {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// An in-memory database exists per connection; a single writer
	// connection also avoids SQLITE_BUSY under concurrent batches.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Store{
		db:         db,
		records:    make(chan Record, queueSize),
		queueSize:  queueSize,
		batchSize:  defaultBatchSize,
		flushEvery: defaultFlushEvery,
		logger:     logger,
	}, nil
}

// Start launches the background writer. The writer runs until Close; it is
// not tied to a request or shutdown context, so records enqueued while the
// HTTP server drains are still persisted.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Enqueue hands a record to the background writer without blocking. When
// the queue is full the record is dropped and counted.
func (s *Store) Enqueue(rec Record) {
	select {
	case s.records <- rec:
	default:
		drops := s.dropCount.Add(1)
		s.logger.Warn("audit record dropped",
			"path", rec.Path,
			"caller", rec.Caller,
			"total_drops", drops)
	}
}

// Dropped returns the total number of dropped records.
func (s *Store) Dropped() int64 {
	return s.dropCount.Load()
}

// QueueDepth returns the current queue usage.
func (s *Store) QueueDepth() int {
	return len(s.records)
}

// Close flushes pending records, stops the writer and closes the database.
// Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.records)
	})
	s.wg.Wait()
	return s.db.Close()
}

// worker batches records and writes them to SQLite. It exits only when
// Close closes the record channel, after flushing what remains.
func (s *Store) worker() {
	defer s.wg.Done()

	batch := make([]Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				s.flushBounded(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				s.flushBounded(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBounded(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBounded writes a batch with a bounded deadline so a wedged database
// cannot stall the writer forever.
func (s *Store) flushBounded(batch []Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	s.flush(ctx, batch)
}

// flush writes a batch in one transaction. Errors are logged, never
// propagated: auditing must not fail request handling.
func (s *Store) flush(ctx context.Context, batch []Record) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("failed to begin audit transaction", "error", err, "count", len(batch))
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (ts, caller, subject, method, path, status) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		s.logger.Error("failed to prepare audit insert", "error", err)
		return
	}

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.Time.UnixMilli(), rec.Caller, rec.Subject, rec.Method, rec.Path, rec.Status); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			s.logger.Error("failed to write audit batch", "error", err, "count", len(batch))
			return
		}
	}
	_ = stmt.Close()

	if err := tx.Commit(); err != nil {
		s.logger.Error("failed to commit audit batch", "error", err, "count", len(batch))
	}
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, caller, subject, method, path, status
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts int64
		if err := rows.Scan(&ts, &rec.Caller, &rec.Subject, &rec.Method, &rec.Path, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.Time = time.UnixMilli(ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
