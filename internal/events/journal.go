package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/gjson"

	"mt5-bridge/internal/logger"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// JournalSink appends events to a SQLite table from a single writer
// goroutine with transaction batching.
type JournalSink struct {
	db  *sql.DB
	ch  chan Event
	log *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Record is one journaled event.
type Record struct {
	ID        int64
	Name      string
	RequestID string
	TraceID   string
	Payload   string
	CreatedAt time.Time
}

// OpenJournal opens (creating if needed) the database at path in WAL mode.
func OpenJournal(path string, log *slog.Logger) (*JournalSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	j := &JournalSink{
		db:   db,
		ch:   make(chan Event, defaultBatchSize*4),
		log:  log.With("component", "journal", "path", path),
		done: make(chan struct{}),
	}
	go j.run()
	return j, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT    NOT NULL,
			request_id TEXT,
			trace_id   TEXT,
			payload    TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_request ON events (request_id);
	`)
	return err
}

func (j *JournalSink) Name() string { return "sqlite" }

// Write queues ev for the next batch, waiting at most until ctx ends.
func (j *JournalSink) Write(ctx context.Context, ev Event) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrBusClosed
	}
	select {
	case j.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run inserts queued events in batched transactions.
// Flushes every defaultBatchSize events OR every defaultFlushDelay, whichever first.
func (j *JournalSink) run() {
	defer close(j.done)
	batch := make([]Event, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := j.insertBatch(batch); err != nil {
			j.log.Error("batch insert failed", "count", len(batch), "error", err)
		} else {
			j.log.Debug("committed events", "count", len(batch), "took", time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-j.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (j *JournalSink) insertBatch(events []Event) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO events (name, request_id, trace_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		reqID := gjson.GetBytes(ev.Payload, "request_id").String()
		if _, err := stmt.Exec(ev.Name, reqID, ev.TraceID, string(ev.Payload), ev.At.UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", ev.Name, err)
		}
	}
	return tx.Commit()
}

// Recent returns the newest events, newest first.
func (j *JournalSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, name, request_id, trace_id, payload, created_at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ms int64
		if err := rows.Scan(&r.ID, &r.Name, &r.RequestID, &r.TraceID, &r.Payload, &ms); err != nil {
			return nil, fmt.Errorf("sqlite scan events: %w", err)
		}
		r.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the database for health reporting.
func (j *JournalSink) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close flushes queued events and closes the database.
func (j *JournalSink) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.ch)
	}
	j.mu.Unlock()
	<-j.done
	return j.db.Close()
}
