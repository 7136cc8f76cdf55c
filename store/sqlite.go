// ABOUTME: SQLite-backed audit log of gateway requests, written asynchronously.
// ABOUTME: A bounded queue feeds a single writer; full queue drops and counts, never blocks.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const defaultQueueSize = 1024

// Entry is one audited request outcome. RecordID is a ULID, so the primary
// key sorts by insertion time.
type Entry struct {
	RecordID       string    `json:"recordId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExecutionID    string    `json:"executionId"`
	VirtualModelID string    `json:"virtualModelId"`
	InstanceID     string    `json:"instanceId"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Dialect        string    `json:"dialect"`
	Streamed       bool      `json:"streamed"`
	Status         int       `json:"status"`
	LatencyMs      int64     `json:"latencyMs"`
	RetryCount     int       `json:"retryCount"`
	InputTokens    int       `json:"inputTokens"`
	OutputTokens   int       `json:"outputTokens"`
	TotalTokens    int       `json:"totalTokens"`
	ErrorCode      int       `json:"errorCode,omitempty"`
	ErrorName      string    `json:"errorName,omitempty"`
}

// UsageRow aggregates audited token usage for one virtual model.
type UsageRow struct {
	VirtualModelID string `json:"virtualModelId"`
	Requests       int64  `json:"requests"`
	Failures       int64  `json:"failures"`
	InputTokens    int64  `json:"inputTokens"`
	OutputTokens   int64  `json:"outputTokens"`
	TotalTokens    int64  `json:"totalTokens"`
}

// Config assembles an AuditLog.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// QueueSize bounds the async write queue. Defaults to 1024.
	QueueSize int

	Logger *slog.Logger
}

// AuditLog records request outcomes to SQLite without sitting on the request
// path: Append enqueues and returns, a writer goroutine does the inserts.
// Entries that arrive while the queue is full are dropped and counted.
type AuditLog struct {
	db      *sql.DB
	logger  *slog.Logger
	dropped atomic.Uint64

	mu     sync.Mutex
	queue  chan Entry
	closed bool
	done   chan struct{}
}

// OpenSqlite opens or creates the audit database at cfg.Path, runs the
// schema, and starts the writer.
func OpenSqlite(cfg Config) (*AuditLog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log needs a database path")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS requests (
			record_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			virtual_model TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			dialect TEXT NOT NULL,
			streamed INTEGER NOT NULL,
			status INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			retry_count INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			error_code INTEGER NOT NULL,
			error_name TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS requests_by_execution ON requests(execution_id);
		CREATE INDEX IF NOT EXISTS requests_by_virtual_model ON requests(virtual_model, record_id);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &AuditLog{
		db:     db,
		logger: logger,
		queue:  make(chan Entry, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Append enqueues an entry for the writer. Missing RecordID and CreatedAt
// are filled in. Never blocks: a full or closed queue drops the entry.
func (a *AuditLog) Append(e Entry) {
	if e.RecordID == "" {
		e.RecordID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded because the queue was
// full or the log closed.
func (a *AuditLog) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops the writer after draining the queue and closes the database.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.db.Close()
}

func (a *AuditLog) run() {
	defer close(a.done)
	for e := range a.queue {
		if err := a.insert(e); err != nil {
			a.logger.Error("audit insert failed", "error", err, "execution_id", e.ExecutionID)
		}
	}
}

func (a *AuditLog) insert(e Entry) error {
	streamed := 0
	if e.Streamed {
		streamed = 1
	}
	_, err := a.db.Exec(
		`INSERT INTO requests (record_id, created_at, execution_id, virtual_model, instance_id,
			provider, model, dialect, streamed, status, latency_ms, retry_count,
			input_tokens, output_tokens, total_tokens, error_code, error_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RecordID,
		e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		e.ExecutionID,
		e.VirtualModelID,
		e.InstanceID,
		e.Provider,
		e.Model,
		e.Dialect,
		streamed,
		e.Status,
		e.LatencyMs,
		e.RetryCount,
		e.InputTokens,
		e.OutputTokens,
		e.TotalTokens,
		e.ErrorCode,
		e.ErrorName,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries first, at most limit of them.
func (a *AuditLog) ListRecent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(
		`SELECT record_id, created_at, execution_id, virtual_model, instance_id,
			provider, model, dialect, streamed, status, latency_ms, retry_count,
			input_tokens, output_tokens, total_tokens, error_code, error_name
		 FROM requests ORDER BY record_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		var streamed int
		if err := rows.Scan(&e.RecordID, &created, &e.ExecutionID, &e.VirtualModelID, &e.InstanceID,
			&e.Provider, &e.Model, &e.Dialect, &streamed, &e.Status, &e.LatencyMs, &e.RetryCount,
			&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.ErrorCode, &e.ErrorName); err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		if t, err := time.Parse("2006-01-02T15:04:05Z07:00", created); err == nil {
			e.CreatedAt = t
		}
		e.Streamed = streamed != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summarize aggregates request and token counts per virtual model.
func (a *AuditLog) Summarize() ([]UsageRow, error) {
	rows, err := a.db.Query(
		`SELECT virtual_model,
			COUNT(*),
			SUM(CASE WHEN error_code != 0 THEN 1 ELSE 0 END),
			SUM(input_tokens), SUM(output_tokens), SUM(total_tokens)
		 FROM requests GROUP BY virtual_model ORDER BY virtual_model`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UsageRow
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.VirtualModelID, &u.Requests, &u.Failures,
			&u.InputTokens, &u.OutputTokens, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
