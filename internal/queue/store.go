// Package queue implements the durable delivery queue: a SQLite-backed
// store that decouples SMTP reception from the outbound delivery call,
// and a single background consumer with retry and dead-lettering.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relaypost/relaypost/internal/email"
	"github.com/relaypost/relaypost/internal/metrics"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending items are awaiting a delivery attempt.
	StatusPending Status = "pending"

	// StatusSent items were delivered; kept until retention cleanup.
	StatusSent Status = "sent"

	// StatusFailed items exhausted their retries (dead-lettered); kept
	// for inspection until retention cleanup.
	StatusFailed Status = "failed"
)

// Item is one queued message with its delivery bookkeeping. Items are
// mutated only by the consumer; the embedded Message never changes
// after enqueue.
type Item struct {
	ID            string
	Message       *email.Message
	Status        Status
	Attempts      int
	EnqueuedAt    time.Time
	LastAttemptAt time.Time
}

// Store is the persisted queue. Enqueue may be called from many session
// goroutines concurrently with the consumer's mutations.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the queue database at path. ":memory:" is
// accepted for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// The store is touched by many enqueuers and one consumer; a single
	// connection serializes access and sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		last_attempt_at INTEGER,
		message BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status_enqueued ON queue_items(status, enqueued_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue database ping failed: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue persists msg as a new pending item and returns its id. It
// returns only after the insert is durable; delivery happens later.
func (s *Store) Enqueue(ctx context.Context, msg *email.Message) (string, error) {
	blob, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to serialize message: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, status, attempts, enqueued_at, message) VALUES (?, ?, 0, ?, ?)`,
		id, StatusPending, time.Now().UnixNano(), blob,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

// NextPending returns the oldest pending item whose retry delay has
// elapsed, or nil when none is eligible.
func (s *Store) NextPending(ctx context.Context, retryDelay time.Duration) (*Item, error) {
	cutoff := time.Now().Add(-retryDelay).UnixNano()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, attempts, enqueued_at, last_attempt_at, message
		FROM queue_items
		WHERE status = ? AND (last_attempt_at IS NULL OR last_attempt_at <= ?)
		ORDER BY enqueued_at ASC
		LIMIT 1`,
		StatusPending, cutoff,
	)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	return item, nil
}

// Get returns one item by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, attempts, enqueued_at, last_attempt_at, message
		FROM queue_items WHERE id = ?`, id,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// MarkAttempt records the outcome of one delivery attempt, advancing the
// item to sent, back to pending, or to failed when retries are
// exhausted. The attempt count only ever increases.
func (s *Store) MarkAttempt(ctx context.Context, id string, delivered bool, maxAttempts int) (Status, error) {
	var status Status

	if delivered {
		status = StatusSent
	} else {
		var attempts int
		err := s.db.QueryRowContext(ctx,
			`SELECT attempts FROM queue_items WHERE id = ?`, id,
		).Scan(&attempts)
		if err != nil {
			return "", fmt.Errorf("failed to load attempt count: %w", err)
		}

		if attempts+1 >= maxAttempts {
			status = StatusFailed
		} else {
			status = StatusPending
		}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, attempts = attempts + 1, last_attempt_at = ? WHERE id = ?`,
		status, time.Now().UnixNano(), id,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record attempt: %w", err)
	}
	return status, nil
}

// PendingCount returns the number of pending items.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE status = ?`, StatusPending,
	).Scan(&n)
	return n, err
}

// Sweep deletes terminal items (sent or failed) whose last attempt is
// older than the retention window. Pending items are never removed.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status IN (?, ?) AND last_attempt_at IS NOT NULL AND last_attempt_at <= ?`,
		StatusSent, StatusFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("retention sweep failed: %w", err)
	}
	return res.RowsAffected()
}

func scanItem(row *sql.Row) (*Item, error) {
	var (
		item        Item
		enqueuedAt  int64
		lastAttempt sql.NullInt64
		blob        []byte
	)
	if err := row.Scan(&item.ID, &item.Status, &item.Attempts, &enqueuedAt, &lastAttempt, &blob); err != nil {
		return nil, err
	}

	item.EnqueuedAt = time.Unix(0, enqueuedAt)
	if lastAttempt.Valid {
		item.LastAttemptAt = time.Unix(0, lastAttempt.Int64)
	}

	var msg email.Message
	if err := json.Unmarshal(blob, &msg); err != nil {
		return nil, fmt.Errorf("failed to deserialize message %s: %w", item.ID, err)
	}
	item.Message = &msg

	return &item, nil
}

// updateDepthGauge refreshes the queue depth metric; failures are
// ignored, the gauge is advisory.
func (s *Store) updateDepthGauge(ctx context.Context) {
	if n, err := s.PendingCount(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}
