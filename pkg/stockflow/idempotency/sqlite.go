package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists idempotency records to SQLite.
// Acquire runs inside a single transaction.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) an idempotency database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key TEXT PRIMARY KEY,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			response_data BLOB,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at
		ON idempotency_records(expires_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var (
		rec                  Record
		status               string
		response             []byte
		createdAt, expiresAt int64
	)
	if err := row.Scan(&rec.Key, &rec.RequestHash, &status, &response, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if len(response) > 0 {
		rec.ResponseData = response
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &rec, nil
}

const selectRecord = `
	SELECT key, request_hash, status, response_data, created_at, expires_at
	FROM idempotency_records WHERE key = ?`

// Acquire implements Store.
func (s *SQLiteStore) Acquire(ctx context.Context, candidate Record, now time.Time) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin acquire: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, candidate.Key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, false, fmt.Errorf("load record: %w", err)
	case !cur.reclaimable(candidate.RequestHash, now):
		return cur, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash, status, response_data, created_at, expires_at)
		VALUES (?, ?, ?, NULL, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			request_hash = excluded.request_hash,
			status = excluded.status,
			response_data = NULL,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, candidate.Key, candidate.RequestHash, string(candidate.Status),
		candidate.CreatedAt.UnixNano(), candidate.ExpiresAt.UnixNano()); err != nil {
		return nil, false, fmt.Errorf("store record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit acquire: %w", err)
	}
	return nil, true, nil
}

// Finish implements Store.
func (s *SQLiteStore) Finish(ctx context.Context, key string, status Status, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	var data any
	if status == StatusCompleted {
		data = response
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET status = ?, response_data = ?
		WHERE key = ? AND status = ?
	`, string(status), data, key, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("finish record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotProcessing
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return rec, nil
}

// DeleteExpired implements Store.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
