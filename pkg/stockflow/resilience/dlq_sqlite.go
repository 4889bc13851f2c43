package resilience

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists dead letters to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) a dead letter database.
// The path should be a file path (e.g., "./dlq.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			message_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			handler_name TEXT NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			retry_count INTEGER NOT NULL,
			first_failed_at TEXT NOT NULL,
			last_failed_at TEXT NOT NULL,
			requires_manual_intervention INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at TEXT,
			resolution_notes TEXT NOT NULL DEFAULT '',
			event BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_handler
		ON dead_letters(handler_name, resolved)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, msg *DeadLetterMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var resolvedAt any
	if msg.ResolvedAt != nil {
		resolvedAt = msg.ResolvedAt.UTC().Format(timeLayout)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (
			message_id, event_id, event_type, handler_name, error_type, error_message,
			retry_count, first_failed_at, last_failed_at, requires_manual_intervention,
			resolved, resolved_at, resolution_notes, event
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			error_type = excluded.error_type,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			last_failed_at = excluded.last_failed_at,
			requires_manual_intervention = excluded.requires_manual_intervention,
			resolved = excluded.resolved,
			resolved_at = excluded.resolved_at,
			resolution_notes = excluded.resolution_notes
	`,
		msg.MessageID, msg.Event.ID(), msg.Event.Type(), msg.HandlerName,
		msg.ErrorType, msg.ErrorMessage, msg.RetryCount,
		msg.FirstFailedAt.UTC().Format(timeLayout), msg.LastFailedAt.UTC().Format(timeLayout),
		boolInt(msg.RequiresManualIntervention), boolInt(msg.Resolved), resolvedAt,
		msg.ResolutionNotes, data,
	)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT message_id, handler_name, error_type, error_message, retry_count,
		first_failed_at, last_failed_at, requires_manual_intervention,
		resolved, resolved_at, resolution_notes, event
	FROM dead_letters`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*DeadLetterMessage, error) {
	var (
		msg              DeadLetterMessage
		firstAt, lastAt  string
		manual, resolved int
		resolvedAt       sql.NullString
		data             []byte
	)
	if err := row.Scan(&msg.MessageID, &msg.HandlerName, &msg.ErrorType, &msg.ErrorMessage,
		&msg.RetryCount, &firstAt, &lastAt, &manual, &resolved, &resolvedAt,
		&msg.ResolutionNotes, &data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &msg.Event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	msg.FirstFailedAt, _ = time.Parse(timeLayout, firstAt)
	msg.LastFailedAt, _ = time.Parse(timeLayout, lastAt)
	msg.RequiresManualIntervention = manual != 0
	msg.Resolved = resolved != 0
	if resolvedAt.Valid {
		at, _ := time.Parse(timeLayout, resolvedAt.String)
		msg.ResolvedAt = &at
	}
	return &msg, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, messageID string) (*DeadLetterMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	msg, err := scanDeadLetter(s.db.QueryRowContext(ctx, selectColumns+` WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	return msg, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*DeadLetterMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		where []string
		args  []any
	)
	if filter.HandlerName != "" {
		where = append(where, "handler_name = ?")
		args = append(args, filter.HandlerName)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if !filter.IncludeResolved {
		where = append(where, "resolved = 0")
	}
	if filter.ManualOnly {
		where = append(where, "requires_manual_intervention = 1")
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY first_failed_at, message_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetterMessage
	for rows.Next() {
		msg, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// Resolve implements Store.
func (s *SQLiteStore) Resolve(ctx context.Context, messageID, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET resolved = 1, resolved_at = ?, resolution_notes = ?
		WHERE message_id = ? AND resolved = 0
	`, at.UTC().Format(timeLayout), notes, messageID)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var resolved int
	err = s.db.QueryRowContext(ctx, `SELECT resolved FROM dead_letters WHERE message_id = ?`, messageID).Scan(&resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	return ErrAlreadyResolved
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

var _ Store = (*SQLiteStore)(nil)
