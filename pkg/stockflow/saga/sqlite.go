package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists sagas to SQLite. The context is stored as JSON next
// to the columns used for filtering.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a saga database.
// The path should be a file path (e.g., "./sagas.db") or ":memory:" for testing.
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
		CREATE TABLE IF NOT EXISTS sagas (
			saga_id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			status TEXT NOT NULL,
			manual INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sagas_type_status
		ON sagas(saga_type, status)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) check() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, sc *Context) error {
	if sc.SagaID == "" {
		return errors.New("saga ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal saga: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sagas (saga_id, saga_type, status, manual, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (saga_id) DO NOTHING`,
		sc.SagaID, sc.SagaType, string(sc.Status), boolInt(sc.RequiresManualIntervention),
		sc.CreatedAt.UnixNano(), sc.UpdatedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("saga %s: %w", sc.SagaID, ErrExists)
	}
	return nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, sc *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal saga: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas SET status = ?, manual = ?, updated_at = ?, data = ?
		WHERE saga_id = ?`,
		string(sc.Status), boolInt(sc.RequiresManualIntervention), sc.UpdatedAt.UnixNano(), data, sc.SagaID)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("saga %s: %w", sc.SagaID, ErrNotFound)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, sagaID string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sagas WHERE saga_id = ?`, sagaID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query saga: %w", err)
	}
	return decodeContext(data)
}

func decodeContext(data []byte) (*Context, error) {
	var sc Context
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal saga: %w", err)
	}
	return &sc, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.SagaType != "" {
		where = append(where, "saga_type = ?")
		args = append(args, filter.SagaType)
	}
	if filter.ManualOnly {
		where = append(where, "manual = 1")
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT data FROM sagas"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, saga_id"
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sagas: %w", err)
	}
	defer rows.Close()

	var result []*Context
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		sc, err := decodeContext(data)
		if err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sagas: %w", err)
	}
	return result, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sagas WHERE saga_id = ?`, sagaID)
	if err != nil {
		return fmt.Errorf("delete saga: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	return nil
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
