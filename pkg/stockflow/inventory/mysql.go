package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore keeps lots and allocations in MySQL so several processes can
// allocate from the same lots. Reservations use conditional updates
// (quantity_available >= ?) inside a transaction; a lost race surfaces as
// ErrConflict and the allocator re-plans.
//
// The DSN must set parseTime=true.
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore wraps an open database.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// OpenMySQLStore opens dsn, checks connectivity and ensures the schema.
func OpenMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewMySQLStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS stock_lots (
			sequence BIGINT NOT NULL AUTO_INCREMENT,
			lot_id VARCHAR(64) NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			warehouse_id VARCHAR(64) NOT NULL,
			quantity_available BIGINT NOT NULL,
			unit_cost BIGINT NOT NULL,
			expiry_date DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (sequence),
			UNIQUE KEY uk_stock_lots_lot_id (lot_id),
			KEY idx_stock_lots_product (product_id, warehouse_id),
			CONSTRAINT chk_stock_lots_quantity CHECK (quantity_available >= 0)
		)`, `
		CREATE TABLE IF NOT EXISTS stock_allocations (
			allocation_id VARCHAR(64) NOT NULL,
			reference VARCHAR(128) NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			warehouse_id VARCHAR(64) NOT NULL,
			requested BIGINT NOT NULL,
			allocation_lines JSON NOT NULL,
			is_partial BOOLEAN NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			reservation_expires_at DATETIME(6) NOT NULL,
			PRIMARY KEY (allocation_id),
			KEY idx_stock_allocations_reference (reference),
			KEY idx_stock_allocations_expiry (status, reservation_expires_at)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// AddLot implements Store.
func (s *MySQLStore) AddLot(ctx context.Context, lot Lot) (Lot, error) {
	var expiry any
	if lot.ExpiryDate != nil {
		expiry = lot.ExpiryDate.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_lots (lot_id, product_id, warehouse_id, quantity_available, unit_cost, expiry_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lot.LotID, lot.ProductID, lot.WarehouseID, lot.QuantityAvailable, lot.UnitCost, expiry, lot.CreatedAt.UTC(),
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1062 {
			return Lot{}, fmt.Errorf("%w: %s", ErrDuplicateLot, lot.LotID)
		}
		return Lot{}, fmt.Errorf("insert lot: %w", err)
	}
	lot.Sequence, _ = res.LastInsertId()
	return lot, nil
}

// Lots implements Store.
func (s *MySQLStore) Lots(ctx context.Context, productID, warehouseID string) ([]Lot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lot_id, product_id, warehouse_id, quantity_available, unit_cost, expiry_date, created_at, sequence
		FROM stock_lots
		WHERE product_id = ? AND warehouse_id = ?
		ORDER BY sequence`, productID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer rows.Close()

	var out []Lot
	for rows.Next() {
		var (
			lot    Lot
			expiry sql.NullTime
		)
		if err := rows.Scan(&lot.LotID, &lot.ProductID, &lot.WarehouseID, &lot.QuantityAvailable,
			&lot.UnitCost, &expiry, &lot.CreatedAt, &lot.Sequence); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		if expiry.Valid {
			t := expiry.Time.UTC()
			lot.ExpiryDate = &t
		}
		out = append(out, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots: %w", err)
	}
	return out, nil
}

// Reserve implements Store.
func (s *MySQLStore) Reserve(ctx context.Context, alloc *Allocation) error {
	lines, err := json.Marshal(alloc.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, line := range alloc.Lines {
		result, err := tx.ExecContext(ctx, `
			UPDATE stock_lots
			SET quantity_available = quantity_available - ?, version = version + 1
			WHERE lot_id = ? AND quantity_available >= ?`,
			line.Quantity, line.LotID, line.Quantity,
		)
		if err != nil {
			return fmt.Errorf("update lot %s: %w", line.LotID, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrConflict
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_allocations (allocation_id, reference, product_id, warehouse_id, requested, allocation_lines, is_partial, status, created_at, reservation_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alloc.AllocationID, alloc.Reference, alloc.ProductID, alloc.WarehouseID, alloc.Requested,
		lines, alloc.Partial, string(alloc.Status), alloc.CreatedAt.UTC(), alloc.ReservationExpiresAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}

	return tx.Commit()
}

const allocationColumns = `
	SELECT allocation_id, reference, product_id, warehouse_id, requested, allocation_lines, is_partial, status, created_at, reservation_expires_at
	FROM stock_allocations`

type scanner interface {
	Scan(dest ...any) error
}

func scanAllocation(row scanner) (*Allocation, error) {
	var (
		a      Allocation
		lines  []byte
		status string
	)
	if err := row.Scan(&a.AllocationID, &a.Reference, &a.ProductID, &a.WarehouseID, &a.Requested,
		&lines, &a.Partial, &status, &a.CreatedAt, &a.ReservationExpiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &a.Lines); err != nil {
		return nil, fmt.Errorf("decode lines: %w", err)
	}
	a.Status = AllocationStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.ReservationExpiresAt = a.ReservationExpiresAt.UTC()
	return &a, nil
}

// Transition implements Store.
func (s *MySQLStore) Transition(ctx context.Context, allocationID string, from []AllocationStatus, to AllocationStatus, restore bool) (*Allocation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	alloc, err := scanAllocation(tx.QueryRowContext(ctx, allocationColumns+` WHERE allocation_id = ? FOR UPDATE`, allocationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("allocation %s: %w", allocationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load allocation: %w", err)
	}
	if !statusIn(alloc.Status, from) {
		return alloc, &TransitionError{AllocationID: allocationID, Current: alloc.Status, To: to}
	}

	if restore {
		for _, line := range alloc.Lines {
			if _, err := tx.ExecContext(ctx, `
				UPDATE stock_lots
				SET quantity_available = quantity_available + ?, version = version + 1
				WHERE lot_id = ?`, line.Quantity, line.LotID); err != nil {
				return nil, fmt.Errorf("restore lot %s: %w", line.LotID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE stock_allocations SET status = ? WHERE allocation_id = ?`,
		string(to), allocationID); err != nil {
		return nil, fmt.Errorf("update allocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	alloc.Status = to
	return alloc, nil
}

// Allocation implements Store.
func (s *MySQLStore) Allocation(ctx context.Context, allocationID string) (*Allocation, error) {
	alloc, err := scanAllocation(s.db.QueryRowContext(ctx, allocationColumns+` WHERE allocation_id = ?`, allocationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("allocation %s: %w", allocationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load allocation: %w", err)
	}
	return alloc, nil
}

func (s *MySQLStore) queryAllocations(ctx context.Context, where string, args ...any) ([]*Allocation, error) {
	rows, err := s.db.QueryContext(ctx, allocationColumns+" WHERE "+where+" ORDER BY created_at, allocation_id", args...)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []*Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return out, nil
}

// AllocationsByReference implements Store.
func (s *MySQLStore) AllocationsByReference(ctx context.Context, reference string) ([]*Allocation, error) {
	return s.queryAllocations(ctx, "reference = ?", reference)
}

// ExpiredReservations implements Store.
func (s *MySQLStore) ExpiredReservations(ctx context.Context, now time.Time) ([]*Allocation, error) {
	return s.queryAllocations(ctx, "status = ? AND reservation_expires_at <= ?", string(StatusReserved), now.UTC())
}
