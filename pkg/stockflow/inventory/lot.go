package inventory

import (
	"errors"
	"fmt"
	"time"
)

// Strategy selects the order lots are consumed in.
type Strategy string

// Allocation strategies.
const (
	// StrategyFEFO consumes the lot expiring soonest first. Lots without an
	// expiry date go last; ties break by creation order.
	StrategyFEFO Strategy = "fefo"

	// StrategyFIFO consumes lots in creation order.
	StrategyFIFO Strategy = "fifo"
)

// Lot is a quantity of one product in one warehouse sharing an expiry date
// and unit cost.
type Lot struct {
	LotID             string     `json:"lot_id"`
	ProductID         string     `json:"product_id"`
	WarehouseID       string     `json:"warehouse_id"`
	QuantityAvailable int64      `json:"quantity_available"`
	UnitCost          int64      `json:"unit_cost"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	Sequence          int64      `json:"sequence"`
}

// AllocationStatus is the lifecycle state of an allocation.
type AllocationStatus string

// Allocation statuses.
const (
	// StatusReserved holds stock until confirmed, released or expired.
	StatusReserved AllocationStatus = "reserved"
	// StatusConfirmed means the stock left the warehouse.
	StatusConfirmed AllocationStatus = "confirmed"
	// StatusReleased means a reservation was given back.
	StatusReleased AllocationStatus = "released"
	// StatusReversed means a confirmed exit was undone.
	StatusReversed AllocationStatus = "reversed"
)

// Line is the quantity taken from one lot.
type Line struct {
	LotID    string `json:"lot_id"`
	Quantity int64  `json:"quantity"`
	UnitCost int64  `json:"unit_cost"`
}

// Allocation is a reservation of stock across one or more lots.
type Allocation struct {
	AllocationID         string           `json:"allocation_id"`
	Reference            string           `json:"reference"`
	ProductID            string           `json:"product_id"`
	WarehouseID          string           `json:"warehouse_id"`
	Requested            int64            `json:"requested"`
	Lines                []Line           `json:"lines"`
	Partial              bool             `json:"partial"`
	Status               AllocationStatus `json:"status"`
	CreatedAt            time.Time        `json:"created_at"`
	ReservationExpiresAt time.Time        `json:"reservation_expires_at"`
}

// Allocated returns the total quantity across lines.
func (a *Allocation) Allocated() int64 {
	var n int64
	for _, l := range a.Lines {
		n += l.Quantity
	}
	return n
}

// Cost returns the total cost of the allocated units in minor currency units.
func (a *Allocation) Cost() int64 {
	var n int64
	for _, l := range a.Lines {
		n += l.Quantity * l.UnitCost
	}
	return n
}

func (a *Allocation) clone() *Allocation {
	c := *a
	c.Lines = append([]Line(nil), a.Lines...)
	return &c
}

// Request asks the allocator for stock.
type Request struct {
	ProductID    string
	WarehouseID  string
	Quantity     int64
	Strategy     Strategy
	AllowPartial bool

	// Reference is the caller's correlation, usually the saga ID. Release,
	// confirm and reversal can be addressed by reference.
	Reference string
}

// Store errors.
var (
	// ErrConflict means a conditional update lost a race; the allocation
	// should be re-planned from fresh lot quantities.
	ErrConflict = errors.New("stock changed concurrently")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid allocation status transition")
	ErrDuplicateLot      = errors.New("lot already exists")

	// ErrReservationExpired means a reservation was confirmed after its
	// hold ended; its stock has been released.
	ErrReservationExpired = errors.New("reservation expired")
)

// NotEnoughStockError means the lots cannot cover the request.
type NotEnoughStockError struct {
	ProductID   string
	WarehouseID string
	Requested   int64
	Available   int64
}

// Error implements the error interface.
func (e *NotEnoughStockError) Error() string {
	return fmt.Sprintf("not enough stock for %s in %s: requested %d, available %d",
		e.ProductID, e.WarehouseID, e.Requested, e.Available)
}

// NoLotsAvailableError means no lot of the product has stock.
type NoLotsAvailableError struct {
	ProductID   string
	WarehouseID string
}

// Error implements the error interface.
func (e *NoLotsAvailableError) Error() string {
	return fmt.Sprintf("no lots with stock for %s in %s", e.ProductID, e.WarehouseID)
}
