package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists lots and allocations.
// Reserve and Transition must each be atomic.
type Store interface {
	// AddLot stores a new lot and assigns its Sequence.
	AddLot(ctx context.Context, lot Lot) (Lot, error)

	// Lots returns every lot of a product in a warehouse.
	Lots(ctx context.Context, productID, warehouseID string) ([]Lot, error)

	// Reserve decrements each line's lot and records alloc. If any lot no
	// longer holds the line's quantity nothing changes and ErrConflict is
	// returned.
	Reserve(ctx context.Context, alloc *Allocation) error

	// Transition moves an allocation from one of from to to. With restore
	// set the line quantities go back to their lots. Returns
	// ErrInvalidTransition (with the current allocation) if the status
	// is not in from.
	Transition(ctx context.Context, allocationID string, from []AllocationStatus, to AllocationStatus, restore bool) (*Allocation, error)

	// Allocation returns one allocation.
	Allocation(ctx context.Context, allocationID string) (*Allocation, error)

	// AllocationsByReference returns every allocation with the reference,
	// oldest first.
	AllocationsByReference(ctx context.Context, reference string) ([]*Allocation, error)

	// ExpiredReservations returns reserved allocations whose reservation
	// expired at or before now.
	ExpiredReservations(ctx context.Context, now time.Time) ([]*Allocation, error)
}

// TransitionError reports the status found by a rejected Transition.
type TransitionError struct {
	AllocationID string
	Current      AllocationStatus
	To           AllocationStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("allocation %s: cannot move from %s to %s", e.AllocationID, e.Current, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func statusIn(s AllocationStatus, set []AllocationStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu          sync.Mutex
	lots        map[string]*Lot
	allocations map[string]*Allocation
	order       []string // allocation IDs in insertion order
	seq         int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lots:        make(map[string]*Lot),
		allocations: make(map[string]*Allocation),
	}
}

// AddLot implements Store.
func (s *MemoryStore) AddLot(_ context.Context, lot Lot) (Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lots[lot.LotID]; ok {
		return Lot{}, fmt.Errorf("%w: %s", ErrDuplicateLot, lot.LotID)
	}
	s.seq++
	lot.Sequence = s.seq
	stored := lot
	s.lots[lot.LotID] = &stored
	return lot, nil
}

// Lots implements Store.
func (s *MemoryStore) Lots(_ context.Context, productID, warehouseID string) ([]Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Lot
	for _, lot := range s.lots {
		if lot.ProductID == productID && lot.WarehouseID == warehouseID {
			out = append(out, *lot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, alloc *Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range alloc.Lines {
		lot, ok := s.lots[line.LotID]
		if !ok || lot.QuantityAvailable < line.Quantity {
			return ErrConflict
		}
	}
	for _, line := range alloc.Lines {
		s.lots[line.LotID].QuantityAvailable -= line.Quantity
	}
	s.allocations[alloc.AllocationID] = alloc.clone()
	s.order = append(s.order, alloc.AllocationID)
	return nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(_ context.Context, allocationID string, from []AllocationStatus, to AllocationStatus, restore bool) (*Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, ok := s.allocations[allocationID]
	if !ok {
		return nil, fmt.Errorf("allocation %s: %w", allocationID, ErrNotFound)
	}
	if !statusIn(alloc.Status, from) {
		return alloc.clone(), &TransitionError{AllocationID: allocationID, Current: alloc.Status, To: to}
	}
	if restore {
		for _, line := range alloc.Lines {
			if lot, ok := s.lots[line.LotID]; ok {
				lot.QuantityAvailable += line.Quantity
			}
		}
	}
	alloc.Status = to
	return alloc.clone(), nil
}

// Allocation implements Store.
func (s *MemoryStore) Allocation(_ context.Context, allocationID string) (*Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, ok := s.allocations[allocationID]
	if !ok {
		return nil, fmt.Errorf("allocation %s: %w", allocationID, ErrNotFound)
	}
	return alloc.clone(), nil
}

// AllocationsByReference implements Store.
func (s *MemoryStore) AllocationsByReference(_ context.Context, reference string) ([]*Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Allocation
	for _, id := range s.order {
		if a := s.allocations[id]; a.Reference == reference {
			out = append(out, a.clone())
		}
	}
	return out, nil
}

// ExpiredReservations implements Store.
func (s *MemoryStore) ExpiredReservations(_ context.Context, now time.Time) ([]*Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Allocation
	for _, id := range s.order {
		a := s.allocations[id]
		if a.Status == StatusReserved && !now.Before(a.ReservationExpiresAt) {
			out = append(out, a.clone())
		}
	}
	return out, nil
}
