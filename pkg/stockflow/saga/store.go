package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Store persists and retrieves saga contexts for durability.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new saga.
	Create(ctx context.Context, sc *Context) error

	// Update persists changes to an existing saga.
	Update(ctx context.Context, sc *Context) error

	// Get retrieves a saga by ID.
	Get(ctx context.Context, sagaID string) (*Context, error)

	// List returns sagas matching the filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]*Context, error)

	// Delete removes a saga.
	Delete(ctx context.Context, sagaID string) error

	// Close releases resources.
	Close() error
}

// ListFilter specifies criteria for listing sagas.
type ListFilter struct {
	// SagaType filters by saga definition name.
	SagaType string

	// Statuses filters by saga status. Empty matches all.
	Statuses []Status

	// ManualOnly keeps sagas requiring manual intervention.
	ManualOnly bool

	// Limit is the maximum number of results.
	Limit int

	// Offset is the number of results to skip.
	Offset int
}

func (f ListFilter) matches(sc *Context) bool {
	if f.SagaType != "" && sc.SagaType != f.SagaType {
		return false
	}
	if f.ManualOnly && !sc.RequiresManualIntervention {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if sc.Status == s {
			return true
		}
	}
	return false
}

// Store errors.
var (
	ErrNotFound    = errors.New("saga not found")
	ErrExists      = errors.New("saga already exists")
	ErrStoreClosed = errors.New("saga store closed")
)

// MemoryStore is an in-memory Store implementation.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	sagas  map[string]*Context
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*Context),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, sc *Context) error {
	if sc.SagaID == "" {
		return errors.New("saga ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.sagas[sc.SagaID]; exists {
		return fmt.Errorf("saga %s: %w", sc.SagaID, ErrExists)
	}
	s.sagas[sc.SagaID] = sc.Clone()
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, sc *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.sagas[sc.SagaID]; !exists {
		return fmt.Errorf("saga %s: %w", sc.SagaID, ErrNotFound)
	}
	s.sagas[sc.SagaID] = sc.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sagaID string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	sc, exists := s.sagas[sagaID]
	if !exists {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	return sc.Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var result []*Context
	for _, sc := range s.sagas {
		if filter.matches(sc) {
			result = append(result, sc.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].SagaID < result[j].SagaID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*Context{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.sagas[sagaID]; !exists {
		return fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	delete(s.sagas, sagaID)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
