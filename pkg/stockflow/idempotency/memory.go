package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, candidate Record, now time.Time) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}

	if cur, ok := s.records[candidate.Key]; ok && !cur.reclaimable(candidate.RequestHash, now) {
		return cur.clone(), false, nil
	}
	s.records[candidate.Key] = candidate.clone()
	return nil, true, nil
}

// Finish implements Store.
func (s *MemoryStore) Finish(_ context.Context, key string, status Status, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	cur, ok := s.records[key]
	if !ok || cur.Status != StatusProcessing {
		return ErrNotProcessing
	}
	cur.Status = status
	if status == StatusCompleted {
		cur.ResponseData = append([]byte(nil), response...)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	cur, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cur.clone(), nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
