package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

// ErrorTypeCircuitOpen is the DLQ error type for calls rejected by an open breaker.
const ErrorTypeCircuitOpen = "circuit_open"

// Store errors.
var (
	ErrNotFound        = errors.New("dead letter not found")
	ErrAlreadyResolved = errors.New("dead letter already resolved")
	ErrStoreClosed     = errors.New("dead letter store is closed")
)

// DeadLetterMessage is an event delivery that could not be completed.
// It stays in the store until an operator resolves it (kept, flagged resolved)
// or a manual retry succeeds (deleted).
type DeadLetterMessage struct {
	MessageID                  string      `json:"message_id"`
	Event                      event.Event `json:"event"`
	HandlerName                string      `json:"handler_name"`
	ErrorType                  string      `json:"error_type"`
	ErrorMessage               string      `json:"error_message"`
	RetryCount                 int         `json:"retry_count"`
	FirstFailedAt              time.Time   `json:"first_failed_at"`
	LastFailedAt               time.Time   `json:"last_failed_at"`
	RequiresManualIntervention bool        `json:"requires_manual_intervention"`
	Resolved                   bool        `json:"resolved"`
	ResolvedAt                 *time.Time  `json:"resolved_at,omitempty"`
	ResolutionNotes            string      `json:"resolution_notes,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m *DeadLetterMessage) Clone() *DeadLetterMessage {
	c := *m
	if m.ResolvedAt != nil {
		at := *m.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// Filter selects dead letters in List.
type Filter struct {
	// HandlerName restricts results to one handler.
	HandlerName string

	// EventType restricts results to one event type.
	EventType string

	// IncludeResolved includes resolved audit records.
	IncludeResolved bool

	// ManualOnly returns only entries that require manual intervention.
	ManualOnly bool

	// Limit caps the result size. Zero means no limit.
	Limit int
}

func (f Filter) matches(m *DeadLetterMessage) bool {
	if f.HandlerName != "" && m.HandlerName != f.HandlerName {
		return false
	}
	if f.EventType != "" && m.Event.Type() != f.EventType {
		return false
	}
	if !f.IncludeResolved && m.Resolved {
		return false
	}
	if f.ManualOnly && !m.RequiresManualIntervention {
		return false
	}
	return true
}

// Store persists dead letters.
type Store interface {
	// Put inserts or replaces a dead letter, keyed by MessageID.
	Put(ctx context.Context, msg *DeadLetterMessage) error

	// Get returns a dead letter or ErrNotFound.
	Get(ctx context.Context, messageID string) (*DeadLetterMessage, error)

	// List returns dead letters matching filter, oldest failure first.
	List(ctx context.Context, filter Filter) ([]*DeadLetterMessage, error)

	// Delete removes a dead letter. Deleting a missing entry is not an error.
	Delete(ctx context.Context, messageID string) error

	// Resolve flags an entry resolved with operator notes.
	Resolve(ctx context.Context, messageID, notes string, at time.Time) error

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-memory Store.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*DeadLetterMessage
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory dead letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*DeadLetterMessage)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, msg *DeadLetterMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.messages[msg.MessageID] = msg.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, messageID string) (*DeadLetterMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*DeadLetterMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*DeadLetterMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		if filter.matches(msg) {
			out = append(out, msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.messages, messageID)
	return nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(_ context.Context, messageID, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if msg.Resolved {
		return ErrAlreadyResolved
	}
	at = at.UTC()
	msg.Resolved = true
	msg.ResolvedAt = &at
	msg.ResolutionNotes = notes
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
