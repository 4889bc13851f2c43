package event

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Schema describes a registered event type.
type Schema struct {
	// Type is the event type (e.g. "stock.allocation.requested").
	Type string

	// Versions lists the schema versions consumers can read.
	// Empty accepts any version.
	Versions []string

	// Description explains the event's purpose.
	Description string

	// Validator is an optional payload check.
	Validator func(Event) error
}

// Accepts reports whether the schema can read the given version.
func (s *Schema) Accepts(version string) bool {
	if len(s.Versions) == 0 {
		return true
	}
	for _, v := range s.Versions {
		if v == version {
			return true
		}
	}
	return false
}

// Validate checks an event against the schema.
func (s *Schema) Validate(evt Event) error {
	if evt.Type() != s.Type {
		return fmt.Errorf("event type mismatch: expected %s, got %s", s.Type, evt.Type())
	}
	if !s.Accepts(evt.Version()) {
		return fmt.Errorf("unsupported version %s for %s (accepts %s)",
			evt.Version(), s.Type, strings.Join(s.Versions, ", "))
	}
	if s.Validator != nil {
		if err := s.Validator(evt); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}

// Registry holds event schemas keyed by type.
// Events whose type has no schema pass validation.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds a schema. Registering a type twice is an error.
func (r *Registry) Register(schema *Schema) error {
	if schema.Type == "" {
		return fmt.Errorf("schema type is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[schema.Type]; exists {
		return fmt.Errorf("schema for %q already registered", schema.Type)
	}
	r.schemas[schema.Type] = schema
	return nil
}

// MustRegister registers a schema, panicking on error.
func (r *Registry) MustRegister(schema *Schema) {
	if err := r.Register(schema); err != nil {
		panic(err)
	}
}

// Get returns the schema for a type, or nil.
func (r *Registry) Get(eventType string) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[eventType]
}

// Validate checks evt against its schema, if one is registered.
func (r *Registry) Validate(evt Event) error {
	schema := r.Get(evt.Type())
	if schema == nil {
		return nil
	}
	return schema.Validate(evt)
}

// Types returns registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
