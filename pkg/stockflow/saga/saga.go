// Package saga coordinates multi-step business transactions over the bus.
//
// A saga is a sequence of steps. Each step publishes a forward event and
// waits for the completion event caused by it. When a step fails, the
// completed steps are compensated in reverse order by publishing their
// compensation events.
//
// Steps are data: every forward and compensation event is built up front
// when the saga starts, so a persisted Context fully describes what the
// saga will publish.
package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

// Status represents the state of a saga.
type Status string

// Saga status constants.
const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the saga has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// StepStatus represents the state of one step.
type StepStatus string

// Step status constants.
const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// DefaultStepTimeout bounds a step when neither the step nor the
// definition sets a timeout.
const DefaultStepTimeout = 30 * time.Second

// StepDefinition describes one step.
type StepDefinition struct {
	// ID identifies the step within the saga.
	ID string

	// Handler is the name of the bus handler serving ForwardType. A
	// bus.handler.failed notice from that handler fails the step. Empty
	// accepts a failure notice from any handler.
	Handler string

	// ForwardType is the event published to run the step.
	ForwardType string

	// CompletionType is the event that completes the step.
	CompletionType string

	// FailureTypes are events that fail the step.
	FailureTypes []string

	// CompensationType is published to undo the step. Empty means the
	// step needs no compensation.
	CompensationType string

	// CompensationCompletionType confirms the compensation. Empty means
	// compensation is complete once published.
	CompensationCompletionType string

	// CompensationHandler is the bus handler serving CompensationType.
	// Empty accepts a failure notice from any handler.
	CompensationHandler string

	// Timeout bounds the wait for the completion event. Zero uses the
	// definition's StepTimeout.
	Timeout time.Duration
}

// Definition defines a saga type.
type Definition struct {
	// Name identifies this saga type.
	Name string

	// Steps are executed in order.
	Steps []StepDefinition

	// StepTimeout is the default timeout per step.
	StepTimeout time.Duration

	// AggregateType is set on every event the saga publishes.
	AggregateType string

	// OnComplete is called when the saga completes successfully.
	OnComplete func(sc *Context)

	// OnCompensate is called when compensation finishes cleanly.
	OnCompensate func(sc *Context)

	// OnFailed is called when compensation itself fails.
	OnFailed func(sc *Context)
}

// Validate checks the saga definition for errors.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("saga name is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("saga must have at least one step")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("step %d: duplicate id %q", i, step.ID)
		}
		seen[step.ID] = true
		if step.ForwardType == "" {
			return fmt.Errorf("step %d (%s): forward type is required", i, step.ID)
		}
		if step.CompletionType == "" {
			return fmt.Errorf("step %d (%s): completion type is required", i, step.ID)
		}
		if step.CompensationCompletionType != "" && step.CompensationType == "" {
			return fmt.Errorf("step %d (%s): compensation completion without compensation", i, step.ID)
		}
	}
	return nil
}

func (d *Definition) stepTimeout(step StepDefinition) time.Duration {
	switch {
	case step.Timeout > 0:
		return step.Timeout
	case d.StepTimeout > 0:
		return d.StepTimeout
	default:
		return DefaultStepTimeout
	}
}

// StepState tracks one step of a running saga.
type StepState struct {
	StepID            string          `json:"step_id"`
	Handler           string          `json:"handler,omitempty"`
	ForwardEvent      event.Event     `json:"forward_event"`
	CompensationEvent *event.Event    `json:"compensation_event,omitempty"`
	Status            StepStatus      `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	CompensatedAt     *time.Time      `json:"compensated_at,omitempty"`
}

// Context is the persisted state of one saga.
type Context struct {
	SagaID                     string          `json:"saga_id"`
	SagaType                   string          `json:"saga_type"`
	AggregateID                string          `json:"aggregate_id"`
	Input                      json.RawMessage `json:"input,omitempty"`
	Steps                      []StepState     `json:"steps"`
	CurrentStepIndex           int             `json:"current_step_index"`
	Status                     Status          `json:"status"`
	RequiresManualIntervention bool            `json:"requires_manual_intervention"`
	Error                      string          `json:"error,omitempty"`
	CreatedAt                  time.Time       `json:"created_at"`
	UpdatedAt                  time.Time       `json:"updated_at"`
	FinishedAt                 *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	clone := *c
	clone.Input = append(json.RawMessage(nil), c.Input...)
	clone.Steps = make([]StepState, len(c.Steps))
	for i, s := range c.Steps {
		s.Result = append(json.RawMessage(nil), s.Result...)
		if s.CompensationEvent != nil {
			evt := *s.CompensationEvent
			s.CompensationEvent = &evt
		}
		s.StartedAt = cloneTime(s.StartedAt)
		s.FinishedAt = cloneTime(s.FinishedAt)
		s.CompensatedAt = cloneTime(s.CompensatedAt)
		clone.Steps[i] = s
	}
	clone.FinishedAt = cloneTime(c.FinishedAt)
	return &clone
}

// Step returns the state of the step with the given ID.
func (c *Context) Step(id string) (StepState, bool) {
	for _, s := range c.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepState{}, false
}

// Completed reports whether every step completed.
func (c *Context) Completed() bool {
	for _, s := range c.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
