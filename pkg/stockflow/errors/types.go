package errors

import "fmt"

// ValidationError reports an invalid request field. Categorize treats it as
// a business error, so it is never retried.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// TimeoutError reports an operation that ran past its deadline, such as a
// saga step waiting for its completion event.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Handler string
	Value   any
	Stack   []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("panic: %v", e.Value)
	}
	return fmt.Sprintf("handler %s panicked: %v", e.Handler, e.Value)
}
