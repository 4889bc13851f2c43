package bus

import (
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
	"github.com/randalmurphal/stockflow/pkg/stockflow/resilience"
)

// TypeHandlerFailed is published when a delivery is dead-lettered. It is
// caused by the failing event and shares its correlation ID.
const TypeHandlerFailed = "bus.handler.failed"

// HandlerFailure is the payload of a TypeHandlerFailed event.
type HandlerFailure struct {
	MessageID                  string `json:"message_id"`
	Handler                    string `json:"handler"`
	EventID                    string `json:"event_id"`
	EventType                  string `json:"event_type"`
	ErrorType                  string `json:"error_type"`
	ErrorMessage               string `json:"error_message"`
	Attempts                   int    `json:"attempts"`
	RequiresManualIntervention bool   `json:"requires_manual_intervention"`
}

func newFailureEvent(failed event.Event, dl *resilience.DeadLetterMessage, attempts int) (event.Event, error) {
	return event.NewFromParent(failed, TypeHandlerFailed, HandlerFailure{
		MessageID:                  dl.MessageID,
		Handler:                    dl.HandlerName,
		EventID:                    failed.ID(),
		EventType:                  failed.Type(),
		ErrorType:                  dl.ErrorType,
		ErrorMessage:               dl.ErrorMessage,
		Attempts:                   attempts,
		RequiresManualIntervention: dl.RequiresManualIntervention,
	}, event.WithMetadata("handler", dl.HandlerName))
}

// DecodeFailure extracts the failure details from a TypeHandlerFailed event.
func DecodeFailure(evt event.Event) (HandlerFailure, error) {
	var f HandlerFailure
	err := evt.Decode(&f)
	return f, err
}
