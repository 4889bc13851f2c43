package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

type exitPayload struct {
	LotID    string `json:"lot_id"`
	Quantity int    `json:"quantity"`
}

func TestNew_Defaults(t *testing.T) {
	evt, err := event.New("stock.exit.recorded", "sale-1", exitPayload{LotID: "lot-1", Quantity: 3})
	require.NoError(t, err)

	assert.NotEmpty(t, evt.ID())
	assert.Equal(t, "stock.exit.recorded", evt.Type())
	assert.Equal(t, event.DefaultVersion, evt.Version())
	assert.Equal(t, "sale-1", evt.AggregateID())
	assert.Equal(t, evt.ID(), evt.CorrelationID(), "root event correlates to itself")
	assert.Empty(t, evt.CausationID())
	assert.Equal(t, time.UTC, evt.OccurredAt().Location())

	var p exitPayload
	require.NoError(t, evt.Decode(&p))
	assert.Equal(t, exitPayload{LotID: "lot-1", Quantity: 3}, p)
}

func TestNew_RequiresType(t *testing.T) {
	_, err := event.New("", "agg", nil)
	assert.Error(t, err)
}

func TestNew_RejectsInvalidRawPayload(t *testing.T) {
	_, err := event.New("x.y", "agg", json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestNewFromParent(t *testing.T) {
	parent := event.MustNew("sale.requested", "sale-9", nil,
		event.WithAggregateType("sale"),
		event.WithCorrelationID("corr-1"))

	child, err := event.NewFromParent(parent, "sale.validated", map[string]any{"ok": true})
	require.NoError(t, err)

	assert.Equal(t, "corr-1", child.CorrelationID())
	assert.Equal(t, parent.ID(), child.CausationID())
	assert.Equal(t, "sale-9", child.AggregateID())
	assert.Equal(t, "sale", child.AggregateType())
	assert.NotEqual(t, parent.ID(), child.ID())
}

func TestEvent_Immutability(t *testing.T) {
	evt := event.MustNew("a.b", "agg", map[string]int{"n": 1}, event.WithMetadata("k", "v"))

	md := evt.Metadata()
	md["k"] = "changed"
	assert.Equal(t, "v", evt.Meta("k"))

	p := evt.Payload()
	p[0] = '['
	assert.JSONEq(t, `{"n":1}`, string(evt.Payload()))
}

func TestEvent_WireRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	evt := event.MustNew("stock.exit.recorded", "sale-1", exitPayload{LotID: "l", Quantity: 1},
		event.WithID("11111111-1111-1111-1111-111111111111"),
		event.WithOccurredAt(at),
		event.WithCorrelationID("corr"),
		event.WithCausationID("cause"),
		event.WithVersion("2.1"),
	)

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", wire["event_id"])
	assert.Equal(t, "stock.exit.recorded", wire["event_type"])
	assert.Equal(t, "2.1", wire["event_version"])
	assert.Equal(t, "2024-05-01T10:00:00Z", wire["occurred_at"])
	assert.Equal(t, "corr", wire["correlation_id"])
	assert.Equal(t, "cause", wire["causation_id"])

	var decoded event.Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, evt.ID(), decoded.ID())
	assert.Equal(t, evt.CausationID(), decoded.CausationID())
	assert.True(t, at.Equal(decoded.OccurredAt()))
	assert.JSONEq(t, string(evt.Payload()), string(decoded.Payload()))
}

func TestEvent_UnmarshalRequiresIdentity(t *testing.T) {
	var evt event.Event
	assert.Error(t, json.Unmarshal([]byte(`{"event_type":"a.b"}`), &evt))
	assert.Error(t, json.Unmarshal([]byte(`{"event_id":"x"}`), &evt))
}

func TestEnvelope_OrderingKey(t *testing.T) {
	withAgg := event.NewEnvelope(event.MustNew("a.b", "sale-1", nil), 3)
	withoutAgg := event.NewEnvelope(event.MustNew("a.b", "", nil), 3)

	assert.Equal(t, "agg:sale-1", withAgg.OrderingKey())
	assert.Equal(t, "evt:"+withoutAgg.Event.ID(), withoutAgg.OrderingKey())
	assert.Equal(t, "a.b", withAgg.RoutingKey)
	assert.Equal(t, 3, withAgg.MaxRetries)

	clone := withAgg.Clone()
	clone.Headers["x"] = "y"
	assert.Empty(t, withAgg.Headers)
}
