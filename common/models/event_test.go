package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 3, 14, 20, 15, 0, 0, time.FixedZone("ART", -3*3600))

	ev, err := NewEvent("evt-1", EventCashMovementAdded, "r-1", "tx-1",
		map[string]any{"id": "m-1", "amount": 150.0}, at)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, EventCashMovementAdded, ev.Name)
	assert.Equal(t, "r-1", ev.RestaurantID)
	assert.Equal(t, "tx-1", ev.TransactionID)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.JSONEq(t, `{"id":"m-1","amount":150}`, string(ev.Data))
}

func TestNewEvent_UnmarshalablePayload(t *testing.T) {
	_, err := NewEvent("evt-1", EventNewOrder, "r-1", "", make(chan int), time.Now())
	assert.Error(t, err)
}

func TestEventWireFormat(t *testing.T) {
	ev := Event{
		ID:           "evt-2",
		Name:         EventReservationDeleted,
		RestaurantID: "r-9",
		Data:         json.RawMessage(`{"id":"res-1"}`),
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "evt-2",
		"event": "reservation:deleted",
		"restaurant_id": "r-9",
		"data": {"id": "res-1"},
		"timestamp": "2026-01-02T03:04:05Z"
	}`, string(raw))
}

func TestEventDecode(t *testing.T) {
	ev := Event{Name: EventNewOrder, Data: json.RawMessage(`{"id":"o-1","table":"4"}`)}

	var order struct {
		ID    string `json:"id"`
		Table string `json:"table"`
	}
	require.NoError(t, ev.Decode(&order))
	assert.Equal(t, "o-1", order.ID)
	assert.Equal(t, "4", order.Table)

	assert.Error(t, Event{Name: EventNewOrder}.Decode(&order))
	assert.Error(t, Event{Name: EventNewOrder, Data: json.RawMessage(`[`)}.Decode(&order))
}

func TestEventDedupID(t *testing.T) {
	assert.Equal(t, "tx-1:new_order", Event{ID: "e", Name: EventNewOrder, TransactionID: "tx-1"}.DedupID())
	assert.Equal(t, "e", Event{ID: "e", Name: EventNewOrder}.DedupID())
}

func TestFrameOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(Frame{Type: FrameJoin, Room: "r-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join","room":"r-1"}`, string(raw))
}
