package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Realtime event names published to a restaurant room.
const (
	EventCashSessionUpdated = "cash:session_updated"
	EventCashMovementAdded  = "cash:movement_added"

	EventReservationCreated = "reservation:created"
	EventReservationUpdated = "reservation:updated"
	EventReservationDeleted = "reservation:deleted"

	EventNewOrder           = "new_order"
	EventOrderStatusUpdated = "order_status_updated"
)

// Event is a broadcast delivered to every client subscribed to a restaurant
// room. Data is a full entity snapshot, never a delta. TransactionID is the
// idempotency key of the mutation that caused it, empty for server-initiated
// changes.
type Event struct {
	ID            string          `json:"id"`
	Name          string          `json:"event"`
	RestaurantID  string          `json:"restaurant_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent marshals data into an Event.
func NewEvent(id, name, restaurantID, transactionID string, data any, at time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{
		ID:            id,
		Name:          name,
		RestaurantID:  restaurantID,
		TransactionID: transactionID,
		Data:          raw,
		Timestamp:     at.UTC(),
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// DedupID identifies one logical broadcast for broker-side deduplication.
// Events without a transaction id fall back to the event id.
func (e Event) DedupID() string {
	if e.TransactionID == "" {
		return e.ID
	}
	return e.TransactionID + ":" + e.Name
}

// Websocket frame types exchanged between the gateway and terminals.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FrameEvent = "event"
	FrameAck   = "ack"
	FrameError = "error"
)

// Frame is the envelope of every websocket message. Terminals send join and
// leave frames; the gateway answers with ack or error and pushes event frames.
type Frame struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Event   *Event `json:"event,omitempty"`
	Message string `json:"message,omitempty"`
}
