// Package pending keeps the mutations that could not reach the server and
// replays them, in order and with their original transaction ids, once the
// network is back.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mesa-systems/mesa-stack/terminal/idempotency"
)

// State is the lifecycle position of a MutationEnvelope.
type State string

const (
	StateCreated    State = "created"
	StateDispatched State = "dispatched"
	StateQueued     State = "queued"
	StateConfirmed  State = "confirmed"
	StateDiscarded  State = "discarded"
	// StateAbandoned is terminal: the server refused the credentials.
	StateAbandoned State = "abandoned"
)

var (
	ErrInvalidEnvelope = errors.New("pending: invalid envelope")
	ErrNotQueued       = errors.New("pending: no queued mutation with that key")
	// ErrCancelled is the settlement error of a mutation removed by the user.
	ErrCancelled = errors.New("pending: cancelled by user")
)

// MutationEnvelope is one user-initiated mutation, stored with everything
// needed to send it again.
type MutationEnvelope struct {
	IdempotencyKey   string          `json:"idempotency_key"`
	Module           string          `json:"module"`
	RestaurantID     string          `json:"restaurant_id"`
	Endpoint         string          `json:"endpoint"`
	Method           string          `json:"method"`
	Payload          json.RawMessage `json:"payload"`
	FirstAttemptedAt time.Time       `json:"first_attempted_at"`
	LastAttemptedAt  time.Time       `json:"last_attempted_at,omitzero"`
	Attempts         int             `json:"attempts"`
	State            State           `json:"state"`
	LastError        string          `json:"last_error,omitempty"`
}

// Validate checks the fields a replay depends on. The payload must be a JSON
// object carrying the envelope's key as transaction_id.
func (e MutationEnvelope) Validate() error {
	if !idempotency.Valid(e.IdempotencyKey) {
		return fmt.Errorf("%w: idempotency key %q", ErrInvalidEnvelope, e.IdempotencyKey)
	}
	if e.Module == "" || e.Endpoint == "" || e.Method == "" {
		return fmt.Errorf("%w: module, endpoint and method are required", ErrInvalidEnvelope)
	}

	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
	}
	if body.TransactionID != e.IdempotencyKey {
		return fmt.Errorf("%w: payload transaction_id %q does not match key", ErrInvalidEnvelope, body.TransactionID)
	}
	return nil
}

// Outcome is how a replayed envelope left the queue.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeDiscarded
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Settlement is delivered to OnSettled hooks when an envelope leaves the queue.
type Settlement struct {
	Envelope MutationEnvelope
	Outcome  Outcome
	// Response is the envelope data of a confirmed replay.
	Response json.RawMessage
	Err      error
}
