// Package idempotency generates the transaction ids that tag every
// client-issued mutation. The same id travels in the REST body as
// transaction_id, is held by the echo guard, keys the optimistic snapshot and
// survives in the pending queue for replays.
package idempotency

import "github.com/google/uuid"

// NewKey returns a fresh random (version 4) UUID string. It never fails: if
// the random source errors the process-wide uuid.New panics, which is the
// same contract crypto/rand offers.
func NewKey() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// Valid reports whether key is a well-formed UUID in canonical form.
func Valid(key string) bool {
	if len(key) != 36 {
		return false
	}
	_, err := uuid.Parse(key)
	return err == nil
}
