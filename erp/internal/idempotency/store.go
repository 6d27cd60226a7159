// Package idempotency records the outcome of every mutation by its
// transaction id so a retried request is answered from the record instead of
// executing twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrInProgress = errors.New("idempotency: transaction in progress")

const (
	DefaultRetention = 24 * time.Hour
	// DefaultLockTTL bounds how long a crashed execution blocks its key.
	DefaultLockTTL = time.Minute
)

// Record is the stored result of a completed mutation.
type Record struct {
	Status      int             `json:"status"`
	Data        json.RawMessage `json:"data"`
	Message     string          `json:"message,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Store claims and completes transaction ids. scope isolates key spaces,
// the erp uses the restaurant id.
type Store interface {
	// Begin claims key. It returns the record of an already completed
	// execution, ErrInProgress while another execution holds the key, or
	// (nil, nil) when the caller now owns the key and must Complete or
	// Release it.
	Begin(ctx context.Context, scope, key string) (*Record, error)
	// Complete stores rec for the retention period.
	Complete(ctx context.Context, scope, key string, rec Record) error
	// Release gives up an owned key without recording a result, so a retry
	// executes again.
	Release(ctx context.Context, scope, key string) error
}

func storageKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}
