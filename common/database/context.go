// Package database holds the time budgets of erp repository calls.
package database

import (
	"context"
	"time"
)

const (
	QueryTimeout = 5 * time.Second
	WriteTimeout = 10 * time.Second
)

// QueryContext bounds a read by QueryTimeout. Reads follow the caller: a
// terminal that hung up does not need its list.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, QueryTimeout)
}

// WriteContext bounds a write by WriteTimeout but ignores the caller's
// cancellation. A mutation that reached the database finishes even if the
// terminal disconnects, so its idempotency record can answer the replay.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), WriteTimeout)
}
