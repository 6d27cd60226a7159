// Package socket keeps a terminal subscribed to its restaurant's realtime room
// and dispatches incoming broadcasts to per-event handlers.
package socket

import (
	"context"

	"github.com/mesa-systems/mesa-stack/common/models"
)

// Status is a connectivity transition reported by a Transport.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
	// StatusReconnected is emitted after the transport has re-joined every
	// room it held before the connection dropped.
	StatusReconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Transport delivers room broadcasts. Implementations reconnect on their own
// and never surface connection loss as an error: it is reported on Status.
type Transport interface {
	// Join subscribes to room. While disconnected the room is remembered and
	// joined on the next connect.
	Join(ctx context.Context, room string) error
	Leave(room string) error
	Events() <-chan models.Event
	Status() <-chan Status
	IsConnected() bool
	Close() error
}
