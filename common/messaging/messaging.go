// Package messaging provides abstractions for message broker communication.
// The erp service publishes restaurant events through it and terminals
// subscribe to their restaurant room without depending on a broker.
package messaging

import (
	"context"
	"time"
)

// HeaderMsgID carries the broker-side deduplication id of a published message.
const HeaderMsgID = "Nats-Msg-Id"

// Message represents a message received from or sent to a message broker.
type Message struct {
	Subject string
	Data    []byte

	// Reply is an optional subject for request/reply patterns.
	Reply string

	// Metadata holds message headers.
	Metadata map[string]string

	Timestamp time.Time
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject (fire-and-forget).
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message with full control over headers.
	PublishMsg(ctx context.Context, msg *Message) error

	// Request sends a message and waits for a response.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)

	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	// Subscribe fans every message on subject out to handler.
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe load-balances messages across the members of queue.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	Close() error
}

// Client combines Publisher and Subscriber.
type Client interface {
	Publisher
	Subscriber

	// Drain gracefully closes the connection, allowing in-flight messages to complete.
	Drain() error

	IsConnected() bool
}

// ConnectionState is a broker connectivity transition.
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateReconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnected:
		return "reconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateNotifier is implemented by clients that report connectivity
// transitions. Listeners are called from the client's callback goroutine
// and must not block.
type StateNotifier interface {
	OnStateChange(fn func(ConnectionState)) (cancel func())
}
