package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/messaging"
	"github.com/mesa-systems/mesa-stack/common/models"
)

// NATSTransport reads restaurant rooms straight from the message bus. It is
// meant for back-office processes running next to the erp service; the NATS
// client resubscribes on reconnect by itself.
type NATSTransport struct {
	client messaging.Client
	logger *logging.Logger

	mu     sync.Mutex
	subs   map[string]messaging.Subscription
	closed bool

	stopState func()
	ctx       context.Context
	cancel    context.CancelFunc

	events chan models.Event
	status chan Status
}

// NewNATSTransport wraps client. If client implements messaging.StateNotifier
// its connectivity transitions are reported on Status.
func NewNATSTransport(client messaging.Client, logger *logging.Logger) *NATSTransport {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &NATSTransport{
		client:    client,
		logger:    logger.With(logging.Module("socket")),
		subs:      make(map[string]messaging.Subscription),
		stopState: func() {},
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan models.Event, 256),
		status:    make(chan Status, 16),
	}

	if n, ok := client.(messaging.StateNotifier); ok {
		t.stopState = n.OnStateChange(t.onState)
	}
	return t
}

func (t *NATSTransport) onState(state messaging.ConnectionState) {
	var s Status
	switch state {
	case messaging.StateDisconnected:
		s = StatusDisconnected
	case messaging.StateReconnected:
		s = StatusReconnected
	default:
		return
	}
	select {
	case t.status <- s:
	case <-t.ctx.Done():
	}
}

func (t *NATSTransport) Events() <-chan models.Event { return t.events }
func (t *NATSTransport) Status() <-chan Status       { return t.status }
func (t *NATSTransport) IsConnected() bool           { return t.client.IsConnected() }

func (t *NATSTransport) Join(_ context.Context, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if _, ok := t.subs[room]; ok {
		return nil
	}
	sub, err := t.client.Subscribe(messaging.RestaurantRoomSubject(room), t.handle)
	if err != nil {
		return fmt.Errorf("subscribe to room %s: %w", room, err)
	}
	t.subs[room] = sub
	return nil
}

func (t *NATSTransport) Leave(room string) error {
	t.mu.Lock()
	sub, ok := t.subs[room]
	delete(t.subs, room)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *NATSTransport) handle(ctx context.Context, msg *messaging.Message) error {
	var ev models.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return fmt.Errorf("decode event on %s: %w", msg.Subject, err)
	}
	if ev.RestaurantID == "" {
		ev.RestaurantID, _, _ = messaging.ParseRestaurantEventSubject(msg.Subject)
	}
	select {
	case t.events <- ev:
		return nil
	case <-t.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unsubscribes every room. The NATS client itself is owned by the caller.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]messaging.Subscription)
	t.mu.Unlock()

	t.stopState()
	t.cancel()
	for room, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Debug("unsubscribe failed", "room", room, logging.Error(err))
		}
	}
	return nil
}
