package socket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/messaging"
	"github.com/mesa-systems/mesa-stack/common/models"
)

type fakeSub struct {
	subject string
	valid   bool
}

func (s *fakeSub) Unsubscribe() error { s.valid = false; return nil }
func (s *fakeSub) Subject() string    { return s.subject }
func (s *fakeSub) IsValid() bool      { return s.valid }

// fakeBus routes published messages to matching room subscriptions.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]messaging.MessageHandler
	subs     map[string]*fakeSub
	listener func(messaging.ConnectionState)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string]messaging.MessageHandler{}, subs: map[string]*fakeSub{}}
}

func (b *fakeBus) Publish(ctx context.Context, subject string, data []byte) error {
	rid, _, ok := messaging.ParseRestaurantEventSubject(subject)
	if !ok {
		return nil
	}
	b.mu.Lock()
	h := b.handlers[messaging.RestaurantRoomSubject(rid)]
	sub := b.subs[messaging.RestaurantRoomSubject(rid)]
	b.mu.Unlock()
	if h == nil || !sub.valid {
		return nil
	}
	return h(ctx, &messaging.Message{Subject: subject, Data: data})
}

func (b *fakeBus) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	return b.Publish(ctx, msg.Subject, msg.Data)
}

func (b *fakeBus) Request(context.Context, string, []byte, time.Duration) (*messaging.Message, error) {
	return nil, nil
}

func (b *fakeBus) Subscribe(subject string, h messaging.MessageHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSub{subject: subject, valid: true}
	b.handlers[subject] = h
	b.subs[subject] = sub
	return sub, nil
}

func (b *fakeBus) QueueSubscribe(subject, _ string, h messaging.MessageHandler) (messaging.Subscription, error) {
	return b.Subscribe(subject, h)
}

func (b *fakeBus) Close() error      { return nil }
func (b *fakeBus) Drain() error      { return nil }
func (b *fakeBus) IsConnected() bool { return true }

func (b *fakeBus) OnStateChange(fn func(messaging.ConnectionState)) func() {
	b.mu.Lock()
	b.listener = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.listener = nil
		b.mu.Unlock()
	}
}

func (b *fakeBus) fire(state messaging.ConnectionState) {
	b.mu.Lock()
	fn := b.listener
	b.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func publishEvent(t *testing.T, bus *fakeBus, ev models.Event) {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), messaging.RestaurantEventSubject(ev.RestaurantID, ev.Name), raw))
}

func TestNATSTransport_RoomEvents(t *testing.T) {
	bus := newFakeBus()
	tr := NewNATSTransport(bus, logging.Discard())
	defer tr.Close()

	require.NoError(t, tr.Join(context.Background(), "r-1"))
	require.NoError(t, tr.Join(context.Background(), "r-1"))
	assert.Len(t, bus.subs, 1)
	assert.Equal(t, "erp.restaurant.r-1.events.>", bus.subs["erp.restaurant.r-1.events.>"].Subject())

	publishEvent(t, bus, models.Event{ID: "e1", Name: models.EventCashMovementAdded, RestaurantID: "r-1"})
	publishEvent(t, bus, models.Event{ID: "e2", Name: models.EventCashMovementAdded, RestaurantID: "r-2"})

	ev := <-tr.Events()
	assert.Equal(t, "e1", ev.ID)
	assert.Empty(t, tr.Events())

	require.NoError(t, tr.Leave("r-1"))
	publishEvent(t, bus, models.Event{ID: "e3", Name: models.EventNewOrder, RestaurantID: "r-1"})
	assert.Empty(t, tr.Events())
}

func TestNATSTransport_FillsRestaurantFromSubject(t *testing.T) {
	bus := newFakeBus()
	tr := NewNATSTransport(bus, logging.Discard())
	defer tr.Close()
	require.NoError(t, tr.Join(context.Background(), "r-7"))

	raw := []byte(`{"id":"e1","event":"new_order","data":{}}`)
	require.NoError(t, bus.Publish(context.Background(), "erp.restaurant.r-7.events.new_order", raw))

	ev := <-tr.Events()
	assert.Equal(t, "r-7", ev.RestaurantID)
}

func TestNATSTransport_Status(t *testing.T) {
	bus := newFakeBus()
	tr := NewNATSTransport(bus, logging.Discard())

	bus.fire(messaging.StateDisconnected)
	bus.fire(messaging.StateConnected)
	bus.fire(messaging.StateReconnected)

	assert.Equal(t, StatusDisconnected, <-tr.Status())
	assert.Equal(t, StatusReconnected, <-tr.Status())
	assert.True(t, tr.IsConnected())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Error(t, tr.Join(context.Background(), "r-1"))

	bus.mu.Lock()
	assert.Nil(t, bus.listener, "state listener released on close")
	bus.mu.Unlock()
}

func TestNATSTransport_WithManager(t *testing.T) {
	bus := newFakeBus()
	m := NewManager(NewNATSTransport(bus, logging.Discard()), logging.Discard())
	defer m.Close()

	got := make(chan models.Event, 1)
	m.On(models.EventReservationDeleted, func(_ context.Context, ev models.Event) { got <- ev })
	require.NoError(t, m.Connect(context.Background(), "r-1"))

	publishEvent(t, bus, models.Event{ID: "e1", Name: models.EventReservationDeleted, RestaurantID: "r-1"})
	select {
	case ev := <-got:
		assert.Equal(t, "e1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
}
