package socket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
)

type fakeTransport struct {
	mu        sync.Mutex
	joined    []string
	left      []string
	joinErr   error
	connected atomic.Bool
	closed    atomic.Bool

	events chan models.Event
	status chan Status
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{
		events: make(chan models.Event, 16),
		status: make(chan Status, 4),
	}
	t.connected.Store(true)
	return t
}

func (f *fakeTransport) Join(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, room)
	return nil
}

func (f *fakeTransport) Leave(room string) error {
	f.mu.Lock()
	f.left = append(f.left, room)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Events() <-chan models.Event { return f.events }
func (f *fakeTransport) Status() <-chan Status       { return f.status }
func (f *fakeTransport) IsConnected() bool           { return f.connected.Load() }
func (f *fakeTransport) Close() error                { f.closed.Store(true); return nil }

func (f *fakeTransport) calls() (joined, left []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joined...), append([]string(nil), f.left...)
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	m := NewManager(tr, logging.Discard())
	t.Cleanup(func() { _ = m.Close() })
	return m, tr
}

func TestConnect_IdempotentAndSwitching(t *testing.T) {
	m, tr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "r-1"))
	require.NoError(t, m.Connect(ctx, "r-1"))
	assert.Equal(t, "r-1", m.RestaurantID())
	assert.True(t, m.IsConnected())

	require.NoError(t, m.Connect(ctx, "r-2"))
	joined, left := tr.calls()
	assert.Equal(t, []string{"r-1", "r-2"}, joined)
	assert.Equal(t, []string{"r-1"}, left)
	assert.Equal(t, "r-2", m.RestaurantID())
}

func TestConnect_JoinRefused(t *testing.T) {
	m, tr := newTestManager(t)
	tr.joinErr = errors.New("forbidden")

	assert.Error(t, m.Connect(context.Background(), "r-1"))
	assert.Empty(t, m.RestaurantID())
	assert.False(t, m.IsConnected())
}

func TestDisconnect(t *testing.T) {
	m, tr := newTestManager(t)

	require.NoError(t, m.Connect(context.Background(), "r-1"))
	m.Disconnect()
	m.Disconnect()

	_, left := tr.calls()
	assert.Equal(t, []string{"r-1"}, left)
	assert.False(t, m.IsConnected())
	assert.Empty(t, m.RestaurantID())
}

func TestIsConnectedFollowsTransport(t *testing.T) {
	m, tr := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "r-1"))

	tr.connected.Store(false)
	assert.False(t, m.IsConnected())
	tr.connected.Store(true)
	assert.True(t, m.IsConnected())
}

func TestDispatch(t *testing.T) {
	m, tr := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "r-1"))

	got := make(chan models.Event, 8)
	m.On(models.EventNewOrder, func(_ context.Context, ev models.Event) { got <- ev })

	tr.events <- models.Event{ID: "foreign", Name: models.EventNewOrder, RestaurantID: "r-9"}
	tr.events <- models.Event{ID: "unhandled", Name: models.EventReservationCreated, RestaurantID: "r-1"}
	tr.events <- models.Event{ID: "e1", Name: models.EventNewOrder, RestaurantID: "r-1"}

	select {
	case ev := <-got:
		assert.Equal(t, "e1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
	assert.Empty(t, got)
}

func TestOnReplacesAndOffRemoves(t *testing.T) {
	m, tr := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "r-1"))

	var first, second atomic.Int32
	m.On(models.EventNewOrder, func(context.Context, models.Event) { first.Add(1) })
	m.On(models.EventNewOrder, func(context.Context, models.Event) { second.Add(1) })

	tr.events <- models.Event{Name: models.EventNewOrder, RestaurantID: "r-1"}
	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())

	m.Off(models.EventNewOrder)
	tr.events <- models.Event{Name: models.EventNewOrder, RestaurantID: "r-1"}

	marker := make(chan struct{})
	m.On(models.EventOrderStatusUpdated, func(context.Context, models.Event) { close(marker) })
	tr.events <- models.Event{Name: models.EventOrderStatusUpdated, RestaurantID: "r-1"}
	<-marker
	assert.Equal(t, int32(1), second.Load())
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	m, tr := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "r-1"))

	done := make(chan struct{})
	m.On("boom", func(context.Context, models.Event) { panic("handler bug") })
	m.On("ok", func(context.Context, models.Event) { close(done) })

	tr.events <- models.Event{Name: "boom", RestaurantID: "r-1"}
	tr.events <- models.Event{Name: "ok", RestaurantID: "r-1"}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch stopped after panic")
	}
}

func TestReconnectHooks(t *testing.T) {
	m, tr := newTestManager(t)

	var order []int
	var mu sync.Mutex
	ran := make(chan struct{}, 4)
	m.OnReconnect(func(context.Context) { mu.Lock(); order = append(order, 1); mu.Unlock(); ran <- struct{}{} })
	cancel := m.OnReconnect(func(context.Context) { mu.Lock(); order = append(order, 2); mu.Unlock(); ran <- struct{}{} })

	// No room held: nothing to recover.
	tr.status <- StatusReconnected
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ran)

	require.NoError(t, m.Connect(context.Background(), "r-1"))
	tr.status <- StatusDisconnected
	tr.status <- StatusReconnected
	<-ran
	<-ran
	mu.Lock()
	assert.Equal(t, []int{1, 2}, order)
	mu.Unlock()

	cancel()
	tr.status <- StatusReconnected
	<-ran
	mu.Lock()
	assert.Equal(t, []int{1, 2, 1}, order)
	mu.Unlock()
}

func TestConnectedStatusRunsHooks(t *testing.T) {
	m, tr := newTestManager(t)
	ran := make(chan struct{}, 2)
	m.OnReconnect(func(context.Context) { ran <- struct{}{} })

	// joined while the transport was still dialing
	tr.connected.Store(false)
	require.NoError(t, m.Connect(context.Background(), "r-1"))
	assert.False(t, m.IsConnected())

	tr.connected.Store(true)
	tr.status <- StatusConnected
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("hooks did not run on the first connect")
	}
	assert.True(t, m.IsConnected())
}

func TestClose(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, nil)
	require.NoError(t, m.Connect(context.Background(), "r-1"))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, tr.closed.Load())
	_, left := tr.calls()
	assert.Equal(t, []string{"r-1"}, left)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "reconnected", StatusReconnected.String())
	assert.Equal(t, "unknown", Status(42).String())
}
