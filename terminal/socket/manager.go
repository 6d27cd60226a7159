package socket

import (
	"context"
	"sync"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
)

// Handler processes one broadcast. Handlers run on the manager's dispatch
// goroutine in transport order.
type Handler func(ctx context.Context, ev models.Event)

// Manager holds the single room subscription of the active restaurant.
type Manager struct {
	transport Transport
	logger    *logging.Logger

	mu       sync.RWMutex
	room     string
	handlers map[string]Handler

	hooksMu sync.RWMutex
	hooks   map[int]func(context.Context)
	nextID  int
	// reconnectMu serialises reconnect hook runs.
	reconnectMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewManager starts dispatching events from transport.
func NewManager(transport Transport, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: transport,
		logger:    logger.With(logging.Module("socket")),
		handlers:  make(map[string]Handler),
		hooks:     make(map[int]func(context.Context)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

// Connect joins the room of restaurantID. Connecting to the current room is a
// no-op; connecting to another room leaves the current one first.
func (m *Manager) Connect(ctx context.Context, restaurantID string) error {
	m.mu.Lock()
	prev := m.room
	if prev == restaurantID {
		m.mu.Unlock()
		return nil
	}
	m.room = restaurantID
	m.mu.Unlock()

	if prev != "" {
		if err := m.transport.Leave(prev); err != nil {
			m.logger.Debug("leave failed", logging.RestaurantID(prev), logging.Error(err))
		}
	}
	if err := m.transport.Join(ctx, restaurantID); err != nil {
		m.mu.Lock()
		if m.room == restaurantID {
			m.room = ""
		}
		m.mu.Unlock()
		return err
	}
	m.logger.Info("joined restaurant room", logging.RestaurantID(restaurantID))
	return nil
}

// Disconnect leaves the current room. Calling it with no room is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	room := m.room
	m.room = ""
	m.mu.Unlock()

	if room == "" {
		return
	}
	if err := m.transport.Leave(room); err != nil {
		m.logger.Debug("leave failed", logging.RestaurantID(room), logging.Error(err))
	}
}

// On sets the handler for event, replacing any previous one.
func (m *Manager) On(event string, h Handler) {
	m.mu.Lock()
	m.handlers[event] = h
	m.mu.Unlock()
}

// Off removes the handler for event.
func (m *Manager) Off(event string) {
	m.mu.Lock()
	delete(m.handlers, event)
	m.mu.Unlock()
}

// OnReconnect registers fn to run whenever the transport comes up holding the
// room: after the first connect completes a join that was remembered while
// offline, and after every re-join following a connection loss. Broadcasts
// sent before the room was joined are only recoverable by fn.
func (m *Manager) OnReconnect(fn func(context.Context)) (cancel func()) {
	m.hooksMu.Lock()
	id := m.nextID
	m.nextID++
	m.hooks[id] = fn
	m.hooksMu.Unlock()

	return func() {
		m.hooksMu.Lock()
		delete(m.hooks, id)
		m.hooksMu.Unlock()
	}
}

// IsConnected reports whether a room is held over a live connection.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	room := m.room
	m.mu.RUnlock()
	return room != "" && m.transport.IsConnected()
}

// RestaurantID returns the current room, empty when disconnected.
func (m *Manager) RestaurantID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.room
}

// Close leaves the room, stops dispatching and closes the transport.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		m.Disconnect()
		m.cancel()
		err = m.transport.Close()
		<-m.done
	})
	return err
}

func (m *Manager) run() {
	defer close(m.done)

	events := m.transport.Events()
	status := m.transport.Status()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(ev)
		case s, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			m.logger.Debug("transport status", "status", s.String())
			if s == StatusConnected || s == StatusReconnected {
				go m.runReconnectHooks()
			}
		}
	}
}

func (m *Manager) dispatch(ev models.Event) {
	m.mu.RLock()
	room := m.room
	h := m.handlers[ev.Name]
	m.mu.RUnlock()

	// Late events from a room this terminal already left.
	if room == "" || (ev.RestaurantID != "" && ev.RestaurantID != room) {
		return
	}
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", logging.Event(ev.Name), "panic", r)
		}
	}()
	h(m.ctx, ev)
}

func (m *Manager) runReconnectHooks() {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if m.ctx.Err() != nil || m.RestaurantID() == "" {
		return
	}

	m.hooksMu.RLock()
	hooks := make([]func(context.Context), 0, len(m.hooks))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.hooks[id]; ok {
			hooks = append(hooks, fn)
		}
	}
	m.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(m.ctx)
	}
}
