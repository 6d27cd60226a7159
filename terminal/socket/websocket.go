package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 90 * time.Second
	joinTimeout  = 5 * time.Second
)

// WebSocketTransport connects to the erp realtime gateway with
// gorilla/websocket and reconnects with exponential backoff, without limit.
type WebSocketTransport struct {
	url    string
	header func() http.Header
	dialer *websocket.Dialer
	logger *logging.Logger
	policy func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	rooms   map[string]struct{}
	waiters map[string]chan error

	writeMu   sync.Mutex
	connected atomic.Bool

	events chan models.Event
	status chan Status
}

type WebSocketOption func(*WebSocketTransport)

// WithBearerToken authenticates the upgrade request. fn is read on every dial
// so a refreshed token is picked up after reconnects.
func WithBearerToken(fn func() string) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.header = func() http.Header {
			h := http.Header{}
			if tok := fn(); tok != "" {
				h.Set("Authorization", "Bearer "+tok)
			}
			return h
		}
	}
}

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(t *WebSocketTransport) { t.dialer = d }
}

func WithWebSocketLogger(l *logging.Logger) WebSocketOption {
	return func(t *WebSocketTransport) { t.logger = l }
}

// WithBackoff overrides the reconnect policy. The policy must not give up.
func WithBackoff(fn func() backoff.BackOff) WebSocketOption {
	return func(t *WebSocketTransport) { t.policy = fn }
}

// DefaultBackoff retries forever, from 250ms up to 30s between attempts.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// NewWebSocketTransport starts connecting to url in the background.
func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		url:     url,
		header:  func() http.Header { return nil },
		dialer:  websocket.DefaultDialer,
		logger:  logging.Default(),
		policy:  DefaultBackoff,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
		waiters: make(map[string]chan error),
		events:  make(chan models.Event, 256),
		status:  make(chan Status, 16),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(logging.Module("socket"))

	go t.run()
	return t
}

func (t *WebSocketTransport) Events() <-chan models.Event { return t.events }
func (t *WebSocketTransport) Status() <-chan Status       { return t.status }
func (t *WebSocketTransport) IsConnected() bool           { return t.connected.Load() }

// Join subscribes to room and, when connected, waits for the gateway's
// acknowledgement. A server-side refusal is returned; connection trouble is not.
func (t *WebSocketTransport) Join(ctx context.Context, room string) error {
	t.mu.Lock()
	t.rooms[room] = struct{}{}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := t.joinAndWait(ctx, conn, room)
	if err != nil && ctx.Err() == nil {
		t.mu.Lock()
		delete(t.rooms, room)
		t.mu.Unlock()
	}
	return err
}

// joinAndWait sends a join frame on conn and waits for its ack. Timeouts and
// write failures count as success: the room stays remembered and is re-joined
// after the next reconnect.
func (t *WebSocketTransport) joinAndWait(ctx context.Context, conn *websocket.Conn, room string) error {
	wait := make(chan error, 1)
	t.mu.Lock()
	t.waiters[room] = wait
	t.mu.Unlock()

	if err := t.write(conn, models.Frame{Type: models.FrameJoin, Room: room}); err != nil {
		t.dropWaiter(room, wait)
		return nil
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		t.dropWaiter(room, wait)
		return nil
	case <-ctx.Done():
		t.dropWaiter(room, wait)
		return ctx.Err()
	}
}

func (t *WebSocketTransport) dropWaiter(room string, wait chan error) {
	t.mu.Lock()
	if t.waiters[room] == wait {
		delete(t.waiters, room)
	}
	t.mu.Unlock()
}

// Leave unsubscribes from room.
func (t *WebSocketTransport) Leave(room string) error {
	t.mu.Lock()
	delete(t.rooms, room)
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = t.write(conn, models.Frame{Type: models.FrameLeave, Room: room})
	return nil
}

// Close stops reconnecting and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	<-t.done
	return nil
}

func (t *WebSocketTransport) run() {
	defer close(t.done)

	first := true
	for {
		conn, err := t.dial()
		if err != nil {
			return // cancelled
		}

		t.mu.Lock()
		t.conn = conn
		rooms := make([]string, 0, len(t.rooms))
		for room := range t.rooms {
			rooms = append(rooms, room)
		}
		t.mu.Unlock()

		readErr := make(chan error, 1)
		go func() { readErr <- t.read(conn) }()

		for _, room := range rooms {
			if err := t.joinAndWait(t.ctx, conn, room); err != nil && t.ctx.Err() == nil {
				t.logger.Warn("re-join refused", "room", room, logging.Error(err))
			}
		}
		t.connected.Store(true)
		if first {
			t.emit(StatusConnected)
		} else {
			t.logger.Info("realtime connection restored", "rooms", len(rooms))
			t.emit(StatusReconnected)
		}
		first = false

		err = <-readErr

		t.connected.Store(false)
		t.mu.Lock()
		t.conn = nil
		for room, wait := range t.waiters {
			wait <- nil
			delete(t.waiters, room)
		}
		t.mu.Unlock()
		_ = conn.Close()

		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("realtime connection lost", logging.Error(err))
		t.emit(StatusDisconnected)
	}
}

func (t *WebSocketTransport) dial() (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		if err := t.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		c, resp, err := t.dialer.DialContext(t.ctx, t.url, t.header())
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				t.logger.Warn("realtime gateway refused credentials", logging.Status(resp.StatusCode))
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		t.logger.Debug("realtime dial failed", logging.Error(err), "retry_in", wait.String())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(t.policy(), t.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *WebSocketTransport) read(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		op, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if op != websocket.TextMessage {
			continue
		}

		var frame models.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.logger.Warn("dropping malformed realtime frame", logging.Error(err))
			continue
		}

		switch frame.Type {
		case models.FrameEvent:
			if frame.Event == nil {
				continue
			}
			select {
			case t.events <- *frame.Event:
			case <-t.ctx.Done():
				return t.ctx.Err()
			}
		case models.FrameAck, models.FrameError:
			var result error
			if frame.Type == models.FrameError {
				result = fmt.Errorf("join %s refused: %s", frame.Room, frame.Message)
			}
			t.mu.Lock()
			if wait, ok := t.waiters[frame.Room]; ok {
				wait <- result
				delete(t.waiters, frame.Room)
			}
			t.mu.Unlock()
		}
	}
}

func (t *WebSocketTransport) write(conn *websocket.Conn, frame models.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (t *WebSocketTransport) emit(s Status) {
	select {
	case t.status <- s:
	case <-t.ctx.Done():
	}
}
