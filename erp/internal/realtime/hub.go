// Package realtime is the websocket gateway terminals subscribe to. Each
// restaurant is a room; every event published for a restaurant is pushed to
// the clients that joined its room.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/erp/internal/metrics"
	"github.com/mesa-systems/mesa-stack/erp/pkg/tokens"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 64 * 1024
	defaultBuffer  = 64
	defaultPingGap = 30 * time.Second
)

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (*tokens.Claims, error)
}

type Option func(*Hub)

// WithPingInterval sets how often idle connections are pinged. A client that
// stays silent for twice the interval is dropped.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) { h.pingInterval = d }
}

// WithSendBuffer sets how many frames may queue for a client before it is
// considered too slow and disconnected.
func WithSendBuffer(n int) Option {
	return func(h *Hub) { h.sendBuffer = n }
}

func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

type Hub struct {
	auth         Authenticator
	logger       *logging.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	sendBuffer   int

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	closed  bool
}

func NewHub(auth Authenticator, logger *logging.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Hub{
		auth:         auth,
		logger:       logger.With(logging.Module("realtime")),
		pingInterval: defaultPingGap,
		sendBuffer:   defaultBuffer,
		clients:      make(map[*client]struct{}),
		rooms:        make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP authenticates and upgrades the request, then serves the
// connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(r)
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid or expired token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		h.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		claims: claims,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.Info("realtime client connected", logging.UserID(claims.UserID))

	go c.writeLoop()
	c.readLoop()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WebsocketConnections.Inc()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	metrics.WebsocketConnections.Dec()
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast pushes ev to every client in the room of ev.RestaurantID. Clients
// whose buffer is full are disconnected; they refetch on reconnect.
func (h *Hub) Broadcast(ev models.Event) {
	raw, err := json.Marshal(models.Frame{Type: models.FrameEvent, Room: ev.RestaurantID, Event: &ev})
	if err != nil {
		h.logger.Error("failed to encode event frame", logging.Event(ev.Name), logging.Error(err))
		return
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[ev.RestaurantID]))
	for c := range h.rooms[ev.RestaurantID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.enqueue(raw) {
			metrics.WebsocketDropped.Inc()
			h.logger.Warn("dropping slow realtime client",
				logging.UserID(c.claims.UserID), logging.RestaurantID(ev.RestaurantID))
			c.close()
		}
	}
}

// Publish lets the hub serve as the service's broadcaster in single-process
// deployments.
func (h *Hub) Publish(_ context.Context, ev models.Event) error {
	h.Broadcast(ev)
	metrics.BroadcastsPublished.WithLabelValues(ev.Name, "local").Inc()
	return nil
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// DisconnectRoom drops every client of room, for example after the
// restaurant's access was revoked. Clients that reconnect must join again.
func (h *Hub) DisconnectRoom(room string) int {
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.close()
	}
	if len(members) > 0 {
		h.logger.Info("room disconnected", logging.RestaurantID(room), "clients", len(members))
	}
	return len(members)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	claims *tokens.Claims
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}
}

func (c *client) enqueue(raw []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		_ = c.conn.Close()
	})
}

func (c *client) reply(frame models.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !c.enqueue(raw) {
		c.close()
	}
}

func (c *client) readLoop() {
	defer c.close()

	pongWait := 2 * c.hub.pingInterval
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		op, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				c.hub.logger.Debug("realtime client read ended", logging.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if op != websocket.TextMessage {
			continue
		}

		var frame models.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.reply(models.Frame{Type: models.FrameError, Message: "malformed frame"})
			continue
		}
		c.handle(frame)
	}
}

func (c *client) handle(frame models.Frame) {
	switch frame.Type {
	case models.FrameJoin:
		if !c.claims.CanAccess(frame.Room) {
			c.hub.logger.Warn("realtime join denied",
				logging.UserID(c.claims.UserID), logging.RestaurantID(frame.Room))
			c.reply(models.Frame{Type: models.FrameError, Room: frame.Room, Message: "no access to restaurant"})
			return
		}
		c.hub.join(c, frame.Room)
		c.reply(models.Frame{Type: models.FrameAck, Room: frame.Room})
	case models.FrameLeave:
		c.hub.leave(c, frame.Room)
	default:
		c.reply(models.Frame{Type: models.FrameError, Room: frame.Room, Message: "unknown frame type " + frame.Type})
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
