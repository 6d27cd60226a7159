// Package session assembles the synchronization layer for one terminal and
// one active restaurant: a REST client, the echo guard, the pending queue,
// the socket manager and the cash, reservation and order domains.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/terminal/cash"
	"github.com/mesa-systems/mesa-stack/terminal/echoguard"
	"github.com/mesa-systems/mesa-stack/terminal/facade"
	"github.com/mesa-systems/mesa-stack/terminal/orders"
	"github.com/mesa-systems/mesa-stack/terminal/pending"
	"github.com/mesa-systems/mesa-stack/terminal/reservations"
	"github.com/mesa-systems/mesa-stack/terminal/restclient"
	"github.com/mesa-systems/mesa-stack/terminal/socket"
)

var ErrNoRestaurant = errors.New("session: restaurant id is required")

type Options struct {
	// BaseURL is the erp API root, for example http://erp:8080/api/v1.
	BaseURL string
	// RealtimeURL is the websocket gateway, used when Transport is nil.
	RealtimeURL  string
	Transport    socket.Transport
	RestaurantID string
	Token        func() string
	// Source tags requests (terminal, cli).
	Source string

	// QueuePath stores the pending queue in a bbolt file. Empty keeps it in
	// memory for the life of the session. Backend overrides both.
	QueuePath string
	Backend   pending.Backend

	EchoTTL           time.Duration
	ReservationWindow reservations.Filter
	HTTPClient        *http.Client
	Logger            *logging.Logger
}

type Session struct {
	logger *logging.Logger

	client  *restclient.Client
	guard   *echoguard.Guard
	queue   *pending.Queue
	manager *socket.Manager

	cash         *cash.Cash
	reservations *reservations.Reservations
	orders       *orders.Orders

	mu         sync.RWMutex
	restaurant string

	// loadMu orders overlapping refetches so the last one started is the
	// last one applied.
	loadMu sync.Mutex

	stopReconnect func()
	closeOnce     sync.Once
}

// Open builds a session and connects it to opts.RestaurantID. Queued
// mutations left by a previous run are flushed before the first load. An
// unreachable server is not an error: the session starts offline and catches
// up as soon as the realtime connection holds the room.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.RestaurantID == "" {
		return nil, ErrNoRestaurant
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	if opts.Source == "" {
		opts.Source = "terminal"
	}

	backend := opts.Backend
	if backend == nil {
		if opts.QueuePath != "" {
			b, err := pending.OpenBoltBackend(opts.QueuePath)
			if err != nil {
				return nil, err
			}
			backend = b
		} else {
			backend = pending.NewMemoryBackend()
		}
	}

	transport := opts.Transport
	if transport == nil {
		if opts.RealtimeURL == "" {
			_ = backend.Close()
			return nil, fmt.Errorf("session: realtime url or transport is required")
		}
		transport = socket.NewWebSocketTransport(opts.RealtimeURL,
			socket.WithBearerToken(opts.Token),
			socket.WithWebSocketLogger(opts.Logger),
		)
	}

	clientOpts := []restclient.Option{
		restclient.WithTokenSource(opts.Token),
		restclient.WithSource(opts.Source),
		restclient.WithLogger(opts.Logger),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, restclient.WithHTTPClient(opts.HTTPClient))
	}

	s := &Session{
		logger:     opts.Logger.With(logging.Module("session")),
		client:     restclient.New(opts.BaseURL, clientOpts...),
		guard:      echoguard.New(opts.EchoTTL, echoguard.WithLogger(opts.Logger)),
		restaurant: opts.RestaurantID,
	}
	s.queue = pending.New(backend, pending.WithKeyRegistry(s.guard), pending.WithLogger(opts.Logger))
	s.manager = socket.NewManager(transport, opts.Logger)

	deps := facade.Deps{
		Client:     s.client,
		Guard:      s.guard,
		Queue:      s.queue,
		Restaurant: s.RestaurantID,
		Logger:     opts.Logger,
	}
	s.cash = cash.New(deps)
	s.reservations = reservations.New(deps, opts.ReservationWindow)
	s.orders = orders.New(deps)

	s.cash.Bind(s.manager)
	s.reservations.Bind(s.manager)
	s.orders.Bind(s.manager)
	s.stopReconnect = s.manager.OnReconnect(s.recover)

	if err := s.manager.Connect(ctx, opts.RestaurantID); err != nil {
		s.Close()
		return nil, fmt.Errorf("session: join restaurant %s: %w", opts.RestaurantID, err)
	}
	if err := s.catchUp(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) RestaurantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restaurant
}

func (s *Session) Cash() *cash.Cash                         { return s.cash }
func (s *Session) Reservations() *reservations.Reservations { return s.reservations }
func (s *Session) Orders() *orders.Orders                   { return s.orders }
func (s *Session) Queue() *pending.Queue                    { return s.queue }
func (s *Session) Manager() *socket.Manager                 { return s.manager }
func (s *Session) Client() *restclient.Client               { return s.client }

// Flush replays the pending queue.
func (s *Session) Flush(ctx context.Context) (pending.FlushReport, error) {
	return s.queue.Flush(ctx, s.client)
}

// Load refetches every domain of the active restaurant.
func (s *Session) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.cash.Load(ctx) })
	g.Go(func() error { return s.reservations.Load(ctx) })
	g.Go(func() error { return s.orders.Load(ctx) })
	return g.Wait()
}

// Switch moves the session to another restaurant: the room is swapped and
// every store is reloaded. Mutations queued for the previous restaurant stay
// queued and are flushed with the rest.
func (s *Session) Switch(ctx context.Context, restaurantID string) error {
	if restaurantID == "" {
		return ErrNoRestaurant
	}
	s.mu.Lock()
	prev := s.restaurant
	s.restaurant = restaurantID
	s.mu.Unlock()

	if err := s.manager.Connect(ctx, restaurantID); err != nil {
		s.mu.Lock()
		s.restaurant = prev
		s.mu.Unlock()
		// the manager left prev before the refused join
		if rerr := s.manager.Connect(ctx, prev); rerr != nil {
			s.logger.Error("failed to rejoin previous restaurant", logging.RestaurantID(prev), logging.Error(rerr))
		}
		return fmt.Errorf("session: join restaurant %s: %w", restaurantID, err)
	}
	s.logger.Info("switched restaurant", "from", prev, logging.RestaurantID(restaurantID))
	return s.catchUp(ctx)
}

// catchUp flushes the queue and reloads every domain. Network-class failures
// are logged; the next reconnect retries.
func (s *Session) catchUp(ctx context.Context) error {
	report, err := s.Flush(ctx)
	if err != nil {
		return fmt.Errorf("session: flush: %w", err)
	}
	if report.Interrupted != nil {
		s.logger.Warn("queue flush interrupted", "remaining", report.Remaining, logging.Error(report.Interrupted))
	}

	if err := s.Load(ctx); err != nil {
		if restclient.IsNetwork(err) {
			s.logger.Warn("initial load failed, working offline", logging.Error(err))
			return nil
		}
		return fmt.Errorf("session: load: %w", err)
	}
	return nil
}

// recover runs once the socket holds the room, on the first connect and on
// every reconnect: queued mutations go first so the refetch sees them, then
// every domain reloads to pick up broadcasts sent before the join.
func (s *Session) recover(ctx context.Context) {
	s.logger.Info("realtime room held, resynchronizing", logging.RestaurantID(s.RestaurantID()))

	report, err := s.Flush(ctx)
	switch {
	case err != nil:
		s.logger.Error("flush after reconnect failed", logging.Error(err))
	case report.Settled() > 0 || report.Remaining > 0:
		s.logger.Info("flush after reconnect",
			"confirmed", len(report.Confirmed),
			"discarded", len(report.Discarded),
			"abandoned", len(report.Abandoned),
			"remaining", report.Remaining)
	}

	if err := s.Load(ctx); err != nil {
		s.logger.Warn("refetch after reconnect failed", logging.Error(err))
	}
}

// Close stops realtime delivery and releases the queue. Queued mutations in
// a bbolt-backed queue survive for the next Open.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopReconnect != nil {
			s.stopReconnect()
		}
		s.cash.Close()
		s.reservations.Close()
		s.orders.Close()
		err = errors.Join(s.manager.Close(), s.queue.Close())
		s.guard.Close()
	})
	return err
}
