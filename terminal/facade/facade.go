// Package facade wires one domain's store, the echo guard, the pending queue
// and the socket manager into the optimistic mutation flow. Every domain runs
// the same Facade with its own Config.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"sync"
	"time"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/idempotency"
	"github.com/mesa-systems/mesa-stack/terminal/pending"
	"github.com/mesa-systems/mesa-stack/terminal/restclient"
	"github.com/mesa-systems/mesa-stack/terminal/socket"
	"github.com/mesa-systems/mesa-stack/terminal/store"
)

// EventAction says what a broadcast does to the store. Actions combine:
// ActionAdd|ActionRefetch applies the entity and then refreshes aggregates.
type EventAction int

const (
	ActionAdd EventAction = 1 << iota
	ActionUpdate
	ActionRemove
	ActionRefetch
)

// API is the REST boundary. *restclient.Client implements it.
type API interface {
	Send(ctx context.Context, method, endpoint string, payload []byte) (*restclient.Response, error)
}

// Client is the REST boundary a domain uses for mutations and reads.
type Client interface {
	API
	Do(ctx context.Context, method, endpoint string, body, out any) error
}

// Deps are the collaborators every domain of one session shares.
type Deps struct {
	Client     Client
	Guard      Guard
	Queue      Queue
	Restaurant func() string
	Logger     *logging.Logger
	Now        func() time.Time
}

// RestaurantPath prefixes endpoint with the restaurant scope.
func RestaurantPath(restaurantID, endpoint string) string {
	return "/restaurants/" + url.PathEscape(restaurantID) + endpoint
}

// Guard is the echo guard.
type Guard interface {
	Register(key string)
	Unregister(key string)
	ShouldSuppress(key string) bool
}

// Queue is the pending operation queue.
type Queue interface {
	Add(ctx context.Context, env pending.MutationEnvelope) error
	OnSettled(fn func(pending.Settlement)) (cancel func())
}

// Binder is the part of the socket manager a facade subscribes through.
type Binder interface {
	On(event string, h socket.Handler)
	Off(event string)
}

type Config[T any] struct {
	// Module tags queued envelopes; settlements of other modules are ignored.
	Module string
	Store  *store.Store[T]
	Guard  Guard
	Queue  Queue
	API    API
	Events map[string]EventAction

	// Fetch lists the domain's entities for the active restaurant.
	Fetch func(ctx context.Context) ([]T, error)
	// Refetch refreshes derived views after ActionRefetch events.
	Refetch func(ctx context.Context) error
	// Restaurant returns the active restaurant id.
	Restaurant func() string

	Logger *logging.Logger
	Now    func() time.Time
}

// Mutation is one user action.
type Mutation struct {
	Method   string
	Endpoint string
	// Body is the request payload; transaction_id is added to it.
	Body map[string]any
	// Patch is applied optimistically before dispatch. Nil skips the
	// optimistic step.
	Patch *store.Patch
	// IgnoreResponse skips applying the response data to the store.
	IgnoreResponse bool
}

// Result describes a mutation the server accepted or that was queued.
type Result[T any] struct {
	Key string
	// Queued is set when the server could not be reached; the optimistic
	// state is kept and the mutation will be replayed.
	Queued bool
	// Replayed is set when the server answered from its idempotency record.
	Replayed bool
	// Entity is the server's copy, when the response carried one.
	Entity *T
	Data   json.RawMessage
}

type queuedPatch struct {
	restaurantID string
	patch        store.Patch
}

type Facade[T any] struct {
	cfg    Config[T]
	logger *logging.Logger

	mu      sync.Mutex
	queued  map[string]queuedPatch
	binder  Binder
	cancelQ func()
}

func New[T any](cfg Config[T]) *Facade[T] {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Restaurant == nil {
		cfg.Restaurant = func() string { return "" }
	}
	f := &Facade[T]{
		cfg:     cfg,
		logger:  cfg.Logger.With(logging.Module(cfg.Module)),
		queued:  make(map[string]queuedPatch),
		cancelQ: func() {},
	}
	if cfg.Queue != nil {
		f.cancelQ = cfg.Queue.OnSettled(f.settle)
	}
	return f
}

// Store returns the domain store.
func (f *Facade[T]) Store() *store.Store[T] { return f.cfg.Store }

// Mutate runs one mutation through the optimistic flow.
//
// On success the patch is committed and the response entity applied. On a
// network-class failure the patch is kept, the mutation is queued and a
// Result with Queued set is returned without error. A rejection or an
// authorization failure rolls the patch back and returns the error.
func (f *Facade[T]) Mutate(ctx context.Context, m Mutation) (Result[T], error) {
	key := idempotency.NewKey()
	res := Result[T]{Key: key}

	body := make(map[string]any, len(m.Body)+1)
	maps.Copy(body, m.Body)
	body["transaction_id"] = key
	payload, err := json.Marshal(body)
	if err != nil {
		return res, fmt.Errorf("%s: marshal payload: %w", f.cfg.Module, err)
	}

	if m.Patch != nil {
		if err := f.cfg.Store.ApplyOptimistic(key, *m.Patch); err != nil {
			return res, fmt.Errorf("%s: optimistic apply: %w", f.cfg.Module, err)
		}
	}
	f.cfg.Guard.Register(key)

	attempted := f.cfg.Now().UTC()
	resp, err := f.cfg.API.Send(ctx, m.Method, m.Endpoint, payload)

	switch {
	case err == nil:
		f.cfg.Store.Commit(key)
		res.Replayed = resp.Replayed
		res.Data = resp.Data
		if !m.IgnoreResponse && !(m.Patch != nil && m.Patch.Delete) {
			res.Entity = f.applyResponse(key, resp.Data)
		}
		return res, nil

	case restclient.IsUnauthorized(err), restclient.IsRejection(err):
		f.cfg.Guard.Unregister(key)
		f.rollback(key)
		f.logger.Info("mutation rejected",
			logging.TransactionID(key), logging.Method(m.Method), logging.Endpoint(m.Endpoint), logging.Error(err))
		return res, err

	default:
		f.cfg.Guard.Unregister(key)
		if f.cfg.Queue == nil {
			f.rollback(key)
			return res, err
		}
		env := pending.MutationEnvelope{
			IdempotencyKey:   key,
			Module:           f.cfg.Module,
			RestaurantID:     f.cfg.Restaurant(),
			Endpoint:         m.Endpoint,
			Method:           m.Method,
			Payload:          payload,
			FirstAttemptedAt: attempted,
			LastAttemptedAt:  attempted,
			Attempts:         1,
			LastError:        err.Error(),
		}
		if qerr := f.cfg.Queue.Add(context.WithoutCancel(ctx), env); qerr != nil {
			f.rollback(key)
			return res, errors.Join(err, fmt.Errorf("queue mutation: %w", qerr))
		}
		if m.Patch != nil {
			f.mu.Lock()
			f.queued[key] = queuedPatch{restaurantID: env.RestaurantID, patch: *m.Patch}
			f.mu.Unlock()
		}
		f.logger.Warn("server unreachable, mutation queued",
			logging.TransactionID(key), logging.Endpoint(m.Endpoint), logging.Error(err))
		res.Queued = true
		return res, nil
	}
}

func (f *Facade[T]) rollback(key string) {
	if err := f.cfg.Store.Rollback(key); err != nil {
		f.logger.Error("rollback failed", logging.TransactionID(key), logging.Error(err))
	}
}

// applyResponse writes the server's copy into the store. A stale version
// means a newer broadcast already landed and is not an error.
func (f *Facade[T]) applyResponse(key string, data json.RawMessage) *T {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var entity T
	if err := json.Unmarshal(data, &entity); err != nil {
		f.logger.Warn("response is not an entity", logging.TransactionID(key), logging.Error(err))
		return nil
	}
	if err := f.cfg.Store.Update(entity); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			f.logger.Debug("response older than stored entity", logging.TransactionID(key))
		} else {
			f.logger.Warn("apply response failed", logging.TransactionID(key), logging.Error(err))
		}
	}
	return &entity
}

// settle finishes the optimistic patch of a replayed mutation. A confirmed
// replay is only committed: the store already holds its optimistic value.
func (f *Facade[T]) settle(s pending.Settlement) {
	if s.Envelope.Module != f.cfg.Module {
		return
	}
	key := s.Envelope.IdempotencyKey

	f.mu.Lock()
	delete(f.queued, key)
	f.mu.Unlock()

	if s.Outcome == pending.OutcomeConfirmed {
		f.cfg.Store.Commit(key)
		return
	}
	f.rollback(key)
}

// Load replaces the store with the server's list and re-applies the patches
// of mutations still waiting in the queue.
func (f *Facade[T]) Load(ctx context.Context) error {
	if f.cfg.Fetch == nil {
		return nil
	}
	entities, err := f.cfg.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("%s: load: %w", f.cfg.Module, err)
	}
	if err := f.cfg.Store.SetAll(entities); err != nil {
		return fmt.Errorf("%s: load: %w", f.cfg.Module, err)
	}

	restaurant := f.cfg.Restaurant()
	f.mu.Lock()
	queued := maps.Clone(f.queued)
	f.mu.Unlock()

	for key, qp := range queued {
		if qp.restaurantID != restaurant {
			continue
		}
		if err := f.cfg.Store.ApplyOptimistic(key, qp.patch); err != nil {
			f.logger.Debug("queued patch no longer applies", logging.TransactionID(key), logging.Error(err))
		}
	}
	return nil
}

// Bind registers one socket handler per configured event.
func (f *Facade[T]) Bind(b Binder) {
	f.mu.Lock()
	f.binder = b
	f.mu.Unlock()

	for event, action := range f.cfg.Events {
		b.On(event, f.handler(action))
	}
}

// Unbind removes the handlers registered by Bind.
func (f *Facade[T]) Unbind() {
	f.mu.Lock()
	b := f.binder
	f.binder = nil
	f.mu.Unlock()

	if b == nil {
		return
	}
	for event := range f.cfg.Events {
		b.Off(event)
	}
}

// Close unbinds and stops listening for queue settlements.
func (f *Facade[T]) Close() {
	f.Unbind()
	f.cancelQ()
}

func (f *Facade[T]) handler(action EventAction) socket.Handler {
	return func(ctx context.Context, ev models.Event) {
		if f.cfg.Guard.ShouldSuppress(ev.TransactionID) {
			f.logger.Debug("echo suppressed", logging.Event(ev.Name), logging.TransactionID(ev.TransactionID))
			return
		}
		if err := f.apply(action, ev); err != nil {
			if errors.Is(err, store.ErrStaleVersion) {
				f.logger.Debug("stale broadcast ignored", logging.Event(ev.Name), logging.Error(err))
			} else {
				f.logger.Warn("broadcast not applied", logging.Event(ev.Name), logging.Error(err))
			}
		}
		if action&ActionRefetch != 0 && f.cfg.Refetch != nil {
			if err := f.cfg.Refetch(ctx); err != nil {
				f.logger.Warn("refetch after broadcast failed", logging.Event(ev.Name), logging.Error(err))
			}
		}
	}
}

func (f *Facade[T]) apply(action EventAction, ev models.Event) error {
	switch {
	case action&ActionRemove != 0:
		var ref struct {
			ID string `json:"id"`
		}
		if err := ev.Decode(&ref); err != nil {
			return err
		}
		if ref.ID == "" {
			return fmt.Errorf("event %s carries no id", ev.Name)
		}
		f.cfg.Store.Remove(ref.ID)
		return nil

	case action&ActionAdd != 0:
		var entity T
		if err := ev.Decode(&entity); err != nil {
			return err
		}
		return f.cfg.Store.Add(entity)

	case action&ActionUpdate != 0:
		var entity T
		if err := ev.Decode(&entity); err != nil {
			return err
		}
		return f.cfg.Store.Update(entity)
	}
	return nil
}
