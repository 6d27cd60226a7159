package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/terminal/restclient"
)

// Dispatcher re-sends a queued mutation. *restclient.Client implements it.
type Dispatcher interface {
	Replay(ctx context.Context, method, endpoint string, payload json.RawMessage) (json.RawMessage, error)
}

// KeyRegistry is the echo guard as seen by the queue: a replayed key is
// registered before dispatch so its broadcast is recognised as an echo.
type KeyRegistry interface {
	Register(key string)
	Unregister(key string)
}

// FlushReport summarises one flush.
type FlushReport struct {
	Confirmed []MutationEnvelope
	Discarded []MutationEnvelope
	Abandoned []MutationEnvelope
	// Remaining is the number of envelopes still queued afterwards.
	Remaining int
	// Interrupted is the network error that stopped the flush, if any.
	Interrupted error
}

// Settled returns how many envelopes left the queue during the flush.
func (r FlushReport) Settled() int {
	return len(r.Confirmed) + len(r.Discarded) + len(r.Abandoned)
}

type flight struct {
	done   chan struct{}
	report FlushReport
	err    error
}

// Queue is the FIFO of mutations awaiting replay.
type Queue struct {
	backend Backend
	guard   KeyRegistry
	logger  *logging.Logger
	now     func() time.Time

	hooksMu sync.RWMutex
	hooks   map[int]func(Settlement)
	nextID  int

	flushMu sync.Mutex
	current *flight
}

type Option func(*Queue)

// WithKeyRegistry registers replayed keys with the echo guard.
func WithKeyRegistry(r KeyRegistry) Option {
	return func(q *Queue) { q.guard = r }
}

func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides time.Now for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(backend Backend, opts ...Option) *Queue {
	q := &Queue{
		backend: backend,
		guard:   noopRegistry{},
		logger:  logging.Default(),
		now:     time.Now,
		hooks:   make(map[int]func(Settlement)),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(logging.Module("pending"))
	return q
}

// OnSettled registers fn for envelopes leaving the queue through a flush or
// Remove. fn runs on the flushing goroutine.
func (q *Queue) OnSettled(fn func(Settlement)) (cancel func()) {
	q.hooksMu.Lock()
	id := q.nextID
	q.nextID++
	q.hooks[id] = fn
	q.hooksMu.Unlock()

	return func() {
		q.hooksMu.Lock()
		delete(q.hooks, id)
		q.hooksMu.Unlock()
	}
}

func (q *Queue) settle(s Settlement) {
	q.hooksMu.RLock()
	fns := make([]func(Settlement), 0, len(q.hooks))
	for _, fn := range q.hooks {
		fns = append(fns, fn)
	}
	q.hooksMu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Add queues env behind everything already queued. Re-adding a key updates
// the stored envelope in place.
func (q *Queue) Add(ctx context.Context, env MutationEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.FirstAttemptedAt.IsZero() {
		env.FirstAttemptedAt = q.now().UTC()
	}
	env.State = StateQueued

	if err := q.backend.Put(ctx, env); err != nil {
		return fmt.Errorf("queue %s: %w", env.IdempotencyKey, err)
	}
	q.logger.Info("mutation queued for replay",
		logging.TransactionID(env.IdempotencyKey),
		logging.Module(env.Module),
		logging.Method(env.Method),
		logging.Endpoint(env.Endpoint),
	)
	return nil
}

// Remove cancels a queued mutation. Hooks see it as discarded with
// ErrCancelled so the optimistic change is rolled back.
func (q *Queue) Remove(ctx context.Context, key string) error {
	env, ok, err := q.get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, key)
	}
	if err := q.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}

	env.State = StateDiscarded
	env.LastError = ErrCancelled.Error()
	q.settle(Settlement{Envelope: env, Outcome: OutcomeDiscarded, Err: ErrCancelled})
	return nil
}

// List returns the queued envelopes, oldest first.
func (q *Queue) List(ctx context.Context) ([]MutationEnvelope, error) {
	return q.backend.List(ctx)
}

// Len returns the number of queued envelopes.
func (q *Queue) Len(ctx context.Context) (int, error) {
	envs, err := q.backend.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(envs), nil
}

// Get returns the queued envelope for key.
func (q *Queue) Get(ctx context.Context, key string) (MutationEnvelope, bool, error) {
	return q.get(ctx, key)
}

func (q *Queue) get(ctx context.Context, key string) (MutationEnvelope, bool, error) {
	envs, err := q.backend.List(ctx)
	if err != nil {
		return MutationEnvelope{}, false, err
	}
	for _, env := range envs {
		if env.IdempotencyKey == key {
			return env, true, nil
		}
	}
	return MutationEnvelope{}, false, nil
}

// Close releases the backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}

// Flush replays queued envelopes in FIFO order. Only one flush runs at a
// time; a caller arriving while one is running waits for it and receives the
// same report. The first network-class failure stops the flush, leaving that
// envelope and every later one queued in order.
func (q *Queue) Flush(ctx context.Context, d Dispatcher) (FlushReport, error) {
	q.flushMu.Lock()
	if f := q.current; f != nil {
		q.flushMu.Unlock()
		select {
		case <-f.done:
			return f.report, f.err
		case <-ctx.Done():
			return FlushReport{}, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	q.current = f
	q.flushMu.Unlock()

	f.report, f.err = q.flush(ctx, d)

	q.flushMu.Lock()
	q.current = nil
	q.flushMu.Unlock()
	close(f.done)

	return f.report, f.err
}

func (q *Queue) flush(ctx context.Context, d Dispatcher) (FlushReport, error) {
	var report FlushReport

	envs, err := q.backend.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list queue: %w", err)
	}
	// Bookkeeping must land even if ctx is cancelled mid-request.
	persist := context.WithoutCancel(ctx)

	for i, env := range envs {
		if err := ctx.Err(); err != nil {
			report.Remaining = len(envs) - i
			report.Interrupted = err
			return report, nil
		}

		env.State = StateDispatched
		env.Attempts++
		env.LastAttemptedAt = q.now().UTC()

		q.guard.Register(env.IdempotencyKey)
		resp, err := d.Replay(ctx, env.Method, env.Endpoint, env.Payload)

		switch {
		case err == nil:
			if derr := q.backend.Delete(persist, env.IdempotencyKey); derr != nil {
				return report, fmt.Errorf("remove confirmed %s: %w", env.IdempotencyKey, derr)
			}
			env.State = StateConfirmed
			env.LastError = ""
			report.Confirmed = append(report.Confirmed, env)
			q.logger.Info("queued mutation confirmed",
				logging.TransactionID(env.IdempotencyKey), logging.Module(env.Module), "attempts", env.Attempts)
			q.settle(Settlement{Envelope: env, Outcome: OutcomeConfirmed, Response: resp})

		case restclient.IsUnauthorized(err):
			q.guard.Unregister(env.IdempotencyKey)
			if derr := q.backend.Delete(persist, env.IdempotencyKey); derr != nil {
				return report, fmt.Errorf("remove abandoned %s: %w", env.IdempotencyKey, derr)
			}
			env.State = StateAbandoned
			env.LastError = err.Error()
			report.Abandoned = append(report.Abandoned, env)
			q.logger.Warn("queued mutation abandoned",
				logging.TransactionID(env.IdempotencyKey), logging.Module(env.Module), logging.Error(err))
			q.settle(Settlement{Envelope: env, Outcome: OutcomeAbandoned, Err: err})

		case restclient.IsRejection(err):
			q.guard.Unregister(env.IdempotencyKey)
			if derr := q.backend.Delete(persist, env.IdempotencyKey); derr != nil {
				return report, fmt.Errorf("remove discarded %s: %w", env.IdempotencyKey, derr)
			}
			env.State = StateDiscarded
			env.LastError = err.Error()
			report.Discarded = append(report.Discarded, env)
			q.logger.Warn("queued mutation rejected on replay",
				logging.TransactionID(env.IdempotencyKey), logging.Module(env.Module), logging.Error(err))
			q.settle(Settlement{Envelope: env, Outcome: OutcomeDiscarded, Err: err})

		default:
			// Outcome unknown: keep it, and everything after it, for the next flush.
			q.guard.Unregister(env.IdempotencyKey)
			env.State = StateQueued
			env.LastError = err.Error()
			if perr := q.backend.Put(persist, env); perr != nil {
				return report, fmt.Errorf("requeue %s: %w", env.IdempotencyKey, perr)
			}
			report.Remaining = len(envs) - i
			report.Interrupted = err
			q.logger.Info("flush stopped by network failure",
				logging.TransactionID(env.IdempotencyKey), "remaining", report.Remaining, logging.Error(err))
			return report, nil
		}
	}
	return report, nil
}

type noopRegistry struct{}

func (noopRegistry) Register(string)   {}
func (noopRegistry) Unregister(string) {}
