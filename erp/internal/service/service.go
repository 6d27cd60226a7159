// Package service executes erp mutations: idempotency claim, business rules,
// persistence, broadcast and audit, in that order.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/erp/internal/audit"
	"github.com/mesa-systems/mesa-stack/erp/internal/idempotency"
	"github.com/mesa-systems/mesa-stack/erp/internal/metrics"
	"github.com/mesa-systems/mesa-stack/erp/internal/repository"
	"github.com/mesa-systems/mesa-stack/erp/internal/rules"
)

var ErrInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Publisher broadcasts an event to the restaurant room.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Request identifies who asks for a mutation and under which transaction id.
type Request struct {
	RestaurantID  string
	TransactionID string
	UserID        string
	SourceIP      string
	Source        string // client kind: terminal, cli
}

// Result is a mutation response, either fresh or replayed from the
// idempotency store.
type Result struct {
	Status   int
	Data     json.RawMessage
	Replayed bool
}

type Deps struct {
	Repo        repository.Repository
	Idempotency idempotency.Store
	Rules       *rules.Engine
	Publisher   Publisher
	Audit       *audit.Logger
	Logger      *logging.Logger
	Now         func() time.Time
}

type Service struct {
	repo   repository.Repository
	idem   idempotency.Store
	rules  *rules.Engine
	pub    Publisher
	audit  *audit.Logger
	logger *logging.Logger
	now    func() time.Time
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rules == nil {
		d.Rules = rules.NewEngine()
	}
	if d.Idempotency == nil {
		d.Idempotency = idempotency.NewMemoryStore(0, 0)
	}
	if d.Audit == nil {
		d.Audit = audit.NewLogger(audit.NoopSink{}, nil, d.Logger)
	}
	return &Service{
		repo:   d.Repo,
		idem:   d.Idempotency,
		rules:  d.Rules,
		pub:    d.Publisher,
		audit:  d.Audit,
		logger: d.Logger.With(logging.Service("erp")),
		now:    d.Now,
	}
}

// Ping reports whether the repository is reachable.
func (s *Service) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

// outcome is what a mutation produced.
type outcome struct {
	status   int
	entity   any
	entityID string
	version  int64
	events   []string
}

// execute runs a mutation at most once per transaction id. A completed id is
// answered from its record without touching the repository, broadcasting or
// auditing again. A failed run releases the id so a corrected retry can
// execute.
func (s *Service) execute(ctx context.Context, req Request, module, action string, run func(ctx context.Context) (*outcome, error)) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.MutationDuration.WithLabelValues(module).Observe(time.Since(start).Seconds())
	}()
	log := s.logger.With(logging.Module(module), logging.RestaurantID(req.RestaurantID),
		logging.TransactionID(req.TransactionID))

	if req.TransactionID != "" {
		if !validID(req.TransactionID) {
			return nil, invalidf("transaction_id must be a UUID")
		}
		rec, err := s.idem.Begin(ctx, req.RestaurantID, req.TransactionID)
		switch {
		case errors.Is(err, idempotency.ErrInProgress):
			metrics.MutationsTotal.WithLabelValues(module, "in_progress").Inc()
			return nil, err
		case err != nil:
			metrics.MutationsTotal.WithLabelValues(module, "error").Inc()
			return nil, err
		case rec != nil:
			metrics.IdempotentReplays.WithLabelValues(module).Inc()
			log.InfoContext(ctx, "replaying completed mutation", "action", action)
			return &Result{Status: rec.Status, Data: rec.Data, Replayed: true}, nil
		}
	}

	out, err := run(ctx)
	if err != nil {
		if req.TransactionID != "" {
			if rerr := s.idem.Release(context.WithoutCancel(ctx), req.RestaurantID, req.TransactionID); rerr != nil {
				log.WarnContext(ctx, "failed to release transaction id", logging.Error(rerr))
			}
		}
		label := "error"
		if _, ok := rules.AsViolation(err); ok || errors.Is(err, ErrInvalidInput) ||
			errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
			label = "rejected"
		}
		metrics.MutationsTotal.WithLabelValues(module, label).Inc()
		return nil, err
	}

	data, err := json.Marshal(out.entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", module, err)
	}

	if req.TransactionID != "" {
		rec := idempotency.Record{Status: out.status, Data: data, CompletedAt: s.now().UTC()}
		if err := s.idem.Complete(context.WithoutCancel(ctx), req.RestaurantID, req.TransactionID, rec); err != nil {
			// the effect is persisted; a retry may apply it twice
			log.ErrorContext(ctx, "failed to record completed mutation", logging.Error(err))
		}
	}

	s.broadcast(ctx, req, out, data)
	s.audit.Log(ctx, audit.Record{
		RestaurantID:  req.RestaurantID,
		Module:        module,
		Action:        action,
		EntityID:      out.entityID,
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		SourceIP:      req.SourceIP,
		Source:        req.Source,
		Version:       out.version,
	})
	metrics.MutationsTotal.WithLabelValues(module, "success").Inc()
	log.DebugContext(ctx, "mutation committed", "action", action, logging.EntityID(out.entityID))

	return &Result{Status: out.status, Data: data}, nil
}

// broadcast publishes every event of out. Failures are logged: the mutation
// is committed and terminals recover missed events on their next refetch.
func (s *Service) broadcast(ctx context.Context, req Request, out *outcome, data json.RawMessage) {
	if s.pub == nil {
		return
	}
	for _, name := range out.events {
		ev := models.Event{
			ID:            uuid.NewString(),
			Name:          name,
			RestaurantID:  req.RestaurantID,
			TransactionID: req.TransactionID,
			Data:          data,
			Timestamp:     s.now().UTC(),
		}
		if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
			metrics.BroadcastErrors.WithLabelValues(name).Inc()
			s.logger.ErrorContext(ctx, "failed to broadcast event",
				logging.Event(name), logging.RestaurantID(req.RestaurantID), logging.Error(err))
		}
	}
}

func validID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// entityID returns the client-chosen id, or a fresh one.
func entityID(requested string) (string, error) {
	if requested == "" {
		return uuid.NewString(), nil
	}
	if !validID(requested) {
		return "", invalidf("id must be a UUID")
	}
	return requested, nil
}
