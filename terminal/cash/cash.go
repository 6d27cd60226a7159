// Package cash keeps a terminal's view of the restaurant's cash register:
// the current session, its movements and the server-computed summary.
package cash

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/facade"
	"github.com/mesa-systems/mesa-stack/terminal/store"
)

const (
	ModuleSessions  = "cash_sessions"
	ModuleMovements = "cash_movements"
)

var (
	ErrNoOpenSession      = errors.New("cash: no open session")
	ErrSessionAlreadyOpen = errors.New("cash: a session is already open")
	ErrInvalidMovement    = errors.New("cash: invalid movement")
)

// MovementInput describes a movement to add to the open session.
type MovementInput struct {
	Type        models.MovementType
	Amount      int64
	Description string
}

type Cash struct {
	deps      facade.Deps
	sessions  *facade.Facade[models.CashSession]
	movements *facade.Facade[models.CashMovement]
	logger    *logging.Logger

	mu            sync.RWMutex
	summary       *models.CashSummary
	loadedSession string
}

func New(deps facade.Deps) *Cash {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	c := &Cash{deps: deps, logger: deps.Logger.With(logging.Module("cash"))}

	c.sessions = facade.New(facade.Config[models.CashSession]{
		Module: ModuleSessions,
		Store:  store.New(func(s models.CashSession) string { return s.ID }),
		Guard:  deps.Guard,
		Queue:  deps.Queue,
		API:    deps.Client,
		Events: map[string]facade.EventAction{
			models.EventCashSessionUpdated: facade.ActionUpdate | facade.ActionRefetch,
		},
		Fetch:      c.fetchSessions,
		Refetch:    c.sessionChanged,
		Restaurant: deps.Restaurant,
		Logger:     deps.Logger,
		Now:        deps.Now,
	})
	c.movements = facade.New(facade.Config[models.CashMovement]{
		Module: ModuleMovements,
		Store:  store.New(func(m models.CashMovement) string { return m.ID }),
		Guard:  deps.Guard,
		Queue:  deps.Queue,
		API:    deps.Client,
		Events: map[string]facade.EventAction{
			models.EventCashMovementAdded: facade.ActionAdd | facade.ActionRefetch,
		},
		Fetch:      c.fetchMovements,
		Refetch:    c.RefreshSummary,
		Restaurant: deps.Restaurant,
		Logger:     deps.Logger,
		Now:        deps.Now,
	})
	return c
}

func (c *Cash) path(endpoint string) string {
	return facade.RestaurantPath(c.deps.Restaurant(), endpoint)
}

// Bind subscribes the cash handlers to b.
func (c *Cash) Bind(b facade.Binder) {
	c.sessions.Bind(b)
	c.movements.Bind(b)
}

func (c *Cash) Close() {
	c.sessions.Close()
	c.movements.Close()
}

// Load fetches the current session, its movements and its summary.
func (c *Cash) Load(ctx context.Context) error {
	if err := c.sessions.Load(ctx); err != nil {
		return err
	}
	if err := c.movements.Load(ctx); err != nil {
		return err
	}
	return c.RefreshSummary(ctx)
}

func (c *Cash) fetchSessions(ctx context.Context) ([]models.CashSession, error) {
	var current *models.CashSession
	if err := c.deps.Client.Do(ctx, http.MethodGet, c.path("/cash/sessions/current"), nil, &current); err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	return []models.CashSession{*current}, nil
}

func (c *Cash) fetchMovements(ctx context.Context) ([]models.CashMovement, error) {
	session, ok := c.CurrentSession()

	c.mu.Lock()
	c.loadedSession = session.ID
	c.mu.Unlock()

	if !ok {
		return nil, nil
	}
	var movements []models.CashMovement
	endpoint := c.path("/cash/sessions/" + session.ID + "/movements")
	if err := c.deps.Client.Do(ctx, http.MethodGet, endpoint, nil, &movements); err != nil {
		return nil, err
	}
	return movements, nil
}

// sessionChanged reloads movements when a broadcast switched the current
// session, then refreshes the summary.
func (c *Cash) sessionChanged(ctx context.Context) error {
	session, _ := c.CurrentSession()
	c.mu.RLock()
	stale := session.ID != c.loadedSession
	c.mu.RUnlock()

	if stale {
		if err := c.movements.Load(ctx); err != nil {
			return err
		}
	}
	return c.RefreshSummary(ctx)
}

// RefreshSummary re-reads the aggregate of the current session. The summary
// is never recomputed locally.
func (c *Cash) RefreshSummary(ctx context.Context) error {
	session, ok := c.CurrentSession()
	if !ok {
		c.mu.Lock()
		c.summary = nil
		c.mu.Unlock()
		return nil
	}

	var sum models.CashSummary
	endpoint := c.path("/cash/sessions/" + session.ID + "/summary")
	if err := c.deps.Client.Do(ctx, http.MethodGet, endpoint, nil, &sum); err != nil {
		return fmt.Errorf("cash: refresh summary: %w", err)
	}
	c.mu.Lock()
	c.summary = &sum
	c.mu.Unlock()
	return nil
}

// Summary returns the last summary fetched from the server.
func (c *Cash) Summary() (models.CashSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.summary == nil {
		return models.CashSummary{}, false
	}
	return *c.summary, true
}

// CurrentSession returns the open session, or the most recent one when none
// is open.
func (c *Cash) CurrentSession() (models.CashSession, bool) {
	sessions := c.sessions.Store().List()
	if len(sessions) == 0 {
		return models.CashSession{}, false
	}
	for _, s := range sessions {
		if s.IsOpen() {
			return s, true
		}
	}
	return sessions[len(sessions)-1], true
}

// Movements lists the movements of the current session in arrival order.
func (c *Cash) Movements() []models.CashMovement {
	session, ok := c.CurrentSession()
	if !ok {
		return nil
	}
	var out []models.CashMovement
	for _, m := range c.movements.Store().List() {
		if m.SessionID == session.ID {
			out = append(out, m)
		}
	}
	return out
}

func (c *Cash) Sessions() *store.Store[models.CashSession]       { return c.sessions.Store() }
func (c *Cash) MovementStore() *store.Store[models.CashMovement] { return c.movements.Store() }

// OpenSession opens the register with openingAmount cents.
func (c *Cash) OpenSession(ctx context.Context, openingAmount int64, openedBy string) (facade.Result[models.CashSession], error) {
	if s, ok := c.CurrentSession(); ok && s.IsOpen() {
		return facade.Result[models.CashSession]{}, fmt.Errorf("%w: %s", ErrSessionAlreadyOpen, s.ID)
	}
	if openingAmount < 0 {
		return facade.Result[models.CashSession]{}, fmt.Errorf("cash: opening amount must not be negative")
	}

	session := models.CashSession{
		ID:            uuid.NewString(),
		RestaurantID:  c.deps.Restaurant(),
		Status:        models.CashSessionOpen,
		OpeningAmount: openingAmount,
		OpenedBy:      openedBy,
		OpenedAt:      c.deps.Now().UTC(),
	}
	changes, err := store.Fields(session)
	if err != nil {
		return facade.Result[models.CashSession]{}, err
	}

	res, err := c.sessions.Mutate(ctx, facade.Mutation{
		Method:   http.MethodPost,
		Endpoint: c.path("/cash/sessions"),
		Body:     map[string]any{"id": session.ID, "opening_amount": openingAmount},
		Patch:    &store.Patch{EntityID: session.ID, Create: true, Changes: changes},
	})
	if err != nil {
		return res, err
	}

	c.mu.Lock()
	c.loadedSession = session.ID
	c.mu.Unlock()
	c.afterOwnMutation(ctx, res.Queued)
	return res, nil
}

// CloseSession closes the open session with the counted closingAmount.
func (c *Cash) CloseSession(ctx context.Context, closingAmount int64) (facade.Result[models.CashSession], error) {
	session, ok := c.CurrentSession()
	if !ok || !session.IsOpen() {
		return facade.Result[models.CashSession]{}, ErrNoOpenSession
	}

	closedAt := c.deps.Now().UTC()
	res, err := c.sessions.Mutate(ctx, facade.Mutation{
		Method:   http.MethodPost,
		Endpoint: c.path("/cash/sessions/" + session.ID + "/close"),
		Body:     map[string]any{"closing_amount": closingAmount},
		Patch: &store.Patch{EntityID: session.ID, Changes: map[string]any{
			"status":         models.CashSessionClosed,
			"closing_amount": closingAmount,
			"closed_at":      closedAt,
		}},
	})
	if err != nil {
		return res, err
	}
	c.afterOwnMutation(ctx, res.Queued)
	return res, nil
}

// AddMovement records a movement in the open session.
func (c *Cash) AddMovement(ctx context.Context, in MovementInput, createdBy string) (facade.Result[models.CashMovement], error) {
	if !in.Type.Valid() {
		return facade.Result[models.CashMovement]{}, fmt.Errorf("%w: type %q", ErrInvalidMovement, in.Type)
	}
	if in.Amount <= 0 {
		return facade.Result[models.CashMovement]{}, fmt.Errorf("%w: amount must be positive", ErrInvalidMovement)
	}
	session, ok := c.CurrentSession()
	if !ok || !session.IsOpen() {
		return facade.Result[models.CashMovement]{}, ErrNoOpenSession
	}

	movement := models.CashMovement{
		ID:           uuid.NewString(),
		RestaurantID: c.deps.Restaurant(),
		SessionID:    session.ID,
		Type:         in.Type,
		Amount:       in.Amount,
		Description:  in.Description,
		CreatedBy:    createdBy,
		CreatedAt:    c.deps.Now().UTC(),
	}
	changes, err := store.Fields(movement)
	if err != nil {
		return facade.Result[models.CashMovement]{}, err
	}

	res, err := c.movements.Mutate(ctx, facade.Mutation{
		Method:   http.MethodPost,
		Endpoint: c.path("/cash/movements"),
		Body: map[string]any{
			"id":          movement.ID,
			"session_id":  session.ID,
			"type":        in.Type,
			"amount":      in.Amount,
			"description": in.Description,
		},
		Patch: &store.Patch{EntityID: movement.ID, Create: true, Changes: changes},
	})
	if err != nil {
		return res, err
	}
	c.afterOwnMutation(ctx, res.Queued)
	return res, nil
}

// afterOwnMutation refreshes the summary; the broadcast that would trigger it
// is suppressed as an echo.
func (c *Cash) afterOwnMutation(ctx context.Context, queued bool) {
	if queued {
		return
	}
	if err := c.RefreshSummary(ctx); err != nil {
		c.logger.Warn("summary refresh failed", logging.Error(err))
	}
}
