package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/erp/internal/repository"
	"github.com/mesa-systems/mesa-stack/erp/internal/rules"
)

const (
	ModuleCashSessions  = "cash_sessions"
	ModuleCashMovements = "cash_movements"
)

type OpenCashSessionInput struct {
	ID            string `json:"id"`
	OpeningAmount int64  `json:"opening_amount"`
}

type CloseCashSessionInput struct {
	ClosingAmount int64 `json:"closing_amount"`
}

type AddCashMovementInput struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"session_id"`
	Type        models.MovementType `json:"type"`
	Amount      int64               `json:"amount"`
	Description string              `json:"description"`
}

// CurrentCashSession returns the open session, else the latest one, else nil.
func (s *Service) CurrentCashSession(ctx context.Context, restaurantID string) (*models.CashSession, error) {
	session, err := s.repo.CurrentCashSession(ctx, restaurantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return session, err
}

func (s *Service) CashSummary(ctx context.Context, restaurantID, sessionID string) (*models.CashSummary, error) {
	session, err := s.repo.GetCashSession(ctx, restaurantID, sessionID)
	if err != nil {
		return nil, err
	}
	movements, err := s.repo.ListCashMovements(ctx, restaurantID, sessionID)
	if err != nil {
		return nil, err
	}
	sum := models.Summarize(*session, movements)
	return &sum, nil
}

func (s *Service) ListCashMovements(ctx context.Context, restaurantID, sessionID string) ([]models.CashMovement, error) {
	if _, err := s.repo.GetCashSession(ctx, restaurantID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListCashMovements(ctx, restaurantID, sessionID)
}

func (s *Service) OpenCashSession(ctx context.Context, req Request, in OpenCashSessionInput) (*Result, error) {
	return s.execute(ctx, req, ModuleCashSessions, "open", func(ctx context.Context) (*outcome, error) {
		id, err := entityID(in.ID)
		if err != nil {
			return nil, err
		}
		session := &models.CashSession{
			ID:            id,
			RestaurantID:  req.RestaurantID,
			Status:        models.CashSessionOpen,
			OpeningAmount: in.OpeningAmount,
			OpenedBy:      req.UserID,
			OpenedAt:      s.now().UTC(),
		}
		err = s.repo.OpenCashSession(ctx, session, func(open *models.CashSession) error {
			return s.rules.Evaluate(rules.CategoryCashSession, rules.CashSessionCheck{
				OpeningAmount: in.OpeningAmount,
				Open:          open,
			})
		})
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:   http.StatusCreated,
			entity:   session,
			entityID: session.ID,
			version:  session.Version,
			events:   []string{models.EventCashSessionUpdated},
		}, nil
	})
}

func (s *Service) CloseCashSession(ctx context.Context, req Request, sessionID string, in CloseCashSessionInput) (*Result, error) {
	return s.execute(ctx, req, ModuleCashSessions, "close", func(ctx context.Context) (*outcome, error) {
		if in.ClosingAmount < 0 {
			return nil, &rules.Violation{Code: "invalid_amount", Message: "closing amount cannot be negative", Kind: rules.KindInvalid}
		}
		session, err := s.repo.UpdateCashSession(ctx, req.RestaurantID, sessionID, func(cs *models.CashSession) error {
			if !cs.IsOpen() {
				return &rules.Violation{Code: "cash_session_closed", Message: "cash session " + cs.ID + " is closed", Kind: rules.KindConflict}
			}
			closedAt := s.now().UTC()
			amount := in.ClosingAmount
			cs.Status = models.CashSessionClosed
			cs.ClosingAmount = &amount
			cs.ClosedBy = req.UserID
			cs.ClosedAt = &closedAt
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:   http.StatusOK,
			entity:   session,
			entityID: session.ID,
			version:  session.Version,
			events:   []string{models.EventCashSessionUpdated},
		}, nil
	})
}

// AddCashMovement records a movement. An empty session id resolves to the
// restaurant's current session.
func (s *Service) AddCashMovement(ctx context.Context, req Request, in AddCashMovementInput) (*Result, error) {
	return s.execute(ctx, req, ModuleCashMovements, "add", func(ctx context.Context) (*outcome, error) {
		id, err := entityID(in.ID)
		if err != nil {
			return nil, err
		}
		sessionID := in.SessionID
		if sessionID == "" {
			current, err := s.CurrentCashSession(ctx, req.RestaurantID)
			if err != nil {
				return nil, err
			}
			if current != nil {
				sessionID = current.ID
			}
		}
		movement := &models.CashMovement{
			ID:           id,
			RestaurantID: req.RestaurantID,
			SessionID:    sessionID,
			Type:         in.Type,
			Amount:       in.Amount,
			Description:  in.Description,
			CreatedBy:    req.UserID,
			CreatedAt:    s.now().UTC(),
		}
		err = s.repo.AddCashMovement(ctx, movement, func(session *models.CashSession) error {
			return s.rules.Evaluate(rules.CategoryCashMovement, rules.CashMovementCheck{
				Movement: *movement,
				Session:  session,
			})
		})
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:   http.StatusCreated,
			entity:   movement,
			entityID: movement.ID,
			version:  movement.Version,
			events:   []string{models.EventCashMovementAdded},
		}, nil
	})
}
