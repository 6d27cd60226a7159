package service

import (
	"context"
	"net/http"
	"time"

	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/erp/internal/rules"
)

const ModuleReservations = "reservations"

type CreateReservationInput struct {
	ID            string                   `json:"id"`
	TableID       string                   `json:"table_id"`
	CustomerName  string                   `json:"customer_name"`
	CustomerPhone string                   `json:"customer_phone"`
	PartySize     int                      `json:"party_size"`
	StartsAt      time.Time                `json:"starts_at"`
	EndsAt        time.Time                `json:"ends_at"`
	Status        models.ReservationStatus `json:"status"`
	Notes         string                   `json:"notes"`
}

// UpdateReservationInput is a partial update; nil fields are kept.
type UpdateReservationInput struct {
	TableID       *string                   `json:"table_id"`
	CustomerName  *string                   `json:"customer_name"`
	CustomerPhone *string                   `json:"customer_phone"`
	PartySize     *int                      `json:"party_size"`
	StartsAt      *time.Time                `json:"starts_at"`
	EndsAt        *time.Time                `json:"ends_at"`
	Status        *models.ReservationStatus `json:"status"`
	Notes         *string                   `json:"notes"`
}

func (in UpdateReservationInput) apply(r *models.Reservation) {
	if in.TableID != nil {
		r.TableID = *in.TableID
	}
	if in.CustomerName != nil {
		r.CustomerName = *in.CustomerName
	}
	if in.CustomerPhone != nil {
		r.CustomerPhone = *in.CustomerPhone
	}
	if in.PartySize != nil {
		r.PartySize = *in.PartySize
	}
	if in.StartsAt != nil {
		r.StartsAt = in.StartsAt.UTC()
	}
	if in.EndsAt != nil {
		r.EndsAt = in.EndsAt.UTC()
	}
	if in.Status != nil {
		r.Status = *in.Status
	}
	if in.Notes != nil {
		r.Notes = *in.Notes
	}
}

// ListReservations returns reservations starting in [from, to).
func (s *Service) ListReservations(ctx context.Context, restaurantID string, from, to time.Time) ([]models.Reservation, error) {
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return nil, invalidf("to must be after from")
	}
	return s.repo.ListReservations(ctx, restaurantID, from, to)
}

func (s *Service) CreateReservation(ctx context.Context, req Request, in CreateReservationInput) (*Result, error) {
	return s.execute(ctx, req, ModuleReservations, "create", func(ctx context.Context) (*outcome, error) {
		id, err := entityID(in.ID)
		if err != nil {
			return nil, err
		}
		if in.Status == "" {
			in.Status = models.ReservationConfirmed
		}
		res := &models.Reservation{
			ID:            id,
			RestaurantID:  req.RestaurantID,
			TableID:       in.TableID,
			CustomerName:  in.CustomerName,
			CustomerPhone: in.CustomerPhone,
			PartySize:     in.PartySize,
			StartsAt:      in.StartsAt.UTC(),
			EndsAt:        in.EndsAt.UTC(),
			Status:        in.Status,
			Notes:         in.Notes,
			CreatedAt:     s.now().UTC(),
		}
		err = s.repo.CreateReservation(ctx, res, func(existing []models.Reservation) error {
			return s.rules.Evaluate(rules.CategoryReservation, rules.ReservationCheck{
				Reservation: *res,
				Existing:    existing,
			})
		})
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:   http.StatusCreated,
			entity:   res,
			entityID: res.ID,
			version:  res.Version,
			events:   []string{models.EventReservationCreated},
		}, nil
	})
}

func (s *Service) UpdateReservation(ctx context.Context, req Request, id string, in UpdateReservationInput) (*Result, error) {
	return s.execute(ctx, req, ModuleReservations, "update", func(ctx context.Context) (*outcome, error) {
		var updated models.Reservation
		res, err := s.repo.UpdateReservation(ctx, req.RestaurantID, id,
			func(r *models.Reservation) error {
				in.apply(r)
				updated = *r
				return nil
			},
			func(existing []models.Reservation) error {
				return s.rules.Evaluate(rules.CategoryReservation, rules.ReservationCheck{
					Reservation: updated,
					Existing:    existing,
				})
			})
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:   http.StatusOK,
			entity:   res,
			entityID: res.ID,
			version:  res.Version,
			events:   []string{models.EventReservationUpdated},
		}, nil
	})
}

func (s *Service) DeleteReservation(ctx context.Context, req Request, id string) (*Result, error) {
	return s.execute(ctx, req, ModuleReservations, "delete", func(ctx context.Context) (*outcome, error) {
		res, err := s.repo.DeleteReservation(ctx, req.RestaurantID, id)
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:   http.StatusOK,
			entity:   res,
			entityID: res.ID,
			version:  res.Version,
			events:   []string{models.EventReservationDeleted},
		}, nil
	})
}
