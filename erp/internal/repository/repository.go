package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mesa-systems/mesa-stack/common/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Checks run inside the write's critical section, after the rows they
// depend on are locked, so a rule evaluated there cannot race a concurrent
// write. A check error aborts the write and is returned unchanged.
type (
	// OpenSessionCheck receives the restaurant's open session, or nil.
	OpenSessionCheck func(open *models.CashSession) error
	// MovementCheck receives the movement's session, or nil.
	MovementCheck func(session *models.CashSession) error
	// ReservationCheck receives the blocking reservations of the same table
	// that overlap the candidate, excluding the candidate itself.
	ReservationCheck func(existing []models.Reservation) error
)

// Repository defines the interface for erp data storage. Every write assigns
// the row a version one higher than the previous one, starting at 1.
type Repository interface {
	// Health check
	Ping(ctx context.Context) error
	Close() error

	// CurrentCashSession returns the open session, else the latest one.
	CurrentCashSession(ctx context.Context, restaurantID string) (*models.CashSession, error)
	GetCashSession(ctx context.Context, restaurantID, id string) (*models.CashSession, error)
	OpenCashSession(ctx context.Context, s *models.CashSession, check OpenSessionCheck) error
	UpdateCashSession(ctx context.Context, restaurantID, id string, update func(*models.CashSession) error) (*models.CashSession, error)
	ListCashMovements(ctx context.Context, restaurantID, sessionID string) ([]models.CashMovement, error)
	AddCashMovement(ctx context.Context, m *models.CashMovement, check MovementCheck) error

	// ListReservations returns reservations starting in [from, to); zero
	// bounds are open.
	ListReservations(ctx context.Context, restaurantID string, from, to time.Time) ([]models.Reservation, error)
	GetReservation(ctx context.Context, restaurantID, id string) (*models.Reservation, error)
	CreateReservation(ctx context.Context, r *models.Reservation, check ReservationCheck) error
	UpdateReservation(ctx context.Context, restaurantID, id string, update func(*models.Reservation) error, check ReservationCheck) (*models.Reservation, error)
	DeleteReservation(ctx context.Context, restaurantID, id string) (*models.Reservation, error)

	ListOrders(ctx context.Context, restaurantID string) ([]models.Order, error)
	GetOrder(ctx context.Context, restaurantID, id string) (*models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	UpdateOrder(ctx context.Context, restaurantID, id string, update func(*models.Order) error) (*models.Order, error)
}

func blockingOverlaps(all []models.Reservation, candidate models.Reservation) []models.Reservation {
	var out []models.Reservation
	for _, r := range all {
		if r.ID != candidate.ID && r.Status.Blocking() && candidate.Overlaps(r) {
			out = append(out, r)
		}
	}
	return out
}
