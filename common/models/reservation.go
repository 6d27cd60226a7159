package models

import "time"

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationSeated    ReservationStatus = "seated"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationNoShow    ReservationStatus = "no_show"
)

func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationPending, ReservationConfirmed, ReservationSeated,
		ReservationCompleted, ReservationCancelled, ReservationNoShow:
		return true
	}
	return false
}

// Blocking reports whether a reservation in this status holds its table.
func (s ReservationStatus) Blocking() bool {
	return s == ReservationPending || s == ReservationConfirmed
}

// Reservation books a table for the half-open interval [StartsAt, EndsAt).
type Reservation struct {
	ID            string            `json:"id"`
	RestaurantID  string            `json:"restaurant_id"`
	TableID       string            `json:"table_id"`
	CustomerName  string            `json:"customer_name"`
	CustomerPhone string            `json:"customer_phone,omitempty"`
	PartySize     int               `json:"party_size"`
	StartsAt      time.Time         `json:"starts_at"`
	EndsAt        time.Time         `json:"ends_at"`
	Status        ReservationStatus `json:"status"`
	Notes         string            `json:"notes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Version       int64             `json:"version"`
}

// Overlaps reports whether r and other claim the same table at the same time.
func (r Reservation) Overlaps(other Reservation) bool {
	return r.TableID == other.TableID &&
		r.StartsAt.Before(other.EndsAt) &&
		other.StartsAt.Before(r.EndsAt)
}
