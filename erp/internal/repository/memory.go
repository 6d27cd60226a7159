package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mesa-systems/mesa-stack/common/models"
)

// InMemoryRepository keeps everything in maps. Used by tests and the
// memory storage mode; a single lock serializes writes.
type InMemoryRepository struct {
	mu           sync.RWMutex
	sessions     map[string]*models.CashSession
	movements    map[string]*models.CashMovement
	reservations map[string]*models.Reservation
	orders       map[string]*models.Order
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sessions:     make(map[string]*models.CashSession),
		movements:    make(map[string]*models.CashMovement),
		reservations: make(map[string]*models.Reservation),
		orders:       make(map[string]*models.Order),
	}
}

func (r *InMemoryRepository) Ping(context.Context) error { return nil }
func (r *InMemoryRepository) Close() error               { return nil }

func (r *InMemoryRepository) CurrentCashSession(_ context.Context, restaurantID string) (*models.CashSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.CashSession
	for _, s := range r.sessions {
		if s.RestaurantID != restaurantID {
			continue
		}
		if s.IsOpen() {
			return cloneSession(s), nil
		}
		if latest == nil || s.OpenedAt.After(latest.OpenedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneSession(latest), nil
}

func (r *InMemoryRepository) GetCashSession(_ context.Context, restaurantID, id string) (*models.CashSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.RestaurantID != restaurantID {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *InMemoryRepository) OpenCashSession(_ context.Context, s *models.CashSession, check OpenSessionCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrConflict
	}
	var open *models.CashSession
	for _, existing := range r.sessions {
		if existing.RestaurantID == s.RestaurantID && existing.IsOpen() {
			open = cloneSession(existing)
			break
		}
	}
	if check != nil {
		if err := check(open); err != nil {
			return err
		}
	}
	if open != nil {
		return ErrConflict
	}

	s.Version = 1
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *InMemoryRepository) UpdateCashSession(_ context.Context, restaurantID, id string, update func(*models.CashSession) error) (*models.CashSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[id]
	if !ok || current.RestaurantID != restaurantID {
		return nil, ErrNotFound
	}
	next := cloneSession(current)
	if err := update(next); err != nil {
		return nil, err
	}
	next.ID, next.RestaurantID = current.ID, current.RestaurantID
	next.Version = current.Version + 1
	r.sessions[id] = next
	return cloneSession(next), nil
}

func (r *InMemoryRepository) ListCashMovements(_ context.Context, restaurantID, sessionID string) ([]models.CashMovement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.CashMovement{}
	for _, m := range r.movements {
		if m.RestaurantID == restaurantID && m.SessionID == sessionID {
			out = append(out, *m)
		}
	}
	slices.SortFunc(out, func(a, b models.CashMovement) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *InMemoryRepository) AddCashMovement(_ context.Context, m *models.CashMovement, check MovementCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.movements[m.ID]; exists {
		return ErrConflict
	}
	var session *models.CashSession
	if s, ok := r.sessions[m.SessionID]; ok && s.RestaurantID == m.RestaurantID {
		session = cloneSession(s)
	}
	if check != nil {
		if err := check(session); err != nil {
			return err
		}
	}
	if session == nil {
		return ErrNotFound
	}

	m.Version = 1
	cp := *m
	r.movements[m.ID] = &cp
	return nil
}

func (r *InMemoryRepository) ListReservations(_ context.Context, restaurantID string, from, to time.Time) ([]models.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.Reservation{}
	for _, res := range r.reservations {
		if res.RestaurantID != restaurantID {
			continue
		}
		if !from.IsZero() && res.StartsAt.Before(from) {
			continue
		}
		if !to.IsZero() && !res.StartsAt.Before(to) {
			continue
		}
		out = append(out, *res)
	}
	slices.SortFunc(out, func(a, b models.Reservation) int { return a.StartsAt.Compare(b.StartsAt) })
	return out, nil
}

func (r *InMemoryRepository) GetReservation(_ context.Context, restaurantID, id string) (*models.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.reservations[id]
	if !ok || res.RestaurantID != restaurantID {
		return nil, ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *InMemoryRepository) tableReservations(restaurantID, tableID string) []models.Reservation {
	var out []models.Reservation
	for _, res := range r.reservations {
		if res.RestaurantID == restaurantID && res.TableID == tableID {
			out = append(out, *res)
		}
	}
	return out
}

func (r *InMemoryRepository) CreateReservation(_ context.Context, res *models.Reservation, check ReservationCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.reservations[res.ID]; exists {
		return ErrConflict
	}
	if check != nil {
		if err := check(blockingOverlaps(r.tableReservations(res.RestaurantID, res.TableID), *res)); err != nil {
			return err
		}
	}

	res.Version = 1
	cp := *res
	r.reservations[res.ID] = &cp
	return nil
}

func (r *InMemoryRepository) UpdateReservation(_ context.Context, restaurantID, id string, update func(*models.Reservation) error, check ReservationCheck) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.reservations[id]
	if !ok || current.RestaurantID != restaurantID {
		return nil, ErrNotFound
	}
	next := *current
	if err := update(&next); err != nil {
		return nil, err
	}
	next.ID, next.RestaurantID = current.ID, current.RestaurantID
	if check != nil {
		if err := check(blockingOverlaps(r.tableReservations(restaurantID, next.TableID), next)); err != nil {
			return nil, err
		}
	}

	next.Version = current.Version + 1
	r.reservations[id] = &next
	cp := next
	return &cp, nil
}

func (r *InMemoryRepository) DeleteReservation(_ context.Context, restaurantID, id string) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.reservations[id]
	if !ok || current.RestaurantID != restaurantID {
		return nil, ErrNotFound
	}
	delete(r.reservations, id)
	cp := *current
	cp.Version++
	return &cp, nil
}

func (r *InMemoryRepository) ListOrders(_ context.Context, restaurantID string) ([]models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.Order{}
	for _, o := range r.orders {
		if o.RestaurantID == restaurantID {
			out = append(out, cloneOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b models.Order) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *InMemoryRepository) GetOrder(_ context.Context, restaurantID, id string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok || o.RestaurantID != restaurantID {
		return nil, ErrNotFound
	}
	cp := cloneOrder(o)
	return &cp, nil
}

func (r *InMemoryRepository) CreateOrder(_ context.Context, o *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[o.ID]; exists {
		return ErrConflict
	}
	o.Version = 1
	cp := cloneOrder(o)
	r.orders[o.ID] = &cp
	return nil
}

func (r *InMemoryRepository) UpdateOrder(_ context.Context, restaurantID, id string, update func(*models.Order) error) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[id]
	if !ok || current.RestaurantID != restaurantID {
		return nil, ErrNotFound
	}
	next := cloneOrder(current)
	if err := update(&next); err != nil {
		return nil, err
	}
	next.ID, next.RestaurantID = current.ID, current.RestaurantID
	next.Version = current.Version + 1
	r.orders[id] = &next
	out := cloneOrder(&next)
	return &out, nil
}

func cloneSession(s *models.CashSession) *models.CashSession {
	cp := *s
	if s.ClosingAmount != nil {
		v := *s.ClosingAmount
		cp.ClosingAmount = &v
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func cloneOrder(o *models.Order) models.Order {
	cp := *o
	cp.Items = slices.Clone(o.Items)
	return cp
}
