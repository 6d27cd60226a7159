// Package reservations keeps a terminal's view of the reservation calendar.
package reservations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/facade"
	"github.com/mesa-systems/mesa-stack/terminal/store"
)

const Module = "reservations"

var ErrInvalidReservation = errors.New("reservations: invalid reservation")

type Input struct {
	TableID       string
	CustomerName  string
	CustomerPhone string
	PartySize     int
	StartsAt      time.Time
	EndsAt        time.Time
	Notes         string
	// Status defaults to confirmed.
	Status models.ReservationStatus
}

func (in Input) validate() error {
	switch {
	case in.TableID == "":
		return fmt.Errorf("%w: table is required", ErrInvalidReservation)
	case in.CustomerName == "":
		return fmt.Errorf("%w: customer name is required", ErrInvalidReservation)
	case in.PartySize <= 0:
		return fmt.Errorf("%w: party size must be positive", ErrInvalidReservation)
	case !in.EndsAt.After(in.StartsAt):
		return fmt.Errorf("%w: end must be after start", ErrInvalidReservation)
	}
	return nil
}

// Changes lists the fields of an update; nil fields are left untouched.
type Changes struct {
	TableID       *string
	CustomerName  *string
	CustomerPhone *string
	PartySize     *int
	StartsAt      *time.Time
	EndsAt        *time.Time
	Status        *models.ReservationStatus
	Notes         *string
}

func (c Changes) fields() map[string]any {
	out := map[string]any{}
	set := func(name string, ok bool, v any) {
		if ok {
			out[name] = v
		}
	}
	set("table_id", c.TableID != nil, deref(c.TableID))
	set("customer_name", c.CustomerName != nil, deref(c.CustomerName))
	set("customer_phone", c.CustomerPhone != nil, deref(c.CustomerPhone))
	set("party_size", c.PartySize != nil, deref(c.PartySize))
	set("starts_at", c.StartsAt != nil, deref(c.StartsAt))
	set("ends_at", c.EndsAt != nil, deref(c.EndsAt))
	set("status", c.Status != nil, deref(c.Status))
	set("notes", c.Notes != nil, deref(c.Notes))
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// Filter restricts Load to a time window. Zero bounds are open.
type Filter struct {
	From time.Time
	To   time.Time
}

type Reservations struct {
	deps   facade.Deps
	facade *facade.Facade[models.Reservation]
	filter Filter
}

func New(deps facade.Deps, filter Filter) *Reservations {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := &Reservations{deps: deps, filter: filter}
	r.facade = facade.New(facade.Config[models.Reservation]{
		Module: Module,
		Store:  store.New(func(res models.Reservation) string { return res.ID }),
		Guard:  deps.Guard,
		Queue:  deps.Queue,
		API:    deps.Client,
		Events: map[string]facade.EventAction{
			models.EventReservationCreated: facade.ActionAdd,
			models.EventReservationUpdated: facade.ActionUpdate,
			models.EventReservationDeleted: facade.ActionRemove,
		},
		Fetch:      r.fetch,
		Restaurant: deps.Restaurant,
		Logger:     deps.Logger,
		Now:        deps.Now,
	})
	return r
}

func (r *Reservations) path(endpoint string) string {
	return facade.RestaurantPath(r.deps.Restaurant(), endpoint)
}

func (r *Reservations) Bind(b facade.Binder)           { r.facade.Bind(b) }
func (r *Reservations) Close()                         { r.facade.Close() }
func (r *Reservations) Load(ctx context.Context) error { return r.facade.Load(ctx) }

func (r *Reservations) Store() *store.Store[models.Reservation] { return r.facade.Store() }

func (r *Reservations) fetch(ctx context.Context) ([]models.Reservation, error) {
	q := url.Values{}
	if !r.filter.From.IsZero() {
		q.Set("from", r.filter.From.UTC().Format(time.RFC3339))
	}
	if !r.filter.To.IsZero() {
		q.Set("to", r.filter.To.UTC().Format(time.RFC3339))
	}
	endpoint := r.path("/reservations")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var list []models.Reservation
	if err := r.deps.Client.Do(ctx, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// List returns the reservations ordered by start time.
func (r *Reservations) List() []models.Reservation {
	list := r.facade.Store().List()
	slices.SortStableFunc(list, func(a, b models.Reservation) int {
		return a.StartsAt.Compare(b.StartsAt)
	})
	return list
}

func (r *Reservations) Get(id string) (models.Reservation, bool) {
	return r.facade.Store().Get(id)
}

// Create books a table. The id is generated here so the optimistic entry and
// the server row share it.
func (r *Reservations) Create(ctx context.Context, in Input) (facade.Result[models.Reservation], error) {
	if err := in.validate(); err != nil {
		return facade.Result[models.Reservation]{}, err
	}
	if in.Status == "" {
		in.Status = models.ReservationConfirmed
	}

	res := models.Reservation{
		ID:            uuid.NewString(),
		RestaurantID:  r.deps.Restaurant(),
		TableID:       in.TableID,
		CustomerName:  in.CustomerName,
		CustomerPhone: in.CustomerPhone,
		PartySize:     in.PartySize,
		StartsAt:      in.StartsAt.UTC(),
		EndsAt:        in.EndsAt.UTC(),
		Status:        in.Status,
		Notes:         in.Notes,
		CreatedAt:     r.deps.Now().UTC(),
	}
	changes, err := store.Fields(res)
	if err != nil {
		return facade.Result[models.Reservation]{}, err
	}

	return r.facade.Mutate(ctx, facade.Mutation{
		Method:   http.MethodPost,
		Endpoint: r.path("/reservations"),
		Body: map[string]any{
			"id":             res.ID,
			"table_id":       res.TableID,
			"customer_name":  res.CustomerName,
			"customer_phone": res.CustomerPhone,
			"party_size":     res.PartySize,
			"starts_at":      res.StartsAt,
			"ends_at":        res.EndsAt,
			"status":         res.Status,
			"notes":          res.Notes,
		},
		Patch: &store.Patch{EntityID: res.ID, Create: true, Changes: changes},
	})
}

// Update changes the given fields of reservation id.
func (r *Reservations) Update(ctx context.Context, id string, c Changes) (facade.Result[models.Reservation], error) {
	fields := c.fields()
	if len(fields) == 0 {
		return facade.Result[models.Reservation]{}, fmt.Errorf("%w: nothing to update", ErrInvalidReservation)
	}
	if c.Status != nil && !c.Status.Valid() {
		return facade.Result[models.Reservation]{}, fmt.Errorf("%w: status %q", ErrInvalidReservation, *c.Status)
	}

	return r.facade.Mutate(ctx, facade.Mutation{
		Method:   http.MethodPut,
		Endpoint: r.path("/reservations/" + url.PathEscape(id)),
		Body:     fields,
		Patch:    &store.Patch{EntityID: id, Changes: fields},
	})
}

// Cancel marks reservation id cancelled, releasing its table.
func (r *Reservations) Cancel(ctx context.Context, id string) (facade.Result[models.Reservation], error) {
	status := models.ReservationCancelled
	return r.Update(ctx, id, Changes{Status: &status})
}

// Delete removes reservation id.
func (r *Reservations) Delete(ctx context.Context, id string) (facade.Result[models.Reservation], error) {
	return r.facade.Mutate(ctx, facade.Mutation{
		Method:   http.MethodDelete,
		Endpoint: r.path("/reservations/" + url.PathEscape(id)),
		Patch:    &store.Patch{EntityID: id, Delete: true},
	})
}
