// Package orders keeps a terminal's view of the kitchen tickets.
package orders

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

const Module = "orders"

var (
	ErrInvalidOrder      = errors.New("orders: invalid order")
	ErrInvalidTransition = errors.New("orders: invalid status transition")
)

type Input struct {
	TableID string
	Items   []models.OrderItem
	Notes   string
}

type Orders struct {
	deps   facade.Deps
	facade *facade.Facade[models.Order]
}

func New(deps facade.Deps) *Orders {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	o := &Orders{deps: deps}
	o.facade = facade.New(facade.Config[models.Order]{
		Module: Module,
		Store:  store.New(func(ord models.Order) string { return ord.ID }),
		Guard:  deps.Guard,
		Queue:  deps.Queue,
		API:    deps.Client,
		Events: map[string]facade.EventAction{
			models.EventNewOrder:           facade.ActionAdd,
			models.EventOrderStatusUpdated: facade.ActionUpdate,
		},
		Fetch:      o.fetch,
		Restaurant: deps.Restaurant,
		Logger:     deps.Logger,
		Now:        deps.Now,
	})
	return o
}

func (o *Orders) path(endpoint string) string {
	return facade.RestaurantPath(o.deps.Restaurant(), endpoint)
}

func (o *Orders) Bind(b facade.Binder)               { o.facade.Bind(b) }
func (o *Orders) Close()                             { o.facade.Close() }
func (o *Orders) Load(ctx context.Context) error     { return o.facade.Load(ctx) }
func (o *Orders) Store() *store.Store[models.Order]  { return o.facade.Store() }
func (o *Orders) Get(id string) (models.Order, bool) { return o.facade.Store().Get(id) }

func (o *Orders) fetch(ctx context.Context) ([]models.Order, error) {
	var list []models.Order
	if err := o.deps.Client.Do(ctx, http.MethodGet, o.path("/orders"), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// List returns the orders, oldest first.
func (o *Orders) List() []models.Order {
	list := o.facade.Store().List()
	slices.SortStableFunc(list, func(a, b models.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return list
}

// Active returns the orders the kitchen still has to finish.
func (o *Orders) Active() []models.Order {
	var out []models.Order
	for _, ord := range o.List() {
		if !ord.Status.Terminal() {
			out = append(out, ord)
		}
	}
	return out
}

// Create sends a new pending order to the kitchen.
func (o *Orders) Create(ctx context.Context, in Input) (facade.Result[models.Order], error) {
	if in.TableID == "" {
		return facade.Result[models.Order]{}, fmt.Errorf("%w: table is required", ErrInvalidOrder)
	}
	if len(in.Items) == 0 {
		return facade.Result[models.Order]{}, fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for _, it := range in.Items {
		if it.Name == "" || it.Quantity <= 0 || it.UnitPrice < 0 {
			return facade.Result[models.Order]{}, fmt.Errorf("%w: item %q", ErrInvalidOrder, it.Name)
		}
	}

	now := o.deps.Now().UTC()
	ord := models.Order{
		ID:           uuid.NewString(),
		RestaurantID: o.deps.Restaurant(),
		TableID:      in.TableID,
		Items:        in.Items,
		Total:        models.OrderTotal(in.Items),
		Status:       models.OrderPending,
		Notes:        in.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	changes, err := store.Fields(ord)
	if err != nil {
		return facade.Result[models.Order]{}, err
	}

	return o.facade.Mutate(ctx, facade.Mutation{
		Method:   http.MethodPost,
		Endpoint: o.path("/orders"),
		Body: map[string]any{
			"id":       ord.ID,
			"table_id": ord.TableID,
			"items":    ord.Items,
			"notes":    ord.Notes,
		},
		Patch: &store.Patch{EntityID: ord.ID, Create: true, Changes: changes},
	})
}

// UpdateStatus moves order id to status. Transitions the local copy already
// rules out are refused without a request.
func (o *Orders) UpdateStatus(ctx context.Context, id string, status models.OrderStatus) (facade.Result[models.Order], error) {
	if !status.Valid() {
		return facade.Result[models.Order]{}, fmt.Errorf("%w: status %q", ErrInvalidOrder, status)
	}
	if current, ok := o.Get(id); ok && !current.Status.CanTransition(status) {
		return facade.Result[models.Order]{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, status)
	}

	return o.facade.Mutate(ctx, facade.Mutation{
		Method:   http.MethodPatch,
		Endpoint: o.path("/orders/" + url.PathEscape(id) + "/status"),
		Body:     map[string]any{"status": status},
		Patch: &store.Patch{EntityID: id, Changes: map[string]any{
			"status":     status,
			"updated_at": o.deps.Now().UTC(),
		}},
	})
}
