package service

import (
	"context"
	"net/http"

	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/erp/internal/rules"
)

const ModuleOrders = "orders"

type CreateOrderInput struct {
	ID      string             `json:"id"`
	TableID string             `json:"table_id"`
	Items   []models.OrderItem `json:"items"`
	Notes   string             `json:"notes"`
}

type UpdateOrderStatusInput struct {
	Status models.OrderStatus `json:"status"`
}

func (s *Service) ListOrders(ctx context.Context, restaurantID string) ([]models.Order, error) {
	return s.repo.ListOrders(ctx, restaurantID)
}

// CreateOrder opens a pending kitchen ticket. The total is computed here,
// never taken from the client.
func (s *Service) CreateOrder(ctx context.Context, req Request, in CreateOrderInput) (*Result, error) {
	return s.execute(ctx, req, ModuleOrders, "create", func(ctx context.Context) (*outcome, error) {
		id, err := entityID(in.ID)
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		order := &models.Order{
			ID:           id,
			RestaurantID: req.RestaurantID,
			TableID:      in.TableID,
			Items:        in.Items,
			Total:        models.OrderTotal(in.Items),
			Status:       models.OrderPending,
			Notes:        in.Notes,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.rules.Evaluate(rules.CategoryOrder, *order); err != nil {
			return nil, err
		}
		if err := s.repo.CreateOrder(ctx, order); err != nil {
			return nil, err
		}
		return &outcome{
			status:   http.StatusCreated,
			entity:   order,
			entityID: order.ID,
			version:  order.Version,
			events:   []string{models.EventNewOrder},
		}, nil
	})
}

func (s *Service) UpdateOrderStatus(ctx context.Context, req Request, id string, in UpdateOrderStatusInput) (*Result, error) {
	return s.execute(ctx, req, ModuleOrders, "update_status", func(ctx context.Context) (*outcome, error) {
		order, err := s.repo.UpdateOrder(ctx, req.RestaurantID, id, func(o *models.Order) error {
			change := rules.StatusChange{From: o.Status, To: in.Status}
			if err := s.rules.Evaluate(rules.CategoryOrderStatus, change); err != nil {
				return err
			}
			o.Status = in.Status
			o.UpdatedAt = s.now().UTC()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:   http.StatusOK,
			entity:   order,
			entityID: order.ID,
			version:  order.Version,
			events:   []string{models.EventOrderStatusUpdated},
		}, nil
	})
}
