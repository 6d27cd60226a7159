package handlers

import (
	"net/http"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/erp/internal/auth"
	"github.com/mesa-systems/mesa-stack/erp/internal/service"
)

// ListOrders handles GET /orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListOrders(r.Context(), r.PathValue(auth.PathRestaurantID))
	if err != nil {
		h.writeError(w, r, "order", "", err)
		return
	}
	httputil.WriteData(w, http.StatusOK, list, "")
}

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in service.CreateOrderInput
	txn, err := decodeMutation(w, r, &in)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	res, err := h.svc.CreateOrder(r.Context(), h.request(r, txn), in)
	if err != nil {
		h.writeError(w, r, "order", in.ID, err)
		return
	}
	writeResult(w, res, "order created")
}

// UpdateOrderStatus handles PATCH /orders/{id}/status
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in service.UpdateOrderStatusInput
	txn, err := decodeMutation(w, r, &in)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	res, err := h.svc.UpdateOrderStatus(r.Context(), h.request(r, txn), id, in)
	if err != nil {
		h.writeError(w, r, "order", id, err)
		return
	}
	writeResult(w, res, "order status updated")
}
