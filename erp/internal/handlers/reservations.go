package handlers

import (
	"net/http"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/erp/internal/auth"
	"github.com/mesa-systems/mesa-stack/erp/internal/service"
)

// ListReservations handles GET /reservations?from=&to=
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := httputil.ParseTimeParam(q.Get("from"))
	if err != nil {
		httputil.WriteValidationError(w, "from must be an RFC3339 timestamp")
		return
	}
	to, err := httputil.ParseTimeParam(q.Get("to"))
	if err != nil {
		httputil.WriteValidationError(w, "to must be an RFC3339 timestamp")
		return
	}

	list, err := h.svc.ListReservations(r.Context(), r.PathValue(auth.PathRestaurantID), from, to)
	if err != nil {
		h.writeError(w, r, "reservation", "", err)
		return
	}
	httputil.WriteData(w, http.StatusOK, list, "")
}

// CreateReservation handles POST /reservations
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var in service.CreateReservationInput
	txn, err := decodeMutation(w, r, &in)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	res, err := h.svc.CreateReservation(r.Context(), h.request(r, txn), in)
	if err != nil {
		h.writeError(w, r, "reservation", in.ID, err)
		return
	}
	writeResult(w, res, "reservation created")
}

// UpdateReservation handles PUT /reservations/{id}
func (h *Handler) UpdateReservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in service.UpdateReservationInput
	txn, err := decodeMutation(w, r, &in)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	res, err := h.svc.UpdateReservation(r.Context(), h.request(r, txn), id, in)
	if err != nil {
		h.writeError(w, r, "reservation", id, err)
		return
	}
	writeResult(w, res, "reservation updated")
}

// DeleteReservation handles DELETE /reservations/{id}
func (h *Handler) DeleteReservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	txn, err := decodeMutation(w, r, nil)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if txn == "" {
		txn = r.URL.Query().Get("transaction_id")
	}
	res, err := h.svc.DeleteReservation(r.Context(), h.request(r, txn), id)
	if err != nil {
		h.writeError(w, r, "reservation", id, err)
		return
	}
	writeResult(w, res, "reservation deleted")
}
