package handlers

import (
	"net/http"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/erp/internal/auth"
	"github.com/mesa-systems/mesa-stack/erp/internal/service"
)

// CurrentCashSession handles GET /cash/sessions/current. Data is null when
// the restaurant never opened a session.
func (h *Handler) CurrentCashSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.CurrentCashSession(r.Context(), r.PathValue(auth.PathRestaurantID))
	if err != nil {
		h.writeError(w, r, "cash session", "current", err)
		return
	}
	httputil.WriteData(w, http.StatusOK, session, "")
}

// OpenCashSession handles POST /cash/sessions
func (h *Handler) OpenCashSession(w http.ResponseWriter, r *http.Request) {
	var in service.OpenCashSessionInput
	txn, err := decodeMutation(w, r, &in)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	res, err := h.svc.OpenCashSession(r.Context(), h.request(r, txn), in)
	if err != nil {
		h.writeError(w, r, "cash session", in.ID, err)
		return
	}
	writeResult(w, res, "cash session opened")
}

// CloseCashSession handles POST /cash/sessions/{id}/close
func (h *Handler) CloseCashSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in service.CloseCashSessionInput
	txn, err := decodeMutation(w, r, &in)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	res, err := h.svc.CloseCashSession(r.Context(), h.request(r, txn), id, in)
	if err != nil {
		h.writeError(w, r, "cash session", id, err)
		return
	}
	writeResult(w, res, "cash session closed")
}

// CashSummary handles GET /cash/sessions/{id}/summary
func (h *Handler) CashSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sum, err := h.svc.CashSummary(r.Context(), r.PathValue(auth.PathRestaurantID), id)
	if err != nil {
		h.writeError(w, r, "cash session", id, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, sum, "")
}

// ListCashMovements handles GET /cash/sessions/{id}/movements
func (h *Handler) ListCashMovements(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	movements, err := h.svc.ListCashMovements(r.Context(), r.PathValue(auth.PathRestaurantID), id)
	if err != nil {
		h.writeError(w, r, "cash session", id, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, movements, "")
}

// AddCashMovement handles POST /cash/movements
func (h *Handler) AddCashMovement(w http.ResponseWriter, r *http.Request) {
	var in service.AddCashMovementInput
	txn, err := decodeMutation(w, r, &in)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	res, err := h.svc.AddCashMovement(r.Context(), h.request(r, txn), in)
	if err != nil {
		h.writeError(w, r, "cash session", in.SessionID, err)
		return
	}
	writeResult(w, res, "cash movement added")
}
