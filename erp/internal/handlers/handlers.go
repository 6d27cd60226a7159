// Package handlers provides HTTP request handlers for the erp service.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/messaging"
	"github.com/mesa-systems/mesa-stack/erp/internal/auth"
	"github.com/mesa-systems/mesa-stack/erp/internal/idempotency"
	"github.com/mesa-systems/mesa-stack/erp/internal/repository"
	"github.com/mesa-systems/mesa-stack/erp/internal/rules"
	"github.com/mesa-systems/mesa-stack/erp/internal/service"
)

const maxBodyBytes = 1 << 20

// Handler provides HTTP handlers for the erp service
type Handler struct {
	svc    *service.Service
	broker messaging.Client
	logger *logging.Logger
}

type Option func(*Handler)

// WithBroker makes /readyz report on the broadcast broker.
func WithBroker(c messaging.Client) Option { return func(h *Handler) { h.broker = c } }

// NewHandler creates a new Handler instance
func NewHandler(svc *service.Service, logger *logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// Helper Methods
// =============================================================================

// decodeMutation reads a mutation body into v and returns its transaction_id.
// An empty body decodes to the zero value.
func decodeMutation(w http.ResponseWriter, r *http.Request, v any) (string, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		return "", nil
	}
	var meta struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", fmt.Errorf("invalid JSON body: %w", err)
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	return meta.TransactionID, nil
}

func (h *Handler) request(r *http.Request, transactionID string) service.Request {
	caller := httputil.CallerOf(r)
	return service.Request{
		RestaurantID:  r.PathValue(auth.PathRestaurantID),
		TransactionID: transactionID,
		UserID:        auth.UserID(r.Context()),
		SourceIP:      caller.IPString(),
		Source:        string(caller.Source),
	}
}

func writeResult(w http.ResponseWriter, res *service.Result, message string) {
	if res.Replayed {
		w.Header().Set(httputil.HeaderIdempotentReplay, "true")
		message = "replayed"
	}
	httputil.WriteRaw(w, res.Status, res.Data, message)
}

// writeError maps service errors onto statuses and error codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, resource, id string, err error) {
	if v, ok := rules.AsViolation(err); ok {
		status := http.StatusUnprocessableEntity
		if v.Kind == rules.KindConflict {
			status = http.StatusConflict
		}
		httputil.WriteError(w, status, v.Code, v.Message)
		return
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		httputil.WriteNotFound(w, resource, id)
	case errors.Is(err, repository.ErrConflict):
		httputil.WriteError(w, http.StatusConflict, "conflict", resource+" already exists")
	case errors.Is(err, idempotency.ErrInProgress):
		httputil.WriteError(w, http.StatusConflict, "transaction_in_progress", "transaction is still being processed")
	case errors.Is(err, service.ErrInvalidInput):
		httputil.WriteValidationError(w, err.Error())
	default:
		h.logger.WithContext(r.Context()).Error("request failed",
			logging.Method(r.Method), logging.Path(r.URL.Path), logging.Error(err))
		httputil.WriteInternalError(w)
	}
}

// =============================================================================
// Health Check Handlers
// =============================================================================

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteData(w, http.StatusOK, map[string]string{"status": "ok", "service": "erp"}, "")
}

type readiness struct {
	Status  string                  `json:"status"`
	Service string                  `json:"service"`
	Storage string                  `json:"storage"`
	Broker  *messaging.BrokerStatus `json:"broker,omitempty"`
}

// ReadyCheck handles GET /readyz
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	report := readiness{Status: "ready", Service: "erp", Storage: "ok"}
	status := http.StatusOK

	if err := h.svc.Ping(r.Context()); err != nil {
		h.logger.WithContext(r.Context()).Warn("storage not ready", logging.Error(err))
		report.Storage = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if h.broker != nil {
		b := messaging.ProbeBroker(r.Context(), h.broker)
		report.Broker = &b
		if !b.Connected {
			status = http.StatusServiceUnavailable
		}
	}

	if status != http.StatusOK {
		report.Status = "not_ready"
		raw, _ := json.Marshal(report)
		httputil.WriteJSON(w, status, httputil.Envelope{
			Data:      raw,
			Message:   "erp is not ready",
			Code:      "not_ready",
			Timestamp: time.Now().UTC(),
		})
		return
	}
	httputil.WriteData(w, status, report, "")
}
