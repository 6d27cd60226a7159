package httputil

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Envelope wraps every ERP API response. Clients surface only Data; Message
// carries the human readable outcome and Code a machine readable error code.
type Envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      string          `json:"code,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HeaderIdempotentReplay marks a response that was served from the
// idempotency store instead of executing the mutation again.
const HeaderIdempotentReplay = "Idempotent-Replayed"

// now is swapped in tests.
var now = time.Now

// WriteJSON writes a JSON response with the given status code and data.
// It properly checks for encoding errors and logs them.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: failed to encode JSON response: %v", err)
	}
}

// WriteData writes a successful envelope around data.
func WriteData(w http.ResponseWriter, status int, data interface{}, message string) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("ERROR: failed to encode envelope data: %v", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to encode response")
		return
	}
	WriteRaw(w, status, raw, message)
}

// WriteRaw writes a successful envelope around already encoded data. Used to
// replay a stored idempotent result byte for byte.
func WriteRaw(w http.ResponseWriter, status int, data json.RawMessage, message string) {
	WriteJSON(w, status, Envelope{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: now().UTC(),
	})
}

// WriteError writes a failed envelope. code is a stable snake_case identifier.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Envelope{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: now().UTC(),
	})
}

// WriteValidationError writes a 422 with code "validation_error".
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, "validation_error", message)
}

// WriteNotFound writes a 404 for the given resource type and ID.
func WriteNotFound(w http.ResponseWriter, resourceType, id string) {
	WriteError(w, http.StatusNotFound, "not_found", resourceType+" "+id+" not found")
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// WriteForbidden writes a 403.
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

// WriteInternalError writes a 500 without leaking the cause.
func WriteInternalError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}
