package logging

import "log/slog"

// Common field names for consistent logging across services.
const (
	FieldService       = "service"
	FieldRequestID     = "request_id"
	FieldUserID        = "user_id"
	FieldRestaurantID  = "restaurant_id"
	FieldTransactionID = "transaction_id"
	FieldModule        = "module"
	FieldEndpoint      = "endpoint"
	FieldEvent         = "event"
	FieldEntityID      = "entity_id"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatus        = "status"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// UserID returns a slog attribute for the user ID.
func UserID(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

// RestaurantID returns a slog attribute for the tenant the record belongs to.
func RestaurantID(id string) slog.Attr {
	return slog.String(FieldRestaurantID, id)
}

// TransactionID returns a slog attribute for a mutation's idempotency key.
func TransactionID(id string) slog.Attr {
	return slog.String(FieldTransactionID, id)
}

// Module returns a slog attribute for the business module (cash, reservations, orders).
func Module(name string) slog.Attr {
	return slog.String(FieldModule, name)
}

// Endpoint returns a slog attribute for a REST endpoint path.
func Endpoint(path string) slog.Attr {
	return slog.String(FieldEndpoint, path)
}

// Event returns a slog attribute for a realtime event name.
func Event(name string) slog.Attr {
	return slog.String(FieldEvent, name)
}

// EntityID returns a slog attribute for a domain entity ID.
func EntityID(id string) slog.Attr {
	return slog.String(FieldEntityID, id)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
