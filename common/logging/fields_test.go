package logging

import (
	"errors"
	"log/slog"
	"testing"
)

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		name  string
		attr  slog.Attr
		key   string
		value string
	}{
		{"service", Service("erp"), FieldService, "erp"},
		{"user id", UserID("user-123"), FieldUserID, "user-123"},
		{"restaurant id", RestaurantID("rest-1"), FieldRestaurantID, "rest-1"},
		{"transaction id", TransactionID("tx-9"), FieldTransactionID, "tx-9"},
		{"module", Module("cash"), FieldModule, "cash"},
		{"endpoint", Endpoint("/cash/movements"), FieldEndpoint, "/cash/movements"},
		{"event", Event("cash:movement_added"), FieldEvent, "cash:movement_added"},
		{"entity id", EntityID("res-4"), FieldEntityID, "res-4"},
		{"method", Method("POST"), FieldMethod, "POST"},
		{"path", Path("/api/v1/restaurants"), FieldPath, "/api/v1/restaurants"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.key {
				t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
			}
			if tt.attr.Value.String() != tt.value {
				t.Errorf("expected value %q, got %q", tt.value, tt.attr.Value.String())
			}
		})
	}
}

func TestStatus(t *testing.T) {
	attr := Status(409)
	if attr.Key != FieldStatus {
		t.Errorf("expected key %q, got %q", FieldStatus, attr.Key)
	}
	if attr.Value.Int64() != 409 {
		t.Errorf("expected value 409, got %d", attr.Value.Int64())
	}
}

func TestDuration(t *testing.T) {
	attr := Duration(150)
	if attr.Key != FieldDuration {
		t.Errorf("expected key %q, got %q", FieldDuration, attr.Key)
	}
	if attr.Value.Int64() != 150 {
		t.Errorf("expected value 150, got %d", attr.Value.Int64())
	}
}

func TestError(t *testing.T) {
	attr := Error(errors.New("table already reserved"))
	if attr.Key != FieldError {
		t.Errorf("expected key %q, got %q", FieldError, attr.Key)
	}
	if attr.Value.String() != "table already reserved" {
		t.Errorf("expected error message, got %q", attr.Value.String())
	}

	if got := Error(nil).Value.String(); got != "" {
		t.Errorf("expected empty value for nil error, got %q", got)
	}
}
