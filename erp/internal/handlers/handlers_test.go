package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/messaging"
	"github.com/mesa-systems/mesa-stack/erp/internal/idempotency"
	"github.com/mesa-systems/mesa-stack/erp/internal/repository"
	"github.com/mesa-systems/mesa-stack/erp/internal/rules"
	"github.com/mesa-systems/mesa-stack/erp/internal/service"
)

func TestWriteError(t *testing.T) {
	h := NewHandler(nil, logging.Discard())

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid violation", &rules.Violation{Code: "invalid_party_size", Kind: rules.KindInvalid}, http.StatusUnprocessableEntity, "invalid_party_size"},
		{"conflict violation", &rules.Violation{Code: "reservation_overlap", Kind: rules.KindConflict}, http.StatusConflict, "reservation_overlap"},
		{"not found", fmt.Errorf("get: %w", repository.ErrNotFound), http.StatusNotFound, "not_found"},
		{"duplicate", repository.ErrConflict, http.StatusConflict, "conflict"},
		{"in progress", idempotency.ErrInProgress, http.StatusConflict, "transaction_in_progress"},
		{"invalid input", service.ErrInvalidInput, http.StatusUnprocessableEntity, "validation_error"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			h.writeError(w, r, "order", "o-1", tt.err)

			assert.Equal(t, tt.status, w.Code)
			var env httputil.Envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Code)
			assert.NotContains(t, env.Message, "boom")
		})
	}
}

func TestDecodeMutation(t *testing.T) {
	var in service.UpdateOrderStatusInput
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"transaction_id":"abc","status":"ready"}`))
	txn, err := decodeMutation(w, r, &in)
	require.NoError(t, err)
	assert.Equal(t, "abc", txn)
	assert.Equal(t, "ready", string(in.Status))

	r = httptest.NewRequest(http.MethodDelete, "/", nil)
	txn, err = decodeMutation(w, r, nil)
	require.NoError(t, err)
	assert.Empty(t, txn)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"transaction_id":`))
	_, err = decodeMutation(w, r, &in)
	assert.Error(t, err)
}

func TestWriteResultReplay(t *testing.T) {
	w := httptest.NewRecorder()
	writeResult(w, &service.Result{Status: http.StatusCreated, Data: json.RawMessage(`{"id":"x"}`), Replayed: true}, "created")

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get(httputil.HeaderIdempotentReplay))
	var env httputil.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.JSONEq(t, `{"id":"x"}`, string(env.Data))
}

type fakeBroker struct{ connected bool }

func (f *fakeBroker) Publish(context.Context, string, []byte) error        { return nil }
func (f *fakeBroker) PublishMsg(context.Context, *messaging.Message) error { return nil }
func (f *fakeBroker) Request(context.Context, string, []byte, time.Duration) (*messaging.Message, error) {
	return nil, errors.New("nats: no responders available for request")
}
func (f *fakeBroker) Subscribe(string, messaging.MessageHandler) (messaging.Subscription, error) {
	return nil, nil
}
func (f *fakeBroker) QueueSubscribe(string, string, messaging.MessageHandler) (messaging.Subscription, error) {
	return nil, nil
}
func (f *fakeBroker) Close() error      { return nil }
func (f *fakeBroker) Drain() error      { return nil }
func (f *fakeBroker) IsConnected() bool { return f.connected }

func TestReadyCheck(t *testing.T) {
	svc := service.New(service.Deps{Repo: repository.NewInMemoryRepository(), Logger: logging.Discard()})

	tests := []struct {
		name   string
		opts   []Option
		status int
		broker bool
	}{
		{name: "storage only", status: http.StatusOK},
		{name: "broker connected", opts: []Option{WithBroker(&fakeBroker{connected: true})}, status: http.StatusOK, broker: true},
		{name: "broker down", opts: []Option{WithBroker(&fakeBroker{})}, status: http.StatusServiceUnavailable, broker: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(svc, logging.Discard(), tt.opts...)
			w := httptest.NewRecorder()
			h.ReadyCheck(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.status, w.Code)
			var env httputil.Envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			assert.Equal(t, tt.status == http.StatusOK, env.Success)

			var report readiness
			require.NoError(t, json.Unmarshal(env.Data, &report))
			assert.Equal(t, "ok", report.Storage)
			if tt.broker {
				require.NotNil(t, report.Broker)
				assert.Equal(t, tt.status == http.StatusOK, report.Broker.Connected)
			} else {
				assert.Nil(t, report.Broker)
			}
		})
	}
}
