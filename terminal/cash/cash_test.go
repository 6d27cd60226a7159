package cash

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/echoguard"
	"github.com/mesa-systems/mesa-stack/terminal/facade"
	"github.com/mesa-systems/mesa-stack/terminal/pending"
	"github.com/mesa-systems/mesa-stack/terminal/restclient"
	"github.com/mesa-systems/mesa-stack/terminal/socket"
)

// register is a single-restaurant cash backend.
type register struct {
	mu        sync.Mutex
	session   *models.CashSession
	movements []models.CashMovement
	summaries atomic.Int32
}

func (r *register) handler() http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1/restaurants/r-1"

	mux.HandleFunc("GET "+base+"/cash/sessions/current", func(w http.ResponseWriter, _ *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		httputil.WriteData(w, http.StatusOK, r.session, "")
	})
	mux.HandleFunc("POST "+base+"/cash/sessions", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ID            string `json:"id"`
			OpeningAmount int64  `json:"opening_amount"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.session = &models.CashSession{
			ID: body.ID, RestaurantID: "r-1", Status: models.CashSessionOpen,
			OpeningAmount: body.OpeningAmount, OpenedAt: time.Now().UTC(), Version: 1,
		}
		httputil.WriteData(w, http.StatusCreated, r.session, "")
	})
	mux.HandleFunc("POST "+base+"/cash/sessions/{id}/close", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ClosingAmount int64 `json:"closing_amount"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.session.Status = models.CashSessionClosed
		r.session.ClosingAmount = &body.ClosingAmount
		r.session.Version++
		httputil.WriteData(w, http.StatusOK, r.session, "")
	})
	mux.HandleFunc("GET "+base+"/cash/sessions/{id}/movements", func(w http.ResponseWriter, _ *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		httputil.WriteData(w, http.StatusOK, r.movements, "")
	})
	mux.HandleFunc("GET "+base+"/cash/sessions/{id}/summary", func(w http.ResponseWriter, _ *http.Request) {
		r.summaries.Add(1)
		r.mu.Lock()
		defer r.mu.Unlock()
		httputil.WriteData(w, http.StatusOK, models.Summarize(*r.session, r.movements), "")
	})
	mux.HandleFunc("POST "+base+"/cash/movements", func(w http.ResponseWriter, req *http.Request) {
		var m models.CashMovement
		_ = json.NewDecoder(req.Body).Decode(&m)
		if m.Amount > 100000 {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "amount_limit", "amount over limit")
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		m.RestaurantID = "r-1"
		m.CreatedAt = time.Now().UTC()
		m.Version = 1
		r.movements = append(r.movements, m)
		httputil.WriteData(w, http.StatusCreated, m, "")
	})
	return mux
}

type cashFixture struct {
	cash   *Cash
	reg    *register
	srv    *httptest.Server
	queue  *pending.Queue
	guard  *echoguard.Guard
	binder *recordingBinder
}

type recordingBinder struct{ handlers map[string]socket.Handler }

func (b *recordingBinder) On(event string, h socket.Handler) { b.handlers[event] = h }
func (b *recordingBinder) Off(event string)                  { delete(b.handlers, event) }

func newCashFixture(t *testing.T) *cashFixture {
	t.Helper()
	reg := &register{}
	srv := httptest.NewServer(reg.handler())
	t.Cleanup(srv.Close)

	guard := echoguard.New(time.Minute, echoguard.WithSweepInterval(0))
	queue := pending.New(pending.NewMemoryBackend(), pending.WithKeyRegistry(guard), pending.WithLogger(logging.Discard()))
	t.Cleanup(func() { guard.Close(); _ = queue.Close() })

	client := restclient.New(srv.URL+"/api/v1", restclient.WithLogger(logging.Discard()))
	c := New(facade.Deps{
		Client:     client,
		Guard:      guard,
		Queue:      queue,
		Restaurant: func() string { return "r-1" },
		Logger:     logging.Discard(),
	})
	t.Cleanup(c.Close)

	binder := &recordingBinder{handlers: map[string]socket.Handler{}}
	c.Bind(binder)
	return &cashFixture{cash: c, reg: reg, srv: srv, queue: queue, guard: guard, binder: binder}
}

func TestOpenAddClose(t *testing.T) {
	fx := newCashFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.cash.Load(ctx))
	_, ok := fx.cash.CurrentSession()
	assert.False(t, ok)

	opened, err := fx.cash.OpenSession(ctx, 10000, "ana")
	require.NoError(t, err)
	require.NotNil(t, opened.Entity)
	assert.Equal(t, int64(1), opened.Entity.Version)

	_, err = fx.cash.OpenSession(ctx, 500, "ana")
	assert.ErrorIs(t, err, ErrSessionAlreadyOpen)

	res, err := fx.cash.AddMovement(ctx, MovementInput{Type: models.MovementIncome, Amount: 15000, Description: "mesa 4"}, "ana")
	require.NoError(t, err)
	assert.False(t, res.Queued)

	movements := fx.cash.Movements()
	require.Len(t, movements, 1)
	assert.Equal(t, int64(15000), movements[0].Amount)
	assert.Equal(t, int64(1), movements[0].Version)

	sum, ok := fx.cash.Summary()
	require.True(t, ok)
	assert.Equal(t, int64(25000), sum.Balance)

	_, err = fx.cash.CloseSession(ctx, 25000)
	require.NoError(t, err)
	session, _ := fx.cash.CurrentSession()
	assert.False(t, session.IsOpen())
	require.NotNil(t, session.ClosingAmount)
	assert.Equal(t, int64(25000), *session.ClosingAmount)

	_, err = fx.cash.AddMovement(ctx, MovementInput{Type: models.MovementIncome, Amount: 1}, "ana")
	assert.ErrorIs(t, err, ErrNoOpenSession)
}

func TestAddMovement_Validation(t *testing.T) {
	fx := newCashFixture(t)
	ctx := context.Background()

	_, err := fx.cash.AddMovement(ctx, MovementInput{Type: "refund", Amount: 1}, "")
	assert.ErrorIs(t, err, ErrInvalidMovement)
	_, err = fx.cash.AddMovement(ctx, MovementInput{Type: models.MovementIncome, Amount: 0}, "")
	assert.ErrorIs(t, err, ErrInvalidMovement)
	_, err = fx.cash.AddMovement(ctx, MovementInput{Type: models.MovementIncome, Amount: 5}, "")
	assert.ErrorIs(t, err, ErrNoOpenSession)
}

func TestAddMovement_RejectedLeavesNothing(t *testing.T) {
	fx := newCashFixture(t)
	ctx := context.Background()
	_, err := fx.cash.OpenSession(ctx, 0, "")
	require.NoError(t, err)

	_, err = fx.cash.AddMovement(ctx, MovementInput{Type: models.MovementIncome, Amount: 500000}, "")
	re, ok := restclient.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "amount_limit", re.Code)
	assert.Empty(t, fx.cash.Movements())
}

func TestAddMovement_OfflineQueues(t *testing.T) {
	fx := newCashFixture(t)
	ctx := context.Background()
	_, err := fx.cash.OpenSession(ctx, 0, "")
	require.NoError(t, err)
	before := fx.reg.summaries.Load()

	fx.srv.Close()
	res, err := fx.cash.AddMovement(ctx, MovementInput{Type: models.MovementExpense, Amount: 700}, "")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Len(t, fx.cash.Movements(), 1)
	assert.Equal(t, before, fx.reg.summaries.Load(), "no summary fetch while offline")

	n, err := fx.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBroadcastFromOtherTerminal(t *testing.T) {
	fx := newCashFixture(t)
	ctx := context.Background()
	_, err := fx.cash.OpenSession(ctx, 0, "")
	require.NoError(t, err)
	session, _ := fx.cash.CurrentSession()
	before := fx.reg.summaries.Load()

	m := models.CashMovement{ID: "m-remote", SessionID: session.ID, Type: models.MovementIncome, Amount: 300, Version: 1}
	ev, err := models.NewEvent("e1", models.EventCashMovementAdded, "r-1", "other-terminal-key", m, time.Now())
	require.NoError(t, err)
	fx.binder.handlers[models.EventCashMovementAdded](ctx, ev)

	require.Len(t, fx.cash.Movements(), 1)
	assert.Equal(t, "m-remote", fx.cash.Movements()[0].ID)
	assert.Equal(t, before+1, fx.reg.summaries.Load(), "aggregate re-fetched")
}
