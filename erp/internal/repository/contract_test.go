package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesa-systems/mesa-stack/common/models"
)

var errRule = errors.New("rule says no")

// testRepository exercises the behavior every Repository shares.
func testRepository(t *testing.T, repo Repository) {
	t.Run("cash sessions", func(t *testing.T) { testCashSessions(t, repo) })
	t.Run("cash movements", func(t *testing.T) { testCashMovements(t, repo) })
	t.Run("reservations", func(t *testing.T) { testReservations(t, repo) })
	t.Run("orders", func(t *testing.T) { testOrders(t, repo) })
}

func at(h int) time.Time {
	return time.Date(2026, 5, 1, h, 0, 0, 0, time.UTC)
}

func testCashSessions(t *testing.T, repo Repository) {
	ctx := context.Background()
	rid := "r-" + uuid.NewString()

	_, err := repo.CurrentCashSession(ctx, rid)
	assert.ErrorIs(t, err, ErrNotFound)

	s := &models.CashSession{ID: uuid.NewString(), RestaurantID: rid, Status: models.CashSessionOpen,
		OpeningAmount: 5000, OpenedBy: "ana", OpenedAt: at(9)}
	var seen *models.CashSession
	require.NoError(t, repo.OpenCashSession(ctx, s, func(open *models.CashSession) error { seen = open; return nil }))
	assert.Nil(t, seen)
	assert.Equal(t, int64(1), s.Version)

	second := &models.CashSession{ID: uuid.NewString(), RestaurantID: rid, Status: models.CashSessionOpen, OpenedAt: at(10)}
	err = repo.OpenCashSession(ctx, second, func(open *models.CashSession) error {
		require.NotNil(t, open)
		assert.Equal(t, s.ID, open.ID)
		return errRule
	})
	assert.ErrorIs(t, err, errRule)

	current, err := repo.CurrentCashSession(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, s.ID, current.ID)

	closed, err := repo.UpdateCashSession(ctx, rid, s.ID, func(cs *models.CashSession) error {
		amount := int64(7000)
		now := at(18)
		cs.Status, cs.ClosingAmount, cs.ClosedBy, cs.ClosedAt = models.CashSessionClosed, &amount, "ana", &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), closed.Version)
	require.NotNil(t, closed.ClosingAmount)
	assert.Equal(t, int64(7000), *closed.ClosingAmount)

	_, err = repo.UpdateCashSession(ctx, rid, s.ID, func(*models.CashSession) error { return errRule })
	assert.ErrorIs(t, err, errRule)
	got, err := repo.GetCashSession(ctx, rid, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version, "failed update leaves the row alone")

	_, err = repo.GetCashSession(ctx, "other", s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.UpdateCashSession(ctx, rid, uuid.NewString(), func(*models.CashSession) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	// once closed, a new one may open and becomes current
	require.NoError(t, repo.OpenCashSession(ctx, second, nil))
	current, err = repo.CurrentCashSession(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
}

func testCashMovements(t *testing.T, repo Repository) {
	ctx := context.Background()
	rid := "r-" + uuid.NewString()
	s := &models.CashSession{ID: uuid.NewString(), RestaurantID: rid, Status: models.CashSessionOpen, OpenedAt: at(9)}
	require.NoError(t, repo.OpenCashSession(ctx, s, nil))

	m := &models.CashMovement{ID: uuid.NewString(), RestaurantID: rid, SessionID: s.ID,
		Type: models.MovementIncome, Amount: 1200, Description: "table 3", CreatedAt: at(10)}
	var session *models.CashSession
	require.NoError(t, repo.AddCashMovement(ctx, m, func(cs *models.CashSession) error { session = cs; return nil }))
	require.NotNil(t, session)
	assert.True(t, session.IsOpen())
	assert.Equal(t, int64(1), m.Version)

	dup := *m
	assert.ErrorIs(t, repo.AddCashMovement(ctx, &dup, nil), ErrConflict)

	orphan := &models.CashMovement{ID: uuid.NewString(), RestaurantID: rid, SessionID: uuid.NewString(),
		Type: models.MovementIncome, Amount: 1, CreatedAt: at(11)}
	err := repo.AddCashMovement(ctx, orphan, func(cs *models.CashSession) error {
		assert.Nil(t, cs)
		return errRule
	})
	assert.ErrorIs(t, err, errRule)

	list, err := repo.ListCashMovements(ctx, rid, s.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "table 3", list[0].Description)

	empty, err := repo.ListCashMovements(ctx, rid, uuid.NewString())
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func testReservations(t *testing.T, repo Repository) {
	ctx := context.Background()
	rid := "r-" + uuid.NewString()
	newRes := func(table string, start, end int) *models.Reservation {
		return &models.Reservation{ID: uuid.NewString(), RestaurantID: rid, TableID: table, CustomerName: "Ana",
			PartySize: 2, StartsAt: at(start), EndsAt: at(end), Status: models.ReservationConfirmed, CreatedAt: at(8)}
	}

	first := newRes("t1", 19, 21)
	require.NoError(t, repo.CreateReservation(ctx, first, func(existing []models.Reservation) error {
		assert.Empty(t, existing)
		return nil
	}))
	assert.Equal(t, int64(1), first.Version)

	var clashes []models.Reservation
	clash := newRes("t1", 20, 22)
	err := repo.CreateReservation(ctx, clash, func(existing []models.Reservation) error {
		clashes = existing
		return errRule
	})
	assert.ErrorIs(t, err, errRule)
	require.Len(t, clashes, 1)
	assert.Equal(t, first.ID, clashes[0].ID)
	_, err = repo.GetReservation(ctx, rid, clash.ID)
	assert.ErrorIs(t, err, ErrNotFound, "rejected create leaves no row")

	other := newRes("t2", 20, 22)
	require.NoError(t, repo.CreateReservation(ctx, other, func(existing []models.Reservation) error {
		assert.Empty(t, existing, "other tables do not clash")
		return nil
	}))

	updated, err := repo.UpdateReservation(ctx, rid, first.ID, func(r *models.Reservation) error {
		r.PartySize = 4
		return nil
	}, func(existing []models.Reservation) error {
		assert.Empty(t, existing, "a reservation never clashes with itself")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.PartySize)
	assert.Equal(t, int64(2), updated.Version)

	list, err := repo.ListReservations(ctx, rid, at(19), at(20))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	all, err := repo.ListReservations(ctx, rid, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	deleted, err := repo.DeleteReservation(ctx, rid, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted.Version)
	_, err = repo.DeleteReservation(ctx, rid, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testOrders(t *testing.T, repo Repository) {
	ctx := context.Background()
	rid := "r-" + uuid.NewString()
	items := []models.OrderItem{{Name: "Soup", Quantity: 2, UnitPrice: 450}}
	o := &models.Order{ID: uuid.NewString(), RestaurantID: rid, TableID: "t1", Items: items,
		Total: models.OrderTotal(items), Status: models.OrderPending, CreatedAt: at(12), UpdatedAt: at(12)}
	require.NoError(t, repo.CreateOrder(ctx, o))
	assert.Equal(t, int64(1), o.Version)
	assert.ErrorIs(t, repo.CreateOrder(ctx, o), ErrConflict)

	got, err := repo.GetOrder(ctx, rid, o.ID)
	require.NoError(t, err)
	assert.Equal(t, items, got.Items)
	assert.Equal(t, int64(900), got.Total)

	next, err := repo.UpdateOrder(ctx, rid, o.ID, func(ord *models.Order) error {
		ord.Status, ord.UpdatedAt = models.OrderPreparing, at(13)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderPreparing, next.Status)
	assert.Equal(t, int64(2), next.Version)

	list, err := repo.ListOrders(ctx, rid)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.OrderPreparing, list[0].Status)

	_, err = repo.GetOrder(ctx, "elsewhere", o.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
