package seeder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/erp/erptest"
	"github.com/mesa-systems/mesa-stack/terminal/session"
)

const restaurant = "r-seed"

func openSession(t *testing.T, erp *erptest.Server) *session.Session {
	t.Helper()
	token := erp.Token("seeder", restaurant)
	s, err := session.Open(context.Background(), session.Options{
		BaseURL:      erp.BaseURL(),
		RealtimeURL:  erp.RealtimeURL(),
		RestaurantID: restaurant,
		Token:        func() string { return token },
		Source:       "cli",
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func byKind(reports []Report) map[string]Report {
	out := make(map[string]Report, len(reports))
	for _, r := range reports {
		out[r.Kind] = r
	}
	return out
}

func TestRun(t *testing.T) {
	erp := erptest.New(t)
	s := openSession(t, erp)

	sd := New(s, "seeder", 42, WithLogger(logging.Discard()))
	reports, err := sd.Run(context.Background(), Plan{Reservations: 15, Orders: 6, Movements: 8, Tables: 3, Days: 1})
	require.NoError(t, err)
	require.Len(t, reports, 3)

	got := byKind(reports)

	res := got["reservations"]
	assert.Equal(t, 15, res.Created+res.Rejected)
	assert.Zero(t, res.Queued)
	assert.Len(t, erp.Events(models.EventReservationCreated), res.Created)
	for _, r := range s.Reservations().List() {
		assert.True(t, r.EndsAt.After(r.StartsAt))
		assert.Contains(t, []string{"T1", "T2", "T3"}, r.TableID)
	}

	ord := got["orders"]
	assert.Equal(t, 6, ord.Created)
	assert.Len(t, erp.Events(models.EventNewOrder), 6)
	for _, o := range s.Orders().List() {
		assert.Equal(t, models.OrderTotal(o.Items), o.Total)
		assert.Equal(t, models.OrderPending, o.Status)
	}

	mov := got["cash_movements"]
	assert.Equal(t, 8, mov.Created)
	assert.Len(t, erp.Events(models.EventCashMovementAdded), 8)
	current, ok := s.Cash().CurrentSession()
	require.True(t, ok)
	assert.True(t, current.IsOpen())
	assert.Len(t, s.Cash().Movements(), 8)
}

func TestRun_ReusesOpenCashSession(t *testing.T) {
	erp := erptest.New(t)
	s := openSession(t, erp)
	ctx := context.Background()

	_, err := s.Cash().OpenSession(ctx, 10000, "manager")
	require.NoError(t, err)

	_, err = New(s, "seeder", 7).Run(ctx, Plan{Movements: 3})
	require.NoError(t, err)

	assert.Len(t, erp.Events(models.EventCashSessionUpdated), 1)
	assert.Len(t, s.Cash().Movements(), 3)
}

func TestRun_AdvanceMovesOrdersForward(t *testing.T) {
	erp := erptest.New(t)
	s := openSession(t, erp)

	_, err := New(s, "seeder", 3).Run(context.Background(), Plan{Orders: 10, Advance: true})
	require.NoError(t, err)

	updates := len(erp.Events(models.EventOrderStatusUpdated))
	advanced := 0
	for _, o := range s.Orders().List() {
		if o.Status != models.OrderPending {
			advanced++
		}
	}
	assert.LessOrEqual(t, advanced, updates)
	assert.LessOrEqual(t, updates, 3*10)
}

func TestRun_SameSeedSameData(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC) }

	names := func() []string {
		erp := erptest.New(t)
		s := openSession(t, erp)
		_, err := New(s, "seeder", 99, WithClock(now)).Run(context.Background(), Plan{Reservations: 4, Tables: 50})
		require.NoError(t, err)

		var out []string
		for _, ev := range erp.Events(models.EventReservationCreated) {
			var r models.Reservation
			require.NoError(t, ev.Decode(&r))
			out = append(out, r.CustomerName+"@"+r.StartsAt.Format(time.RFC3339))
		}
		return out
	}

	assert.Equal(t, names(), names())
}

func TestPlanDefaults(t *testing.T) {
	p := Plan{}.withDefaults()
	assert.Equal(t, 12, p.Tables)
	assert.Equal(t, 7, p.Days)
}
