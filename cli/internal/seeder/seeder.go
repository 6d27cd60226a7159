// Package seeder fills a restaurant with realistic demo data: reservations,
// kitchen orders and cash movements, sent through a terminal session like any
// other mutation.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/cash"
	"github.com/mesa-systems/mesa-stack/terminal/orders"
	"github.com/mesa-systems/mesa-stack/terminal/reservations"
	"github.com/mesa-systems/mesa-stack/terminal/restclient"
	"github.com/mesa-systems/mesa-stack/terminal/session"
)

// Plan says how much to generate.
type Plan struct {
	Reservations int
	Orders       int
	Movements    int
	// Tables are named T1..Tn. Defaults to 12.
	Tables int
	// Days spreads reservations over today and the following days. Defaults
	// to 7.
	Days int
	// Advance moves some of the new orders along the kitchen flow.
	Advance bool
}

func (p Plan) withDefaults() Plan {
	if p.Tables <= 0 {
		p.Tables = 12
	}
	if p.Days <= 0 {
		p.Days = 7
	}
	return p
}

// Report counts the outcome of one kind of seeded entity.
type Report struct {
	Kind     string `json:"kind"`
	Created  int    `json:"created"`
	Queued   int    `json:"queued"`
	Rejected int    `json:"rejected"`
}

func (r *Report) count(queued bool) {
	if queued {
		r.Queued++
		return
	}
	r.Created++
}

type Seeder struct {
	session *session.Session
	faker   *gofakeit.Faker
	user    string
	now     func() time.Time
	logger  *logging.Logger
}

type Option func(*Seeder)

func WithClock(now func() time.Time) Option { return func(s *Seeder) { s.now = now } }

func WithLogger(l *logging.Logger) Option { return func(s *Seeder) { s.logger = l } }

// New returns a seeder acting as user. A zero seed picks a random one.
func New(s *session.Session, user string, seed int64, opts ...Option) *Seeder {
	sd := &Seeder{
		session: s,
		faker:   gofakeit.New(seed),
		user:    user,
		now:     time.Now,
		logger:  logging.Default(),
	}
	for _, opt := range opts {
		opt(sd)
	}
	sd.logger = sd.logger.With(logging.Module("seeder"))
	return sd
}

// Run generates plan. Business rejections (an overlapping booking, say) are
// counted and skipped; any other failure stops the run.
func (sd *Seeder) Run(ctx context.Context, plan Plan) ([]Report, error) {
	plan = plan.withDefaults()
	var reports []Report

	if plan.Reservations > 0 {
		r, err := sd.seedReservations(ctx, plan)
		reports = append(reports, r)
		if err != nil {
			return reports, err
		}
	}
	if plan.Orders > 0 {
		r, err := sd.seedOrders(ctx, plan)
		reports = append(reports, r)
		if err != nil {
			return reports, err
		}
	}
	if plan.Movements > 0 {
		r, err := sd.seedCash(ctx, plan)
		reports = append(reports, r)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

func rejected(err error) bool {
	return restclient.IsRejection(err) ||
		errors.Is(err, reservations.ErrInvalidReservation) ||
		errors.Is(err, orders.ErrInvalidOrder) ||
		errors.Is(err, orders.ErrInvalidTransition) ||
		errors.Is(err, cash.ErrInvalidMovement)
}

func (sd *Seeder) table(plan Plan) string {
	return fmt.Sprintf("T%d", sd.faker.Number(1, plan.Tables))
}

var reservationNotes = []string{"", "", "", "birthday", "window seat", "high chair", "terrace", "allergic to nuts"}

func (sd *Seeder) seedReservations(ctx context.Context, plan Plan) (Report, error) {
	report := Report{Kind: reservations.Module}
	now := sd.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for i := 0; i < plan.Reservations; i++ {
		day := today.AddDate(0, 0, sd.faker.Number(0, plan.Days-1))
		starts := day.Add(time.Duration(sd.faker.Number(12, 22))*time.Hour +
			time.Duration(sd.faker.RandomInt([]int{0, 15, 30, 45}))*time.Minute)
		length := time.Duration(sd.faker.RandomInt([]int{60, 90, 120})) * time.Minute

		res, err := sd.session.Reservations().Create(ctx, reservations.Input{
			TableID:       sd.table(plan),
			CustomerName:  sd.faker.Name(),
			CustomerPhone: sd.faker.Phone(),
			PartySize:     sd.faker.Number(1, 8),
			StartsAt:      starts,
			EndsAt:        starts.Add(length),
			Notes:         sd.faker.RandomString(reservationNotes),
		})
		if err != nil {
			if rejected(err) {
				report.Rejected++
				sd.logger.Debug("reservation rejected", logging.Error(err))
				continue
			}
			return report, fmt.Errorf("seed reservation: %w", err)
		}
		report.count(res.Queued)
	}
	return report, nil
}

func (sd *Seeder) dish() string {
	switch sd.faker.Number(0, 2) {
	case 0:
		return sd.faker.Lunch()
	case 1:
		return sd.faker.Dinner()
	}
	return sd.faker.Dessert()
}

var kitchenFlow = []models.OrderStatus{models.OrderPreparing, models.OrderReady, models.OrderServed}

func (sd *Seeder) seedOrders(ctx context.Context, plan Plan) (Report, error) {
	report := Report{Kind: orders.Module}

	for i := 0; i < plan.Orders; i++ {
		items := make([]models.OrderItem, sd.faker.Number(1, 4))
		for j := range items {
			items[j] = models.OrderItem{
				Name:      sd.dish(),
				Quantity:  sd.faker.Number(1, 3),
				UnitPrice: int64(sd.faker.Number(350, 2400)),
			}
		}

		res, err := sd.session.Orders().Create(ctx, orders.Input{TableID: sd.table(plan), Items: items})
		if err != nil {
			if rejected(err) {
				report.Rejected++
				continue
			}
			return report, fmt.Errorf("seed order: %w", err)
		}
		report.count(res.Queued)

		if !plan.Advance || res.Queued || res.Entity == nil {
			continue
		}
		for _, status := range kitchenFlow[:sd.faker.Number(0, len(kitchenFlow))] {
			if _, err := sd.session.Orders().UpdateStatus(ctx, res.Entity.ID, status); err != nil {
				if rejected(err) {
					break
				}
				return report, fmt.Errorf("advance order: %w", err)
			}
		}
	}
	return report, nil
}

var movementTypes = []string{
	string(models.MovementIncome), string(models.MovementIncome), string(models.MovementIncome),
	string(models.MovementExpense), string(models.MovementDeposit), string(models.MovementWithdrawal),
}

func (sd *Seeder) movementDescription(t models.MovementType) string {
	switch t {
	case models.MovementIncome:
		return fmt.Sprintf("Table T%d", sd.faker.Number(1, 30))
	case models.MovementExpense:
		return sd.faker.Company() + " supplies"
	case models.MovementDeposit:
		return "Change float"
	}
	return "Bank deposit"
}

func (sd *Seeder) seedCash(ctx context.Context, plan Plan) (Report, error) {
	report := Report{Kind: cash.ModuleMovements}

	if current, ok := sd.session.Cash().CurrentSession(); !ok || !current.IsOpen() {
		opening := int64(sd.faker.Number(100, 400)) * 100
		if _, err := sd.session.Cash().OpenSession(ctx, opening, sd.user); err != nil {
			return report, fmt.Errorf("open cash session: %w", err)
		}
	}

	for i := 0; i < plan.Movements; i++ {
		t := models.MovementType(sd.faker.RandomString(movementTypes))
		res, err := sd.session.Cash().AddMovement(ctx, cash.MovementInput{
			Type:        t,
			Amount:      int64(sd.faker.Number(100, 9000)),
			Description: sd.movementDescription(t),
		}, sd.user)
		if err != nil {
			if rejected(err) {
				report.Rejected++
				continue
			}
			return report, fmt.Errorf("seed movement: %w", err)
		}
		report.count(res.Queued)
	}
	return report, nil
}
