// Package rules holds the business rules the erp enforces before a mutation
// is persisted. Each category of mutation has one evaluator; the Engine looks
// the evaluator up by category.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/mesa-systems/mesa-stack/common/models"
)

type Category string

const (
	CategoryReservation  Category = "reservation"
	CategoryCashSession  Category = "cash_session"
	CategoryCashMovement Category = "cash_movement"
	CategoryOrder        Category = "order"
	CategoryOrderStatus  Category = "order_status"
)

// Kind selects the HTTP status a violation maps to.
type Kind int

const (
	// KindInvalid is a malformed request (422).
	KindInvalid Kind = iota
	// KindConflict clashes with current state (409).
	KindConflict
)

// Violation is a rejected mutation.
type Violation struct {
	Code    string
	Message string
	Kind    Kind
}

func (v *Violation) Error() string { return v.Code + ": " + v.Message }

func invalid(code, format string, args ...any) *Violation {
	return &Violation{Code: code, Message: fmt.Sprintf(format, args...), Kind: KindInvalid}
}

func conflict(code, format string, args ...any) *Violation {
	return &Violation{Code: code, Message: fmt.Sprintf(format, args...), Kind: KindConflict}
}

// AsViolation extracts a violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Evaluator checks one category of mutation. subject is the category's check
// type (ReservationCheck, CashSessionCheck, ...).
type Evaluator interface {
	Evaluate(subject any) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(subject any) error

func (f EvaluatorFunc) Evaluate(subject any) error { return f(subject) }

type Engine struct {
	evaluators map[Category]Evaluator
}

// NewEngine returns an engine with the default rule set.
func NewEngine() *Engine {
	e := &Engine{evaluators: map[Category]Evaluator{}}
	e.Register(CategoryReservation, EvaluatorFunc(evaluateReservation))
	e.Register(CategoryCashSession, EvaluatorFunc(evaluateCashSession))
	e.Register(CategoryCashMovement, EvaluatorFunc(evaluateCashMovement))
	e.Register(CategoryOrder, EvaluatorFunc(evaluateOrder))
	e.Register(CategoryOrderStatus, EvaluatorFunc(evaluateOrderStatus))
	return e
}

// Register replaces the evaluator of c.
func (e *Engine) Register(c Category, ev Evaluator) {
	e.evaluators[c] = ev
}

// Evaluate runs the evaluator registered for c.
func (e *Engine) Evaluate(c Category, subject any) error {
	ev, ok := e.evaluators[c]
	if !ok {
		return fmt.Errorf("rules: no evaluator for category %q", c)
	}
	return ev.Evaluate(subject)
}

func subjectError(c Category, subject any) error {
	return fmt.Errorf("rules: unexpected %s subject %T", c, subject)
}

// ReservationCheck is a reservation about to be written together with the
// reservations already booked on its table around its slot.
type ReservationCheck struct {
	Reservation models.Reservation
	Existing    []models.Reservation
}

func evaluateReservation(subject any) error {
	check, ok := subject.(ReservationCheck)
	if !ok {
		return subjectError(CategoryReservation, subject)
	}
	r := check.Reservation
	switch {
	case r.TableID == "":
		return invalid("table_required", "table is required")
	case r.CustomerName == "":
		return invalid("customer_required", "customer name is required")
	case r.PartySize <= 0:
		return invalid("invalid_party_size", "party size must be greater than zero")
	case !r.EndsAt.After(r.StartsAt):
		return invalid("invalid_time_range", "reservation must end after it starts")
	case !r.Status.Valid():
		return invalid("invalid_status", "unknown reservation status %q", r.Status)
	}
	if !r.Status.Blocking() {
		return nil
	}
	for _, other := range check.Existing {
		if other.Status.Blocking() && r.Overlaps(other) {
			return conflict("reservation_overlap", "table %s is booked from %s to %s",
				other.TableID, other.StartsAt.Format(time.RFC3339), other.EndsAt.Format(time.RFC3339))
		}
	}
	return nil
}

// CashSessionCheck is an opening request and the restaurant's open session,
// if any.
type CashSessionCheck struct {
	OpeningAmount int64
	Open          *models.CashSession
}

func evaluateCashSession(subject any) error {
	check, ok := subject.(CashSessionCheck)
	if !ok {
		return subjectError(CategoryCashSession, subject)
	}
	if check.OpeningAmount < 0 {
		return invalid("invalid_amount", "opening amount cannot be negative")
	}
	if check.Open != nil && check.Open.IsOpen() {
		return conflict("cash_session_already_open", "cash session %s is already open", check.Open.ID)
	}
	return nil
}

// CashMovementCheck is a movement and the session it is recorded against.
type CashMovementCheck struct {
	Movement models.CashMovement
	Session  *models.CashSession
}

func evaluateCashMovement(subject any) error {
	check, ok := subject.(CashMovementCheck)
	if !ok {
		return subjectError(CategoryCashMovement, subject)
	}
	m := check.Movement
	switch {
	case !m.Type.Valid():
		return invalid("invalid_movement_type", "unknown movement type %q", m.Type)
	case m.Amount <= 0:
		return invalid("invalid_amount", "amount must be greater than zero")
	case check.Session == nil:
		return conflict("cash_session_not_found", "cash session %s does not exist", m.SessionID)
	case !check.Session.IsOpen():
		return conflict("cash_session_closed", "cash session %s is closed", check.Session.ID)
	}
	return nil
}

func evaluateOrder(subject any) error {
	o, ok := subject.(models.Order)
	if !ok {
		return subjectError(CategoryOrder, subject)
	}
	if o.TableID == "" {
		return invalid("table_required", "table is required")
	}
	if len(o.Items) == 0 {
		return invalid("items_required", "an order needs at least one item")
	}
	for _, it := range o.Items {
		if it.Name == "" || it.Quantity <= 0 || it.UnitPrice < 0 {
			return invalid("invalid_item", "item %q needs a name, a positive quantity and a price", it.Name)
		}
	}
	return nil
}

// StatusChange is an order moving from one status to another.
type StatusChange struct {
	From models.OrderStatus
	To   models.OrderStatus
}

func evaluateOrderStatus(subject any) error {
	change, ok := subject.(StatusChange)
	if !ok {
		return subjectError(CategoryOrderStatus, subject)
	}
	if !change.To.Valid() {
		return invalid("invalid_status", "unknown order status %q", change.To)
	}
	if !change.From.CanTransition(change.To) {
		return conflict("invalid_transition", "order cannot move from %s to %s", change.From, change.To)
	}
	return nil
}
