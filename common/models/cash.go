package models

import "time"

type CashSessionStatus string

const (
	CashSessionOpen   CashSessionStatus = "open"
	CashSessionClosed CashSessionStatus = "closed"
)

// CashSession is one opening-to-closing period of a restaurant's register.
// Amounts are in cents.
type CashSession struct {
	ID            string            `json:"id"`
	RestaurantID  string            `json:"restaurant_id"`
	Status        CashSessionStatus `json:"status"`
	OpeningAmount int64             `json:"opening_amount"`
	ClosingAmount *int64            `json:"closing_amount,omitempty"`
	OpenedBy      string            `json:"opened_by,omitempty"`
	ClosedBy      string            `json:"closed_by,omitempty"`
	OpenedAt      time.Time         `json:"opened_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
	Version       int64             `json:"version"`
}

func (s CashSession) IsOpen() bool { return s.Status == CashSessionOpen }

type MovementType string

const (
	MovementIncome     MovementType = "income"
	MovementExpense    MovementType = "expense"
	MovementDeposit    MovementType = "deposit"
	MovementWithdrawal MovementType = "withdrawal"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementIncome, MovementExpense, MovementDeposit, MovementWithdrawal:
		return true
	}
	return false
}

// Sign is +1 for money entering the register and -1 for money leaving it.
func (t MovementType) Sign() int64 {
	if t == MovementExpense || t == MovementWithdrawal {
		return -1
	}
	return 1
}

// CashMovement is a single entry in a cash session. Amount is positive, in
// cents; the direction comes from Type.
type CashMovement struct {
	ID           string       `json:"id"`
	RestaurantID string       `json:"restaurant_id"`
	SessionID    string       `json:"session_id"`
	Type         MovementType `json:"type"`
	Amount       int64        `json:"amount"`
	Description  string       `json:"description,omitempty"`
	CreatedBy    string       `json:"created_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	Version      int64        `json:"version"`
}

// CashSummary is the server-computed aggregate of a session.
type CashSummary struct {
	SessionID     string `json:"session_id"`
	OpeningAmount int64  `json:"opening_amount"`
	Income        int64  `json:"income"`
	Expense       int64  `json:"expense"`
	Deposits      int64  `json:"deposits"`
	Withdrawals   int64  `json:"withdrawals"`
	Balance       int64  `json:"balance"`
	MovementCount int    `json:"movement_count"`
}

// Summarize computes the summary of session from its movements.
func Summarize(session CashSession, movements []CashMovement) CashSummary {
	sum := CashSummary{SessionID: session.ID, OpeningAmount: session.OpeningAmount}
	for _, m := range movements {
		if m.SessionID != session.ID {
			continue
		}
		switch m.Type {
		case MovementIncome:
			sum.Income += m.Amount
		case MovementExpense:
			sum.Expense += m.Amount
		case MovementDeposit:
			sum.Deposits += m.Amount
		case MovementWithdrawal:
			sum.Withdrawals += m.Amount
		}
		sum.MovementCount++
	}
	sum.Balance = sum.OpeningAmount + sum.Income + sum.Deposits - sum.Expense - sum.Withdrawals
	return sum
}
