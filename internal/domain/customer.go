package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer is a pre-funded billing account. Balance, credit limit and daily
// limit are in the settlement currency (USD). The balance is mutated only by
// the ledger; customers are deactivated, never deleted.
type Customer struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	APIKey      string          `json:"-"`
	Balance     decimal.Decimal `json:"balance"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	DailyLimit  decimal.Decimal `json:"daily_limit"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is a provisional hold against a customer's available balance.
// Held reservations reduce what concurrent requests can reserve but are not
// visible in the stored balance until committed.
type Reservation struct {
	ID            string            `json:"id"`
	CustomerID    string            `json:"customer_id"`
	TransactionID string            `json:"transaction_id"`
	Amount        decimal.Decimal   `json:"amount"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
}
