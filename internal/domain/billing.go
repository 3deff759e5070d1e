package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BillingType string

const (
	BillingDebit  BillingType = "debit"
	BillingCredit BillingType = "credit"
)

// BillingRecord is one append-only ledger entry. The balance_after of the
// latest record for a customer must always equal the customer's stored
// balance.
type BillingRecord struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id"`
	TransactionID string          `json:"transaction_id"`
	Type          BillingType     `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}
