package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusReserved   TransactionStatus = "RESERVED"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusSuccess    TransactionStatus = "SUCCESS"
	StatusFailed     TransactionStatus = "FAILED"
)

// Terminal reports whether the status is final. Terminal transactions are
// immutable.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Category string

const (
	CategoryTopup       Category = "topup"
	CategoryBillPayment Category = "bill_payment"
	CategoryVoucher     Category = "voucher"
)

// Transaction is one settlement attempt. Its ID doubles as the idempotency
// key: a retry carrying the same ID must observe the existing record instead
// of producing a second one.
type Transaction struct {
	ID                    string            `json:"id"`
	CustomerID            string            `json:"customer_id"`
	Destination           string            `json:"destination"`
	Category              Category          `json:"category"`
	SourceAmount          decimal.Decimal   `json:"source_amount"`
	SourceCurrency        string            `json:"source_currency"`
	SettledAmount         decimal.Decimal   `json:"settled_amount"`
	SettledCurrency       string            `json:"settled_currency"`
	ExchangeRate          decimal.Decimal   `json:"exchange_rate"`
	Status                TransactionStatus `json:"status"`
	Provider              string            `json:"provider,omitempty"`
	ProviderTransactionID string            `json:"provider_transaction_id,omitempty"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	AttemptedProviders    []string          `json:"attempted_providers,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessedAt           *time.Time        `json:"processed_at,omitempty"`
}
