package domain

import "errors"

// Settlement error taxonomy. Reservation-stage errors mean no provider was
// contacted and nothing was persisted; callers can branch on these with
// errors.Is.
var (
	ErrValidation          = errors.New("invalid request")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDailyLimitExceeded  = errors.New("daily limit exceeded")
	ErrCustomerInactive    = errors.New("customer inactive")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrRateUnavailable     = errors.New("exchange rate unavailable")

	// ErrLedgerInconsistency means the stored balance disagrees with the
	// billing trail. Fatal: halt and alert, never repair silently.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")

	// ErrNotSupported is returned by adapters for best-effort operations the
	// vendor does not offer.
	ErrNotSupported = errors.New("not supported by provider")
)
