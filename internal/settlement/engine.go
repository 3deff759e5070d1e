package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/currency"
	"github.com/wakala/settler/internal/domain"
	"github.com/wakala/settler/internal/ledger"
	"github.com/wakala/settler/internal/notify"
	"github.com/wakala/settler/internal/provider"
	"github.com/wakala/settler/internal/repository"
)

// SettlementCurrency is the currency customers are billed in.
const SettlementCurrency = "USD"

// Request is one inbound settlement request. TransactionID doubles as the
// idempotency key; when empty one is generated. Deadlines travel on the
// context.
type Request struct {
	CustomerID         string          `json:"customer_id"`
	Destination        string          `json:"destination"`
	DestinationCountry string          `json:"destination_country"`
	Category           domain.Category `json:"category"`
	SourceAmount       decimal.Decimal `json:"source_amount"`
	SourceCurrency     string          `json:"source_currency"`
	TransactionID      string          `json:"transaction_id"`
	PreferredProvider  string          `json:"preferred_provider"`
	AllowFailover      bool            `json:"allow_failover"`
}

// Result is the caller-visible settlement outcome.
type Result struct {
	TransactionID         string                   `json:"transaction_id"`
	Status                domain.TransactionStatus `json:"status"`
	Provider              string                   `json:"provider,omitempty"`
	ProviderTransactionID string                   `json:"provider_transaction_id,omitempty"`
	SettledAmount         decimal.Decimal          `json:"settled_amount"`
	ExchangeRate          decimal.Decimal          `json:"exchange_rate"`
	StaleRate             bool                     `json:"stale_rate,omitempty"`
	FailureReason         string                   `json:"failure_reason,omitempty"`
}

// Engine drives a settlement through PENDING -> RESERVED -> PROCESSING ->
// SUCCESS/FAILED. The PROCESSING record is durable before any provider is
// contacted, and no provider call ever runs under a ledger lock or an open
// database transaction.
type Engine struct {
	ledger         *ledger.Service
	converter      *currency.Converter
	registry       *provider.Registry
	txns           *repository.TransactionRepo
	reservations   *repository.ReservationRepo
	notifier       notify.Notifier
	attemptTimeout time.Duration
	log            *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewEngine(
	ledgerSvc *ledger.Service,
	converter *currency.Converter,
	registry *provider.Registry,
	txns *repository.TransactionRepo,
	reservations *repository.ReservationRepo,
	notifier notify.Notifier,
	attemptTimeout time.Duration,
	log *zap.SugaredLogger,
) *Engine {
	return &Engine{
		ledger:         ledgerSvc,
		converter:      converter,
		registry:       registry,
		txns:           txns,
		reservations:   reservations,
		notifier:       notifier,
		attemptTimeout: attemptTimeout,
		inflight:       make(map[string]chan struct{}),
		log:            log,
	}
}

// Settle processes one fulfillment request. Submitting the same transaction
// ID again, sequentially or concurrently, returns the original outcome and
// never re-debits: the provider call is not idempotent, so this re-entry
// check carries the whole correctness story.
func (e *Engine) Settle(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	release, err := e.acquire(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.txns.GetByID(ctx, req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}
	if existing != nil {
		e.log.Infow("duplicate settlement request, returning existing record",
			"transaction", req.TransactionID, "status", existing.Status)
		return resultFrom(existing), nil
	}

	quote, err := e.converter.Rate(ctx, req.SourceCurrency, SettlementCurrency)
	if err != nil {
		return nil, err
	}
	settled := req.SourceAmount.Mul(quote.Rate).Round(2)

	reservation, err := e.ledger.Reserve(ctx, req.CustomerID, req.TransactionID, settled)
	if err != nil {
		// Reservation-stage failure: no provider contacted, nothing persisted.
		return nil, err
	}

	candidates, err := e.registry.SelectCandidates(
		req.Category, req.DestinationCountry, req.PreferredProvider, req.AllowFailover)
	if err != nil {
		if relErr := e.ledger.Release(ctx, reservation.ID); relErr != nil {
			e.log.Errorw("release after routing failure", "transaction", req.TransactionID, "error", relErr)
		}
		return nil, err
	}

	// Durable PROCESSING record before any external call, so a crash
	// mid-call leaves an auditable row for the reconciliation sweep.
	txn := &domain.Transaction{
		ID:              req.TransactionID,
		CustomerID:      req.CustomerID,
		Destination:     req.Destination,
		Category:        req.Category,
		SourceAmount:    req.SourceAmount,
		SourceCurrency:  req.SourceCurrency,
		SettledAmount:   settled,
		SettledCurrency: SettlementCurrency,
		ExchangeRate:    quote.Rate,
		Status:          domain.StatusProcessing,
		CreatedAt:       time.Now(),
	}
	if err := e.txns.Insert(ctx, txn); err != nil {
		if relErr := e.ledger.Release(ctx, reservation.ID); relErr != nil {
			e.log.Errorw("release after insert failure", "transaction", req.TransactionID, "error", relErr)
		}
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	return e.attemptCandidates(ctx, req, txn, reservation, candidates, quote.Stale)
}

// attemptCandidates walks the failover list. Each attempt is bounded by its
// own timeout and runs outside every lock.
func (e *Engine) attemptCandidates(ctx context.Context, req Request, txn *domain.Transaction, reservation *domain.Reservation, candidates []provider.Adapter, staleRate bool) (*Result, error) {
	var attempted []string
	var lastMsg string
	var lastProvider string
	sawTimeout := false
	deadlineExpired := false

	for _, adapter := range candidates {
		if ctx.Err() != nil {
			deadlineExpired = true
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		res, err := adapter.Topup(attemptCtx, provider.TopupRequest{
			Reference:   txn.ID,
			Destination: req.Destination,
			Amount:      txn.SettledAmount,
			Currency:    SettlementCurrency,
			Category:    req.Category,
		})
		cancel()

		attempted = append(attempted, adapter.Name())
		lastProvider = adapter.Name()

		switch {
		case err == nil && res.Success:
			return e.finishSuccess(txn, reservation, adapter.Name(), res, attempted, staleRate)

		case err == nil:
			lastMsg = res.Message
			e.log.Warnw("provider declined", "transaction", txn.ID,
				"provider", adapter.Name(), "message", res.Message,
				"response_ms", res.ResponseTime.Milliseconds())

		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			// Ambiguous: the vendor may have fulfilled after we gave up.
			sawTimeout = true
			lastMsg = "timeout"
			e.log.Warnw("provider attempt timed out", "transaction", txn.ID,
				"provider", adapter.Name())
			if ctx.Err() != nil {
				deadlineExpired = true
			}

		default:
			lastMsg = err.Error()
			e.log.Errorw("provider attempt errored", "transaction", txn.ID,
				"provider", adapter.Name(), "error", err)
		}

		if !req.AllowFailover || deadlineExpired {
			break
		}
	}

	if sawTimeout {
		return e.finishAmbiguous(txn, attempted, staleRate)
	}
	return e.finishFailed(txn, reservation, lastProvider, lastMsg, attempted, staleRate, deadlineExpired)
}

// finishSuccess commits the reservation and finalizes the record. The commit
// runs on a fresh context: the vendor has already moved money, so a caller
// deadline expiring here must not abort the debit.
func (e *Engine) finishSuccess(txn *domain.Transaction, reservation *domain.Reservation, providerName string, res provider.TopupResult, attempted []string, staleRate bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.ledger.Commit(ctx, reservation.ID); err != nil {
		// Reservation stays held and the row stays PROCESSING; the sweep
		// will re-drive the commit from the provider's recorded state.
		e.log.Errorw("commit failed after provider success", "transaction", txn.ID, "error", err)
		if recErr := e.txns.RecordAttempts(ctx, txn.ID, attempted, "commit pending"); recErr != nil {
			e.log.Errorw("record attempts", "transaction", txn.ID, "error", recErr)
		}
		return nil, fmt.Errorf("commit reservation: %w", err)
	}

	now := time.Now()
	if err := e.txns.MarkSuccess(ctx, txn.ID, providerName, res.ProviderTransactionID, attempted, now); err != nil {
		return nil, fmt.Errorf("finalize transaction: %w", err)
	}
	e.registry.RecordUsage(providerName, txn.SettledAmount)

	e.log.Infow("settlement succeeded", "transaction", txn.ID,
		"provider", providerName, "provider_ref", res.ProviderTransactionID,
		"settled", txn.SettledAmount, "attempts", len(attempted))

	e.notifier.Notify(notify.Event{
		TransactionID: txn.ID,
		Status:        string(domain.StatusSuccess),
		Provider:      providerName,
	})

	return &Result{
		TransactionID:         txn.ID,
		Status:                domain.StatusSuccess,
		Provider:              providerName,
		ProviderTransactionID: res.ProviderTransactionID,
		SettledAmount:         txn.SettledAmount,
		ExchangeRate:          txn.ExchangeRate,
		StaleRate:             staleRate,
	}, nil
}

// finishAmbiguous handles a sequence that ended with at least one timed-out
// attempt. The caller gets a definitive FAILED, but the row stays PROCESSING
// and the reservation stays held until the reconciliation sweep resolves what
// the vendor actually did. The reservation is not chargeable again: retries
// hit the existing row.
func (e *Engine) finishAmbiguous(txn *domain.Transaction, attempted []string, staleRate bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.txns.RecordAttempts(ctx, txn.ID, attempted, "timeout"); err != nil {
		e.log.Errorw("record attempts", "transaction", txn.ID, "error", err)
	}

	e.log.Warnw("settlement ambiguous, pending reconciliation", "transaction", txn.ID,
		"attempted", strings.Join(attempted, ","))

	return &Result{
		TransactionID: txn.ID,
		Status:        domain.StatusFailed,
		SettledAmount: txn.SettledAmount,
		ExchangeRate:  txn.ExchangeRate,
		StaleRate:     staleRate,
		FailureReason: "timeout",
	}, nil
}

func (e *Engine) finishFailed(txn *domain.Transaction, reservation *domain.Reservation, lastProvider, lastMsg string, attempted []string, staleRate, deadlineExpired bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.ledger.Release(ctx, reservation.ID); err != nil {
		e.log.Errorw("release reservation", "transaction", txn.ID, "error", err)
	}

	reason := "no provider attempted"
	switch {
	case deadlineExpired && lastProvider == "":
		reason = "timeout"
	case lastProvider != "":
		reason = fmt.Sprintf("%s: %s (attempted: %s)",
			lastProvider, lastMsg, strings.Join(attempted, ", "))
	}

	now := time.Now()
	if err := e.txns.MarkFailed(ctx, txn.ID, reason, attempted, now); err != nil {
		return nil, fmt.Errorf("finalize transaction: %w", err)
	}

	e.log.Infow("settlement failed", "transaction", txn.ID, "reason", reason)

	e.notifier.Notify(notify.Event{
		TransactionID: txn.ID,
		Status:        string(domain.StatusFailed),
		Provider:      lastProvider,
		FailureReason: reason,
	})

	return &Result{
		TransactionID: txn.ID,
		Status:        domain.StatusFailed,
		SettledAmount: txn.SettledAmount,
		ExchangeRate:  txn.ExchangeRate,
		StaleRate:     staleRate,
		FailureReason: reason,
	}, nil
}

// acquire serializes concurrent submissions of the same transaction ID so
// exactly one attempt sequence runs; the losers wait and then read the
// winner's record.
func (e *Engine) acquire(ctx context.Context, transactionID string) (func(), error) {
	for {
		e.mu.Lock()
		ch, busy := e.inflight[transactionID]
		if !busy {
			done := make(chan struct{})
			e.inflight[transactionID] = done
			e.mu.Unlock()
			return func() {
				e.mu.Lock()
				delete(e.inflight, transactionID)
				e.mu.Unlock()
				close(done)
			}, nil
		}
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func validate(req *Request) error {
	switch {
	case req.CustomerID == "":
		return fmt.Errorf("%w: customer_id is required", domain.ErrValidation)
	case req.Destination == "":
		return fmt.Errorf("%w: destination is required", domain.ErrValidation)
	case req.DestinationCountry == "":
		return fmt.Errorf("%w: destination_country is required", domain.ErrValidation)
	case len(req.SourceCurrency) != 3:
		return fmt.Errorf("%w: source_currency must be a 3-letter code", domain.ErrValidation)
	case req.SourceAmount.Sign() <= 0:
		return fmt.Errorf("%w: source_amount must be positive", domain.ErrValidation)
	}

	if req.Category == "" {
		req.Category = domain.CategoryTopup
	}
	switch req.Category {
	case domain.CategoryTopup, domain.CategoryBillPayment, domain.CategoryVoucher:
	default:
		return fmt.Errorf("%w: unknown category %q", domain.ErrValidation, req.Category)
	}

	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	return nil
}

func resultFrom(t *domain.Transaction) *Result {
	return &Result{
		TransactionID:         t.ID,
		Status:                t.Status,
		Provider:              t.Provider,
		ProviderTransactionID: t.ProviderTransactionID,
		SettledAmount:         t.SettledAmount,
		ExchangeRate:          t.ExchangeRate,
		FailureReason:         t.FailureReason,
	}
}
