package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wakala/settler/internal/domain"
	"github.com/wakala/settler/internal/ledger"
	"github.com/wakala/settler/internal/notify"
	"github.com/wakala/settler/internal/provider"
	"github.com/wakala/settler/internal/repository"
)

// ReconcileResult summarises one watchdog sweep.
type ReconcileResult struct {
	Examined  int `json:"examined"`
	Committed int `json:"committed"`
	Released  int `json:"released"`
	Deferred  int `json:"deferred"`
}

// Reconciler resolves transactions left in PROCESSING: crash mid-call, or an
// ambiguous provider timeout. It asks the attempted vendors what actually
// happened before deciding SUCCESS or FAILED; a transaction is never left
// ambiguous past the expiry window.
type Reconciler struct {
	txns         *repository.TransactionRepo
	reservations *repository.ReservationRepo
	ledger       *ledger.Service
	registry     *provider.Registry
	notifier     notify.Notifier
	log          *zap.SugaredLogger

	// Sweep picks up PROCESSING rows older than after; rows still
	// unresolved past expiry are failed and released.
	after  time.Duration
	expiry time.Duration
}

func NewReconciler(
	txns *repository.TransactionRepo,
	reservations *repository.ReservationRepo,
	ledgerSvc *ledger.Service,
	registry *provider.Registry,
	notifier notify.Notifier,
	after, expiry time.Duration,
	log *zap.SugaredLogger,
) *Reconciler {
	return &Reconciler{
		txns:         txns,
		reservations: reservations,
		ledger:       ledgerSvc,
		registry:     registry,
		notifier:     notifier,
		after:        after,
		expiry:       expiry,
		log:          log,
	}
}

// Run sweeps on a ticker until the context is canceled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Errorw("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep examines stuck PROCESSING transactions and resolves what it can.
func (r *Reconciler) Sweep(ctx context.Context) (*ReconcileResult, error) {
	cutoff := time.Now().Add(-r.after)
	stuck, err := r.txns.ListStuckProcessing(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}

	result := &ReconcileResult{Examined: len(stuck)}
	for i := range stuck {
		txn := &stuck[i]
		switch outcome, err := r.resolve(ctx, txn); {
		case err != nil:
			r.log.Warnw("could not resolve transaction", "transaction", txn.ID, "error", err)
			result.Deferred++
		case outcome == domain.StatusSuccess:
			result.Committed++
		case outcome == domain.StatusFailed:
			result.Released++
		default:
			result.Deferred++
		}
	}

	if result.Examined > 0 {
		r.log.Infow("reconciliation sweep",
			"examined", result.Examined, "committed", result.Committed,
			"released", result.Released, "deferred", result.Deferred)
	}
	return result, nil
}

// resolve queries the attempted providers for the transaction's fate. An
// empty status means the row stays PROCESSING for a later sweep.
func (r *Reconciler) resolve(ctx context.Context, txn *domain.Transaction) (domain.TransactionStatus, error) {
	reservation, err := r.reservations.GetByTransaction(ctx, txn.ID)
	if err != nil {
		return "", fmt.Errorf("load reservation: %w", err)
	}
	if reservation == nil {
		return "", fmt.Errorf("no reservation for transaction %s", txn.ID)
	}

	// Providers are checked in attempt order; the first confirmed success
	// wins. Later attempts can only have run if earlier ones did not
	// succeed, but a timed-out earlier attempt may still have fulfilled.
	names := txn.AttemptedProviders
	if len(names) == 0 {
		// Crash before the attempt trail was recorded: ask every registered
		// vendor whether it saw the reference.
		for _, info := range r.registry.Snapshot() {
			names = append(names, info.Name)
		}
	}
	allFailed := len(names) > 0

	for _, name := range names {
		adapter := r.registry.Get(name)
		if adapter == nil {
			allFailed = false
			continue
		}

		st, err := adapter.TransactionStatus(ctx, txn.ID)
		if err != nil {
			allFailed = false
			r.log.Warnw("status lookup failed", "transaction", txn.ID,
				"provider", name, "error", err)
			continue
		}

		switch st.Status {
		case provider.RemoteSucceeded:
			return r.settleAsSuccess(ctx, txn, reservation, name, st)
		case provider.RemoteUnknown:
			allFailed = false
		}
	}

	if allFailed {
		return r.settleAsFailed(ctx, txn, reservation,
			"reconciled: all attempted providers report failure")
	}

	if time.Since(txn.CreatedAt) > r.expiry {
		return r.settleAsFailed(ctx, txn, reservation,
			"unresolved after reconciliation window")
	}

	return "", nil
}

func (r *Reconciler) settleAsSuccess(ctx context.Context, txn *domain.Transaction, reservation *domain.Reservation, providerName string, st provider.StatusResult) (domain.TransactionStatus, error) {
	if _, err := r.ledger.Commit(ctx, reservation.ID); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if err := r.txns.MarkSuccess(ctx, txn.ID, providerName, st.ProviderTransactionID, txn.AttemptedProviders, time.Now()); err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}
	r.registry.RecordUsage(providerName, txn.SettledAmount)

	r.log.Infow("reconciled as success", "transaction", txn.ID, "provider", providerName)
	r.notifier.Notify(notify.Event{
		TransactionID: txn.ID,
		Status:        string(domain.StatusSuccess),
		Provider:      providerName,
	})
	return domain.StatusSuccess, nil
}

func (r *Reconciler) settleAsFailed(ctx context.Context, txn *domain.Transaction, reservation *domain.Reservation, reason string) (domain.TransactionStatus, error) {
	if reservation.Status == domain.ReservationHeld {
		if err := r.ledger.Release(ctx, reservation.ID); err != nil {
			return "", fmt.Errorf("release: %w", err)
		}
	}
	if err := r.txns.MarkFailed(ctx, txn.ID, reason, txn.AttemptedProviders, time.Now()); err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}

	r.log.Infow("reconciled as failed", "transaction", txn.ID, "reason", reason)
	r.notifier.Notify(notify.Event{
		TransactionID: txn.ID,
		Status:        string(domain.StatusFailed),
		FailureReason: reason,
	})
	return domain.StatusFailed, nil
}
