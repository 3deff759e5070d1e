package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/domain"
	"github.com/wakala/settler/internal/notify"
	"github.com/wakala/settler/internal/provider"
)

func newReconciler(env *testEnv, after, expiry time.Duration) *Reconciler {
	return NewReconciler(env.txns, env.reservations, env.ledger, env.registry,
		notify.NopNotifier{}, after, expiry, zap.NewNop().Sugar())
}

// settleAmbiguous drives a settlement into the stuck PROCESSING state via a
// provider that never answers in time.
func settleAmbiguous(t *testing.T, env *testEnv, txnID string) {
	t.Helper()
	res, err := env.engine.Settle(context.Background(), baseRequest(txnID))
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, res.Status)

	txn, err := env.txns.GetByID(context.Background(), txnID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, txn.Status)
}

func hangingAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name: name, countries: []string{"KE"},
		topupFn: func(ctx context.Context, req provider.TopupRequest) (provider.TopupResult, error) {
			<-ctx.Done()
			return provider.TopupResult{}, ctx.Err()
		},
	}
}

func TestSweepCommitsVendorConfirmedSuccess(t *testing.T) {
	alpha := hangingAdapter("alpha")
	alpha.statusFn = func(ctx context.Context, reference string) (provider.StatusResult, error) {
		return provider.StatusResult{
			Status:                provider.RemoteSucceeded,
			ProviderTransactionID: "alpha-late-ref",
		}, nil
	}
	env := newTestEnv(t, alpha)
	env.addCustomer(t, "cust-1", "100.00")
	ctx := context.Background()

	settleAmbiguous(t, env, "txn-1")

	rec := newReconciler(env, 0, time.Hour)
	result, err := rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Examined)
	require.Equal(t, 1, result.Committed)

	// The vendor fulfilled after our deadline, so the customer is charged.
	txn, err := env.txns.GetByID(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, txn.Status)
	require.Equal(t, "alpha", txn.Provider)
	require.Equal(t, "alpha-late-ref", txn.ProviderTransactionID)

	reservation, err := env.reservations.GetByTransaction(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCommitted, reservation.Status)
	require.True(t, env.balance(t, "cust-1").Equal(decimal.RequireFromString("97.50")))
}

func TestSweepReleasesWhenAllProvidersReportFailure(t *testing.T) {
	alpha := hangingAdapter("alpha")
	alpha.statusFn = func(ctx context.Context, reference string) (provider.StatusResult, error) {
		return provider.StatusResult{Status: provider.RemoteFailed, Message: "not found at vendor"}, nil
	}
	env := newTestEnv(t, alpha)
	env.addCustomer(t, "cust-1", "100.00")
	ctx := context.Background()

	settleAmbiguous(t, env, "txn-1")

	rec := newReconciler(env, 0, time.Hour)
	result, err := rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Released)

	txn, err := env.txns.GetByID(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, txn.Status)
	require.Contains(t, txn.FailureReason, "report failure")

	reservation, err := env.reservations.GetByTransaction(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationReleased, reservation.Status)
	require.True(t, env.balance(t, "cust-1").Equal(decimal.RequireFromString("100.00")))
}

func TestSweepDefersUnknownThenFailsAfterExpiry(t *testing.T) {
	alpha := hangingAdapter("alpha")
	alpha.statusFn = func(ctx context.Context, reference string) (provider.StatusResult, error) {
		return provider.StatusResult{Status: provider.RemoteUnknown}, nil
	}
	env := newTestEnv(t, alpha)
	env.addCustomer(t, "cust-1", "100.00")
	ctx := context.Background()

	settleAmbiguous(t, env, "txn-1")

	// Inside the expiry window an unknown vendor answer defers the decision.
	rec := newReconciler(env, 0, time.Hour)
	result, err := rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Deferred)

	txn, err := env.txns.GetByID(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, txn.Status)

	// Past the window the ambiguity is forced closed as FAILED.
	rec = newReconciler(env, 0, 0)
	result, err = rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Released)

	txn, err = env.txns.GetByID(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, txn.Status)
	require.Contains(t, txn.FailureReason, "unresolved")

	reservation, err := env.reservations.GetByTransaction(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationReleased, reservation.Status)
}

func TestSweepDefersOnStatusLookupError(t *testing.T) {
	alpha := hangingAdapter("alpha")
	alpha.statusFn = func(ctx context.Context, reference string) (provider.StatusResult, error) {
		return provider.StatusResult{}, errors.New("vendor unreachable")
	}
	env := newTestEnv(t, alpha)
	env.addCustomer(t, "cust-1", "100.00")
	ctx := context.Background()

	settleAmbiguous(t, env, "txn-1")

	rec := newReconciler(env, 0, time.Hour)
	result, err := rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Deferred)

	reservation, err := env.reservations.GetByTransaction(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationHeld, reservation.Status)
}

func TestSweepIgnoresFreshProcessingRows(t *testing.T) {
	alpha := hangingAdapter("alpha")
	env := newTestEnv(t, alpha)
	env.addCustomer(t, "cust-1", "100.00")

	settleAmbiguous(t, env, "txn-1")

	// The row is seconds old; with a 10 minute grace period it is untouched.
	rec := newReconciler(env, 10*time.Minute, time.Hour)
	result, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.Examined)
}

func TestSweepResolvesCrashRecoveryRow(t *testing.T) {
	// A row inserted before any attempt was recorded (process crash between
	// the durable write and the vendor call) still gets resolved: every
	// registered vendor is asked about the reference.
	alpha := &fakeAdapter{name: "alpha", countries: []string{"KE"}}
	alpha.statusFn = func(ctx context.Context, reference string) (provider.StatusResult, error) {
		return provider.StatusResult{Status: provider.RemoteFailed, Message: "not found at vendor"}, nil
	}
	env := newTestEnv(t, alpha)
	env.addCustomer(t, "cust-1", "100.00")
	ctx := context.Background()

	reservation, err := env.ledger.Reserve(ctx, "cust-1", "txn-crash", decimal.RequireFromString("2.50"))
	require.NoError(t, err)
	require.NoError(t, env.txns.Insert(ctx, &domain.Transaction{
		ID:              "txn-crash",
		CustomerID:      "cust-1",
		Destination:     "254700000001",
		Category:        domain.CategoryTopup,
		SourceAmount:    decimal.RequireFromString("50"),
		SourceCurrency:  "MXN",
		SettledAmount:   decimal.RequireFromString("2.50"),
		SettledCurrency: "USD",
		ExchangeRate:    decimal.RequireFromString("0.05"),
		Status:          domain.StatusProcessing,
		CreatedAt:       time.Now().Add(-time.Minute),
	}))

	rec := newReconciler(env, 0, time.Hour)
	result, err := rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Released)

	got, err := env.reservations.GetByID(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationReleased, got.Status)
}
