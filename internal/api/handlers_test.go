package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/currency"
	"github.com/wakala/settler/internal/domain"
	"github.com/wakala/settler/internal/ledger"
	"github.com/wakala/settler/internal/notify"
	"github.com/wakala/settler/internal/provider"
	"github.com/wakala/settler/internal/repository"
	"github.com/wakala/settler/internal/settlement"
)

type okAdapter struct{}

func (okAdapter) Name() string { return "alpha" }
func (okAdapter) Ready() bool  { return true }

func (okAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Categories: []domain.Category{domain.CategoryTopup},
		Countries:  []string{"KE"},
		Currencies: []string{"USD"},
	}
}

func (okAdapter) Topup(ctx context.Context, req provider.TopupRequest) (provider.TopupResult, error) {
	return provider.TopupResult{Success: true, ProviderTransactionID: "alpha-ref"}, nil
}

func (okAdapter) CheckBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, domain.ErrNotSupported
}

func (okAdapter) TransactionStatus(ctx context.Context, reference string) (provider.StatusResult, error) {
	return provider.StatusResult{Status: provider.RemoteUnknown}, nil
}

func (okAdapter) LookupDestination(ctx context.Context, destination string) (string, error) {
	return "", domain.ErrNotSupported
}

type identityRate struct{}

func (identityRate) Fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func newTestServer(t *testing.T) (http.Handler, *sql.DB) {
	t.Helper()
	log := zap.NewNop().Sugar()

	db, err := repository.InitDB(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledgerSvc := ledger.NewService(db, log)
	registry := provider.NewRegistry(log)
	registry.Register(okAdapter{}, decimal.Zero)
	registry.SetPriority(domain.CategoryTopup, "KE", "alpha")

	converter := currency.NewConverter(identityRate{}, time.Minute, time.Second, log)
	txnRepo := repository.NewTransactionRepo(db)
	resRepo := repository.NewReservationRepo(db)
	custRepo := repository.NewCustomerRepo(db)
	billingRepo := repository.NewBillingRepo(db)

	engine := settlement.NewEngine(ledgerSvc, converter, registry,
		txnRepo, resRepo, notify.NopNotifier{}, time.Second, log)

	router := NewRouter(engine, ledgerSvc, registry, txnRepo, custRepo, billingRepo, log)

	require.NoError(t, custRepo.Insert(context.Background(), &domain.Customer{
		ID:        "cust-1",
		Name:      "API Test Customer",
		APIKey:    "key-1",
		Balance:   decimal.RequireFromString("100.00"),
		Active:    true,
		CreatedAt: time.Now(),
	}))

	return router, db
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "settler")
}

func TestSettleEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/settlements", map[string]any{
		"customer_id":         "cust-1",
		"destination":         "254700000001",
		"destination_country": "KE",
		"source_amount":       "25.00",
		"source_currency":     "USD",
		"transaction_id":      "txn-api-1",
		"allow_failover":      true,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var result settlement.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Equal(t, domain.StatusSuccess, result.Status)
	require.Equal(t, "alpha", result.Provider)
	require.True(t, result.SettledAmount.Equal(decimal.RequireFromString("25.00")))

	// The record is observable through the read API.
	rr = doJSON(t, router, http.MethodGet, "/api/v1/transactions/txn-api-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var txn domain.Transaction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &txn))
	require.Equal(t, domain.StatusSuccess, txn.Status)
}

func TestSettleEndpointInsufficientBalance(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/settlements", map[string]any{
		"customer_id":         "cust-1",
		"destination":         "254700000001",
		"destination_country": "KE",
		"source_amount":       "5000.00",
		"source_currency":     "USD",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), "error")
}

func TestSettleEndpointValidation(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/settlements", map[string]any{
		"customer_id":     "cust-1",
		"source_amount":   "10.00",
		"source_currency": "USD",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSettleEndpointNoRoute(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/settlements", map[string]any{
		"customer_id":         "cust-1",
		"destination":         "2348000000001",
		"destination_country": "NG",
		"source_amount":       "10.00",
		"source_currency":     "USD",
	})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTransactionNotFound(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/transactions/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListTransactionsFilter(t *testing.T) {
	router, _ := newTestServer(t)

	for _, id := range []string{"txn-1", "txn-2"} {
		rr := doJSON(t, router, http.MethodPost, "/api/v1/settlements", map[string]any{
			"customer_id":         "cust-1",
			"destination":         "254700000001",
			"destination_country": "KE",
			"source_amount":       "10.00",
			"source_currency":     "USD",
			"transaction_id":      id,
		})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := doJSON(t, router, http.MethodGet, "/api/v1/transactions?customer=cust-1&status=SUCCESS", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Transactions []domain.Transaction `json:"transactions"`
		Total        int                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	require.Len(t, body.Transactions, 2)
}

func TestGetCustomerWithBillingHistory(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/settlements", map[string]any{
		"customer_id":         "cust-1",
		"destination":         "254700000001",
		"destination_country": "KE",
		"source_amount":       "10.00",
		"source_currency":     "USD",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/customers/cust-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Customer       domain.Customer        `json:"customer"`
		BillingRecords []domain.BillingRecord `json:"billing_records"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.Customer.Balance.Equal(decimal.RequireFromString("90.00")))
	require.Len(t, body.BillingRecords, 1)
}

func TestCreditCustomerEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/customers/cust-1/credits", map[string]any{
		"amount":    "50.00",
		"reference": "wire-77",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var rec domain.BillingRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, domain.BillingCredit, rec.Type)
	require.True(t, rec.BalanceAfter.Equal(decimal.RequireFromString("150.00")))
}

func TestListProvidersEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "alpha")
}
