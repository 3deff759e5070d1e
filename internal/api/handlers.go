package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/domain"
	"github.com/wakala/settler/internal/ledger"
	"github.com/wakala/settler/internal/provider"
	"github.com/wakala/settler/internal/repository"
	"github.com/wakala/settler/internal/settlement"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	engine      *settlement.Engine
	ledger      *ledger.Service
	registry    *provider.Registry
	txnRepo     *repository.TransactionRepo
	custRepo    *repository.CustomerRepo
	billingRepo *repository.BillingRepo
	log         *zap.SugaredLogger
}

// --- helpers ---

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Errorw("encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "settler"})
}

// --- Settle ---

type settleBody struct {
	settlement.Request
	// Optional per-request deadline in seconds; the engine also honors the
	// connection's own deadline via the request context.
	DeadlineSeconds int `json:"deadline_seconds"`
}

func (h *Handlers) Settle(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	ctx := r.Context()
	if body.DeadlineSeconds > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, time.Duration(body.DeadlineSeconds)*time.Second)
		defer cancel()
	}

	result, err := h.engine.Settle(ctx, body.Request)
	if err != nil {
		h.writeError(w, statusForError(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrDailyLimitExceeded),
		errors.Is(err, domain.ErrCustomerInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNoProviderAvailable),
		errors.Is(err, domain.ErrRateUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- Transactions ---

func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TransactionFilter{
		CustomerID: q.Get("customer"),
		Status:     q.Get("status"),
		Provider:   q.Get("provider"),
		From:       parseTime(q.Get("from")),
		To:         parseTime(q.Get("to")),
		Page:       parseIntDefault(q.Get("page"), 1),
		Limit:      parseIntDefault(q.Get("limit"), 50),
	}

	txns, total, err := h.txnRepo.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txns,
		"total":        total,
		"page":         filter.Page,
		"limit":        filter.Limit,
	})
}

func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	txn, err := h.txnRepo.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if txn == nil {
		h.writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// --- Customers ---

func (h *Handlers) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	customer, err := h.custRepo.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "customer not found")
		return
	}

	records, err := h.billingRepo.ListByCustomer(r.Context(), id, parseIntDefault(r.URL.Query().Get("limit"), 20))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"customer":        customer,
		"billing_records": records,
	})
}

type creditBody struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (h *Handlers) CreditCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body creditBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if body.Reference == "" {
		body.Reference = "manual-credit"
	}

	rec, err := h.ledger.Credit(r.Context(), id, body.Reference, body.Amount)
	if err != nil {
		h.writeError(w, statusForError(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// --- Providers ---

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"providers": h.registry.Snapshot(),
	})
}
