package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/settler/internal/domain"
)

const transactionColumns = `id, customer_id, destination, category,
	source_amount, source_currency, settled_amount, settled_currency,
	exchange_rate, status, provider, provider_transaction_id, failure_reason,
	attempted_providers, created_at, processed_at`

type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

func (r *TransactionRepo) Insert(ctx context.Context, t *domain.Transaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CustomerID, t.Destination, string(t.Category),
		t.SourceAmount.String(), t.SourceCurrency,
		t.SettledAmount.String(), t.SettledCurrency,
		t.ExchangeRate.String(), string(t.Status),
		t.Provider, t.ProviderTransactionID, t.FailureReason,
		strings.Join(t.AttemptedProviders, ","),
		formatTime(t.CreatedAt), formatNullableTime(t.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID returns nil, nil when no transaction exists for the ID.
func (r *TransactionRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// MarkSuccess finalizes a PROCESSING transaction. Terminal rows are immutable,
// hence the status guard in the WHERE clause.
func (r *TransactionRepo) MarkSuccess(ctx context.Context, id, provider, providerTxnID string, attempted []string, processedAt time.Time) error {
	return r.finalize(ctx, id, domain.StatusSuccess,
		provider, providerTxnID, "", attempted, processedAt)
}

func (r *TransactionRepo) MarkFailed(ctx context.Context, id, reason string, attempted []string, processedAt time.Time) error {
	return r.finalize(ctx, id, domain.StatusFailed, "", "", reason, attempted, processedAt)
}

func (r *TransactionRepo) finalize(ctx context.Context, id string, status domain.TransactionStatus, provider, providerTxnID, reason string, attempted []string, processedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions
		 SET status = ?, provider = ?, provider_transaction_id = ?,
		     failure_reason = ?, attempted_providers = ?, processed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), provider, providerTxnID, reason,
		strings.Join(attempted, ","), formatTime(processedAt),
		id, string(domain.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("finalize transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s not in PROCESSING state", id)
	}
	return nil
}

// RecordAttempts stores the attempt trail for a transaction that stays in
// PROCESSING (ambiguous outcome pending reconciliation).
func (r *TransactionRepo) RecordAttempts(ctx context.Context, id string, attempted []string, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET attempted_providers = ?, failure_reason = ?
		 WHERE id = ? AND status = ?`,
		strings.Join(attempted, ","), reason, id, string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("record attempts: %w", err)
	}
	return nil
}

// SumSettledSince totals the settled amounts of SUCCESS transactions for a
// customer processed at or after the cutoff. Used for the daily-limit check.
func (r *TransactionRepo) SumSettledSince(ctx context.Context, customerID string, cutoff time.Time) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT settled_amount FROM transactions
		 WHERE customer_id = ? AND status = ? AND processed_at >= ?`,
		customerID, string(domain.StatusSuccess), formatTime(cutoff))
	if err != nil {
		return decimal.Zero, fmt.Errorf("query settled: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, fmt.Errorf("scan: %w", err)
		}
		amount, err := parseAmount(s)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// ListStuckProcessing returns transactions left in PROCESSING before the
// cutoff, oldest first. These are the candidates for the reconciliation sweep.
func (r *TransactionRepo) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at`,
		string(domain.StatusProcessing), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

type TransactionFilter struct {
	CustomerID string
	Status     string
	Provider   string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

func (r *TransactionRepo) List(ctx context.Context, f TransactionFilter) ([]domain.Transaction, int, error) {
	where, args := buildTransactionWhere(f)

	var total int
	countSQL := "SELECT COUNT(*) FROM transactions" + where
	if err := r.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	querySQL := `SELECT ` + transactionColumns + ` FROM transactions` + where +
		" ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	txns, err := collectTransactions(rows)
	return txns, total, err
}

// --- helpers ---

func buildTransactionWhere(f TransactionFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func scanTransaction(scan func(...any) error) (*domain.Transaction, error) {
	var t domain.Transaction
	var category, status, createdAt string
	var sourceAmount, settledAmount, rate string
	var provider, providerTxnID, reason, attempted, processedAt sql.NullString

	err := scan(
		&t.ID, &t.CustomerID, &t.Destination, &category,
		&sourceAmount, &t.SourceCurrency, &settledAmount, &t.SettledCurrency,
		&rate, &status, &provider, &providerTxnID, &reason,
		&attempted, &createdAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Category = domain.Category(category)
	t.Status = domain.TransactionStatus(status)
	if t.SourceAmount, err = parseAmount(sourceAmount); err != nil {
		return nil, err
	}
	if t.SettledAmount, err = parseAmount(settledAmount); err != nil {
		return nil, err
	}
	if t.ExchangeRate, err = parseAmount(rate); err != nil {
		return nil, err
	}
	t.Provider = provider.String
	t.ProviderTransactionID = providerTxnID.String
	t.FailureReason = reason.String
	if attempted.String != "" {
		t.AttemptedProviders = strings.Split(attempted.String, ",")
	}
	t.CreatedAt = parseTimestamp(createdAt)
	if processedAt.Valid {
		t.ProcessedAt = parseNullableTime(&processedAt.String)
	}

	return &t, nil
}
