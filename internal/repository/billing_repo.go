package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wakala/settler/internal/domain"
)

const billingColumns = `id, customer_id, transaction_id, type, amount,
	balance_before, balance_after, created_at`

type BillingRepo struct {
	db *sql.DB
}

func NewBillingRepo(db *sql.DB) *BillingRepo {
	return &BillingRepo{db: db}
}

// GetByTransaction returns the billing record of the given type for a
// transaction, or nil, nil when none exists.
func (r *BillingRepo) GetByTransaction(ctx context.Context, transactionID string, typ domain.BillingType) (*domain.BillingRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+billingColumns+` FROM billing_records
		 WHERE transaction_id = ? AND type = ?`, transactionID, string(typ))
	rec, err := scanBillingRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Latest returns the most recent billing record for a customer, or nil, nil
// when the customer has no ledger history yet.
func (r *BillingRepo) Latest(ctx context.Context, customerID string) (*domain.BillingRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+billingColumns+` FROM billing_records
		 WHERE customer_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, customerID)
	rec, err := scanBillingRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListByCustomer returns billing records for a customer, newest first.
func (r *BillingRepo) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.BillingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+billingColumns+` FROM billing_records
		 WHERE customer_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var records []domain.BillingRecord
	for rows.Next() {
		rec, err := scanBillingRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *BillingRepo) CountByCustomer(ctx context.Context, customerID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM billing_records WHERE customer_id = ?", customerID).Scan(&count)
	return count, err
}

func scanBillingRecord(scan func(...any) error) (*domain.BillingRecord, error) {
	var rec domain.BillingRecord
	var typ, amount, before, after, createdAt string

	err := scan(&rec.ID, &rec.CustomerID, &rec.TransactionID, &typ,
		&amount, &before, &after, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.Type = domain.BillingType(typ)
	if rec.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	if rec.BalanceBefore, err = parseAmount(before); err != nil {
		return nil, err
	}
	if rec.BalanceAfter, err = parseAmount(after); err != nil {
		return nil, err
	}
	rec.CreatedAt = parseTimestamp(createdAt)

	return &rec, nil
}
