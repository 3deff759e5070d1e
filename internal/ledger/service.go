package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/domain"
)

// Service is the authoritative mutator of customer balances. All money
// movement goes through Reserve/Commit/Release/Credit; every mutation for a
// given customer is serialized and every committed movement appends a billing
// record in the same SQL transaction as the balance update.
type Service struct {
	db    *sql.DB
	locks *customerLocks
	log   *zap.SugaredLogger
}

func NewService(db *sql.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, locks: newCustomerLocks(), log: log}
}

// Reserve places a hold against the customer's available balance. Available
// means stored balance plus credit-limit headroom minus already-held
// reservations, so two concurrent requests can never both pass the check
// against the same funds. The daily limit counts settled SUCCESS amounts in
// the trailing 24 hours, recomputed here.
func (s *Service) Reserve(ctx context.Context, customerID, transactionID string, amount decimal.Decimal) (*domain.Reservation, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: reserve amount must be positive", domain.ErrValidation)
	}

	unlock := s.locks.lock(customerID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balanceStr, creditLimitStr, dailyLimitStr string
	var active int
	err = tx.QueryRowContext(ctx,
		"SELECT balance, credit_limit, daily_limit, active FROM customers WHERE id = ?",
		customerID).Scan(&balanceStr, &creditLimitStr, &dailyLimitStr, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown customer %s", domain.ErrValidation, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}

	if active == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrCustomerInactive, customerID)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	creditLimit, err := decimal.NewFromString(creditLimitStr)
	if err != nil {
		return nil, fmt.Errorf("parse credit limit: %w", err)
	}
	dailyLimit, err := decimal.NewFromString(dailyLimitStr)
	if err != nil {
		return nil, fmt.Errorf("parse daily limit: %w", err)
	}

	held, err := sumAmounts(tx, ctx,
		"SELECT amount FROM reservations WHERE customer_id = ? AND status = ?",
		customerID, string(domain.ReservationHeld))
	if err != nil {
		return nil, err
	}

	if dailyLimit.Sign() > 0 {
		cutoff := time.Now().Add(-24 * time.Hour)
		dailyTotal, err := sumAmounts(tx, ctx,
			"SELECT settled_amount FROM transactions WHERE customer_id = ? AND status = ? AND processed_at >= ?",
			customerID, string(domain.StatusSuccess), formatTime(cutoff))
		if err != nil {
			return nil, err
		}
		if dailyTotal.Add(amount).Cmp(dailyLimit) > 0 {
			return nil, fmt.Errorf("%w: %s spent of %s in trailing 24h",
				domain.ErrDailyLimitExceeded, dailyTotal, dailyLimit)
		}
	}

	available := balance.Add(creditLimit).Sub(held)
	if available.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: available %s, requested %s",
			domain.ErrInsufficientBalance, available, amount)
	}

	res := &domain.Reservation{
		ID:            uuid.NewString(),
		CustomerID:    customerID,
		TransactionID: transactionID,
		Amount:        amount,
		Status:        domain.ReservationHeld,
		CreatedAt:     time.Now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reservations (id, customer_id, transaction_id, amount, status, created_at)
		 VALUES (?,?,?,?,?,?)`,
		res.ID, res.CustomerID, res.TransactionID, res.Amount.String(),
		string(res.Status), formatTime(res.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.log.Debugw("reserved", "customer", customerID, "transaction", transactionID,
		"amount", amount, "available_after", available.Sub(amount))
	return res, nil
}

// Commit turns a held reservation into a permanent debit and appends the
// billing record. Idempotent: committing an already-committed reservation
// returns the original record and moves no money.
func (s *Service) Commit(ctx context.Context, reservationID string) (*domain.BillingRecord, error) {
	res, err := s.loadReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(res.CustomerID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Re-read the status under the lock; a concurrent retry may have
	// resolved the reservation since the load above.
	var status string
	if err := tx.QueryRowContext(ctx,
		"SELECT status FROM reservations WHERE id = ?", reservationID).Scan(&status); err != nil {
		return nil, fmt.Errorf("load reservation status: %w", err)
	}

	switch domain.ReservationStatus(status) {
	case domain.ReservationCommitted:
		return s.billingByTransaction(ctx, tx, res.TransactionID, domain.BillingDebit)
	case domain.ReservationReleased:
		return nil, fmt.Errorf("commit of released reservation %s", reservationID)
	}

	before, err := s.customerBalance(ctx, tx, res.CustomerID)
	if err != nil {
		return nil, err
	}
	after := before.Sub(res.Amount)

	if _, err := tx.ExecContext(ctx,
		"UPDATE customers SET balance = ? WHERE id = ?",
		after.String(), res.CustomerID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	rec := &domain.BillingRecord{
		ID:            uuid.NewString(),
		CustomerID:    res.CustomerID,
		TransactionID: res.TransactionID,
		Type:          domain.BillingDebit,
		Amount:        res.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedAt:     time.Now(),
	}
	if err := insertBillingRecord(ctx, tx, rec); err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		"UPDATE reservations SET status = ?, resolved_at = ? WHERE id = ?",
		string(domain.ReservationCommitted), now, reservationID); err != nil {
		return nil, fmt.Errorf("update reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.log.Infow("debit committed", "customer", res.CustomerID,
		"transaction", res.TransactionID, "amount", res.Amount,
		"balance_after", after)
	return rec, nil
}

// Release returns held funds to the available balance. Idempotent; releasing
// a committed reservation is a programmer error.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	res, err := s.loadReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(res.CustomerID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx,
		"SELECT status FROM reservations WHERE id = ?", reservationID).Scan(&status); err != nil {
		return fmt.Errorf("load reservation status: %w", err)
	}

	switch domain.ReservationStatus(status) {
	case domain.ReservationReleased:
		return nil
	case domain.ReservationCommitted:
		return fmt.Errorf("release of committed reservation %s", reservationID)
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		"UPDATE reservations SET status = ?, resolved_at = ? WHERE id = ?",
		string(domain.ReservationReleased), now, reservationID); err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.log.Debugw("reservation released", "customer", res.CustomerID,
		"transaction", res.TransactionID, "amount", res.Amount)
	return nil
}

// Credit funds a customer account and appends the credit billing record.
func (s *Service) Credit(ctx context.Context, customerID, reference string, amount decimal.Decimal) (*domain.BillingRecord, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: credit amount must be positive", domain.ErrValidation)
	}

	unlock := s.locks.lock(customerID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	before, err := s.customerBalance(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}
	after := before.Add(amount)

	if _, err := tx.ExecContext(ctx,
		"UPDATE customers SET balance = ? WHERE id = ?",
		after.String(), customerID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	rec := &domain.BillingRecord{
		ID:            uuid.NewString(),
		CustomerID:    customerID,
		TransactionID: reference,
		Type:          domain.BillingCredit,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedAt:     time.Now(),
	}
	if err := insertBillingRecord(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.log.Infow("credit applied", "customer", customerID, "amount", amount,
		"balance_after", after)
	return rec, nil
}

// VerifyCustomer checks the core ledger invariant: the latest billing
// record's balance_after must equal the stored balance. A violation is fatal
// and is never repaired here.
func (s *Service) VerifyCustomer(ctx context.Context, customerID string) error {
	unlock := s.locks.lock(customerID)
	defer unlock()

	var balanceStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM customers WHERE id = ?", customerID).Scan(&balanceStr)
	if err != nil {
		return fmt.Errorf("load customer: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return fmt.Errorf("parse balance: %w", err)
	}

	var afterStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT balance_after FROM billing_records WHERE customer_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, customerID).Scan(&afterStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // no history yet, nothing to compare
	}
	if err != nil {
		return fmt.Errorf("load latest billing record: %w", err)
	}
	after, err := decimal.NewFromString(afterStr)
	if err != nil {
		return fmt.Errorf("parse balance_after: %w", err)
	}

	if !balance.Equal(after) {
		return fmt.Errorf("%w: customer %s balance %s != latest billing balance_after %s",
			domain.ErrLedgerInconsistency, customerID, balance, after)
	}
	return nil
}

// --- helpers ---

func (s *Service) loadReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	var res domain.Reservation
	var amountStr, status, createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, customer_id, transaction_id, amount, status, created_at FROM reservations WHERE id = ?",
		id).Scan(&res.ID, &res.CustomerID, &res.TransactionID, &amountStr, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	if res.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse reservation amount: %w", err)
	}
	res.Status = domain.ReservationStatus(status)
	return &res, nil
}

func (s *Service) customerBalance(ctx context.Context, tx *sql.Tx, customerID string) (decimal.Decimal, error) {
	var balanceStr string
	err := tx.QueryRowContext(ctx,
		"SELECT balance FROM customers WHERE id = ?", customerID).Scan(&balanceStr)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: unknown customer %s", domain.ErrValidation, customerID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load balance: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return balance, nil
}

func (s *Service) billingByTransaction(ctx context.Context, tx *sql.Tx, transactionID string, typ domain.BillingType) (*domain.BillingRecord, error) {
	var rec domain.BillingRecord
	var btyp, amount, before, after, createdAt string
	err := tx.QueryRowContext(ctx,
		`SELECT id, customer_id, transaction_id, type, amount, balance_before, balance_after, created_at
		 FROM billing_records WHERE transaction_id = ? AND type = ?`,
		transactionID, string(typ)).Scan(&rec.ID, &rec.CustomerID,
		&rec.TransactionID, &btyp, &amount, &before, &after, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("load billing record: %w", err)
	}
	rec.Type = domain.BillingType(btyp)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if rec.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return nil, err
	}
	if rec.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return nil, err
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func insertBillingRecord(ctx context.Context, tx *sql.Tx, rec *domain.BillingRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO billing_records
		 (id, customer_id, transaction_id, type, amount, balance_before, balance_after, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.CustomerID, rec.TransactionID, string(rec.Type),
		rec.Amount.String(), rec.BalanceBefore.String(), rec.BalanceAfter.String(),
		formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert billing record: %w", err)
	}
	return nil
}

func sumAmounts(tx *sql.Tx, ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query amounts: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, fmt.Errorf("scan amount: %w", err)
		}
		amount, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Fixed-width so TEXT timestamps compare lexicographically in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
