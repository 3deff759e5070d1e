package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wakala/settler/internal/domain"
)

const reservationColumns = `id, customer_id, transaction_id, amount, status,
	created_at, resolved_at`

type ReservationRepo struct {
	db *sql.DB
}

func NewReservationRepo(db *sql.DB) *ReservationRepo {
	return &ReservationRepo{db: db}
}

func (r *ReservationRepo) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

func (r *ReservationRepo) GetByTransaction(ctx context.Context, transactionID string) (*domain.Reservation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE transaction_id = ?`, transactionID)
	res, err := scanReservation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

func scanReservation(scan func(...any) error) (*domain.Reservation, error) {
	var res domain.Reservation
	var amount, status, createdAt string
	var resolvedAt sql.NullString

	err := scan(&res.ID, &res.CustomerID, &res.TransactionID, &amount,
		&status, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	if res.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	res.Status = domain.ReservationStatus(status)
	res.CreatedAt = parseTimestamp(createdAt)
	if resolvedAt.Valid {
		res.ResolvedAt = parseNullableTime(&resolvedAt.String)
	}

	return &res, nil
}
