package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wakala/settler/internal/domain"
)

type CustomerRepo struct {
	db *sql.DB
}

func NewCustomerRepo(db *sql.DB) *CustomerRepo {
	return &CustomerRepo{db: db}
}

func (r *CustomerRepo) Insert(ctx context.Context, c *domain.Customer) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO customers
		(id, name, api_key, balance, credit_limit, daily_limit, active, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.APIKey, c.Balance.String(), c.CreditLimit.String(),
		c.DailyLimit.String(), boolToInt(c.Active), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (r *CustomerRepo) GetByID(ctx context.Context, id string) (*domain.Customer, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, balance, credit_limit, daily_limit, active, created_at
		 FROM customers WHERE id = ?`, id)
	return scanCustomer(row)
}

// SetActive flips the active flag. Customers are never deleted.
func (r *CustomerRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE customers SET active = ? WHERE id = ?", boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanCustomer(row *sql.Row) (*domain.Customer, error) {
	var c domain.Customer
	var balance, creditLimit, dailyLimit, createdAt string
	var active int

	err := row.Scan(&c.ID, &c.Name, &c.APIKey, &balance, &creditLimit,
		&dailyLimit, &active, &createdAt)
	if err != nil {
		return nil, err
	}

	if c.Balance, err = parseAmount(balance); err != nil {
		return nil, err
	}
	if c.CreditLimit, err = parseAmount(creditLimit); err != nil {
		return nil, err
	}
	if c.DailyLimit, err = parseAmount(dailyLimit); err != nil {
		return nil, err
	}
	c.Active = active != 0
	c.CreatedAt = parseTimestamp(createdAt)

	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
