package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// Writers back off instead of failing fast when the database is busy.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	// Amount columns are decimal strings; arithmetic happens in Go, never in
	// SQL, to avoid float rounding on money.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL,
			balance TEXT NOT NULL,
			credit_limit TEXT NOT NULL,
			daily_limit TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			destination TEXT NOT NULL,
			category TEXT NOT NULL,
			source_amount TEXT NOT NULL,
			source_currency TEXT NOT NULL,
			settled_amount TEXT NOT NULL,
			settled_currency TEXT NOT NULL,
			exchange_rate TEXT NOT NULL,
			status TEXT NOT NULL,
			provider TEXT,
			provider_transaction_id TEXT,
			failure_reason TEXT,
			attempted_providers TEXT,
			created_at DATETIME NOT NULL,
			processed_at DATETIME,
			FOREIGN KEY (customer_id) REFERENCES customers(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at)`,

		`CREATE TABLE IF NOT EXISTS billing_records (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount TEXT NOT NULL,
			balance_before TEXT NOT NULL,
			balance_after TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (customer_id) REFERENCES customers(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_records_customer ON billing_records(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_records_txn ON billing_records(transaction_id)`,

		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			transaction_id TEXT UNIQUE NOT NULL,
			amount TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME,
			FOREIGN KEY (customer_id) REFERENCES customers(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_customer ON reservations(customer_id, status)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}
