package store

import (
	"database/sql"
	"fmt"
)

// createTables creates the pipeline schema. Dates are stored as ISO-8601
// text so range comparisons work lexically; amounts are stored as decimal
// text and scanned through shopspring/decimal.
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT,
			name TEXT
		);

		CREATE TABLE IF NOT EXISTS business_profiles (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			type TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bank_statements (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			profile_id TEXT,
			file_name TEXT NOT NULL,
			file_type TEXT NOT NULL,
			storage_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			stage TEXT NOT NULL DEFAULT 'UPLOADED',
			error_log TEXT,
			transaction_count INTEGER NOT NULL DEFAULT 0,
			confidence REAL,
			validation_issues TEXT,
			validated_at DATETIME,
			uploaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			color TEXT NOT NULL,
			icon TEXT NOT NULL,
			UNIQUE(user_id, name)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			profile_id TEXT,
			statement_id TEXT REFERENCES bank_statements(id),
			date TEXT NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			type TEXT NOT NULL,
			category TEXT NOT NULL,
			category_id TEXT REFERENCES categories(id),
			merchant TEXT,
			description TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			is_recurring INTEGER NOT NULL DEFAULT 0,
			ai_categorized INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			profile_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			month INTEGER NOT NULL,
			year INTEGER NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			spent DECIMAL(15,2) NOT NULL DEFAULT 0,
			UNIQUE(user_id, profile_id, category, month, year)
		);

		CREATE TABLE IF NOT EXISTS recurring_charges (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			profile_id TEXT,
			name TEXT NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			frequency TEXT NOT NULL,
			next_due_date TEXT NOT NULL,
			annual_amount DECIMAL(15,2) NOT NULL,
			category TEXT
		);

		CREATE TABLE IF NOT EXISTS review_queue (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			transaction_id TEXT NOT NULL REFERENCES transactions(id),
			confidence REAL NOT NULL,
			issue_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			suggested_fix TEXT,
			alternative TEXT,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS merchant_rules (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			merchant TEXT NOT NULL,
			category TEXT NOT NULL,
			profile TEXT,
			profile_id TEXT,
			auto_apply INTEGER NOT NULL DEFAULT 1,
			use_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS financial_metrics (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			monthly_income DECIMAL(15,2) NOT NULL,
			monthly_expense DECIMAL(15,2) NOT NULL,
			burn_rate DECIMAL(15,2) NOT NULL,
			computed_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_statement ON transactions(statement_id)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date)",
		"CREATE INDEX IF NOT EXISTS idx_review_queue_transaction ON review_queue(transaction_id)",
		"CREATE INDEX IF NOT EXISTS idx_recurring_charges_user ON recurring_charges(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_merchant_rules_user ON merchant_rules(user_id)",
	}
	for _, index := range indexes {
		if _, err := db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
