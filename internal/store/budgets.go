package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/types"
)

// UpsertBudgetSpent overwrites spent on an existing budget row, or creates
// the row with the given default amount when absent. Existing amounts are
// never touched.
func (s *Store) UpsertBudgetSpent(ctx context.Context, b types.Budget) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	// profile_id is an empty string rather than NULL for unscoped budgets:
	// NULLs never conflict in SQLite, which would break the upsert.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (id, user_id, profile_id, category, month, year, amount, spent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, profile_id, category, month, year)
		DO UPDATE SET spent = excluded.spent
	`, b.ID, b.UserID, b.ProfileID, b.Category, b.Month, b.Year,
		b.Amount.String(), b.Spent.String())
	if err != nil {
		return fmt.Errorf("failed to upsert budget: %w", err)
	}
	return nil
}

// BudgetsForUser returns all budget rows, optionally scoped to a profile
func (s *Store) BudgetsForUser(ctx context.Context, userID, profileID string) ([]types.Budget, error) {
	query := `SELECT id, user_id, profile_id, category, month, year, amount, spent FROM budgets WHERE user_id = ?`
	args := []any{userID}
	if profileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, profileID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer rows.Close()

	var out []types.Budget
	for rows.Next() {
		var b types.Budget
		var amount, spent string
		if err := rows.Scan(&b.ID, &b.UserID, &b.ProfileID, &b.Category, &b.Month, &b.Year, &amount, &spent); err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse budget amount: %w", err)
		}
		if b.Spent, err = decimal.NewFromString(spent); err != nil {
			return nil, fmt.Errorf("failed to parse budget spent: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBudget returns one budget row, or nil when absent
func (s *Store) GetBudget(ctx context.Context, userID, profileID, category string, month, year int) (*types.Budget, error) {
	var b types.Budget
	var amount, spent string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, profile_id, category, month, year, amount, spent
		FROM budgets
		WHERE user_id = ? AND profile_id = ? AND category = ? AND month = ? AND year = ?
	`, userID, profileID, category, month, year).Scan(
		&b.ID, &b.UserID, &b.ProfileID, &b.Category, &b.Month, &b.Year, &amount, &spent)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse budget amount: %w", err)
	}
	if b.Spent, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("failed to parse budget spent: %w", err)
	}
	return &b, nil
}

// UpsertMetrics writes the single per-user derived metrics row
func (s *Store) UpsertMetrics(ctx context.Context, m types.FinancialMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO financial_metrics (user_id, monthly_income, monthly_expense, burn_rate, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			monthly_income = excluded.monthly_income,
			monthly_expense = excluded.monthly_expense,
			burn_rate = excluded.burn_rate,
			computed_at = excluded.computed_at
	`, m.UserID, m.MonthlyIncome.String(), m.MonthlyExpense.String(), m.BurnRate.String(), m.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert metrics: %w", err)
	}
	return nil
}

// GetMetrics returns the user's metrics row, or nil when never computed
func (s *Store) GetMetrics(ctx context.Context, userID string) (*types.FinancialMetrics, error) {
	var m types.FinancialMetrics
	var income, expense, burn string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, monthly_income, monthly_expense, burn_rate, computed_at
		FROM financial_metrics WHERE user_id = ?
	`, userID).Scan(&m.UserID, &income, &expense, &burn, &m.ComputedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	if m.MonthlyIncome, err = decimal.NewFromString(income); err != nil {
		return nil, fmt.Errorf("failed to parse income: %w", err)
	}
	if m.MonthlyExpense, err = decimal.NewFromString(expense); err != nil {
		return nil, fmt.Errorf("failed to parse expense: %w", err)
	}
	if m.BurnRate, err = decimal.NewFromString(burn); err != nil {
		return nil, fmt.Errorf("failed to parse burn rate: %w", err)
	}
	return &m, nil
}
