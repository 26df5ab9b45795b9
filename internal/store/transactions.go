package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/types"
)

// FindOrCreateCategory returns the user's category with the given name,
// creating it with a deterministic style if missing. The insert-on-conflict
// form is idempotent under concurrent creation of the same name.
func (s *Store) FindOrCreateCategory(ctx context.Context, userID, name string) (types.Category, error) {
	style := styleFor(name)
	c := types.Category{
		UserID: userID,
		Name:   name,
		Color:  style.Color,
		Icon:   style.Icon,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, user_id, name, color, icon)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET name = excluded.name
		RETURNING id, color, icon
	`, uuid.NewString(), userID, name, style.Color, style.Icon).Scan(&c.ID, &c.Color, &c.Icon)
	if err != nil {
		return types.Category{}, fmt.Errorf("failed to find or create category: %w", err)
	}
	return c, nil
}

// CategoryNamesForUser returns the user's existing category names
func (s *Store) CategoryNamesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM categories WHERE user_id = ? ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan category name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateTransaction persists a transaction row. Amount must already be
// positive; direction is carried by Type.
func (s *Store) CreateTransaction(ctx context.Context, t *types.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("transaction amount must be non-negative, got %s", t.Amount)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, profile_id, statement_id, date, amount, type,
			category, category_id, merchant, description, confidence,
			is_recurring, ai_categorized
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, nullable(t.ProfileID), nullable(t.StatementID),
		t.Date.Format(dateLayout), t.Amount.String(), string(t.Type),
		t.Category, nullable(t.CategoryID), t.Merchant, t.Description,
		t.Confidence, t.IsRecurring, t.AICategorized)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// UpdateTransactionCategory applies a validated category correction
func (s *Store) UpdateTransactionCategory(ctx context.Context, transactionID, category, categoryID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET category = ?, category_id = ? WHERE id = ?
	`, category, categoryID, transactionID)
	if err != nil {
		return fmt.Errorf("failed to update transaction category: %w", err)
	}
	return nil
}

func scanTransactions(rows *sql.Rows) ([]types.Transaction, error) {
	var out []types.Transaction
	for rows.Next() {
		var t types.Transaction
		var profileID, statementID, categoryID, merchant, description sql.NullString
		var date, amount, txType string

		if err := rows.Scan(&t.ID, &t.UserID, &profileID, &statementID, &date, &amount,
			&txType, &t.Category, &categoryID, &merchant, &description,
			&t.Confidence, &t.IsRecurring, &t.AICategorized); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		parsed, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transaction date %q: %w", date, err)
		}
		t.Date = parsed
		t.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transaction amount %q: %w", amount, err)
		}
		t.Type = types.TransactionType(txType)
		t.ProfileID = profileID.String
		t.StatementID = statementID.String
		t.CategoryID = categoryID.String
		t.Merchant = merchant.String
		t.Description = description.String
		out = append(out, t)
	}
	return out, rows.Err()
}

const transactionColumns = `id, user_id, profile_id, statement_id, date, amount, type,
	category, category_id, merchant, description, confidence, is_recurring, ai_categorized`

// TransactionsForStatement returns all transactions persisted from one statement
func (s *Store) TransactionsForStatement(ctx context.Context, statementID string) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE statement_id = ? ORDER BY date, id
	`, statementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query statement transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// TransactionsForUser returns all of a user's transactions, optionally
// scoped to a profile
func (s *Store) TransactionsForUser(ctx context.Context, userID, profileID string) ([]types.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if profileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, profileID)
	}
	query += ` ORDER BY date, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// TransactionsSince returns a user's transactions on or after the cutoff date
func (s *Store) TransactionsSince(ctx context.Context, userID string, since time.Time) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE user_id = ? AND date >= ? ORDER BY date, id
	`, userID, since.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// CreateReviewEntry queues a transaction for human review
func (s *Store) CreateReviewEntry(ctx context.Context, e types.ReviewQueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	alt, err := json.Marshal(e.Alternative)
	if err != nil {
		return fmt.Errorf("failed to marshal review alternative: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_queue (id, user_id, transaction_id, confidence, issue_type, severity, description, suggested_fix, alternative)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.TransactionID, e.Confidence, e.IssueType, string(e.Severity),
		e.Description, e.SuggestedFix, string(alt))
	if err != nil {
		return fmt.Errorf("failed to create review entry: %w", err)
	}
	return nil
}

// CountOpenReviewEntriesForStatement counts unresolved review entries whose
// transactions came from the given statement
func (s *Store) CountOpenReviewEntriesForStatement(ctx context.Context, statementID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM review_queue rq
		JOIN transactions t ON t.id = rq.transaction_id
		WHERE t.statement_id = ? AND rq.resolved = 0
	`, statementID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count review entries: %w", err)
	}
	return count, nil
}

// RecurringChargeExists reports whether a charge whose name already contains
// the merchant name (case-insensitive) exists for the profile
func (s *Store) RecurringChargeExists(ctx context.Context, userID, profileID, merchant string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM recurring_charges
			WHERE user_id = ? AND COALESCE(profile_id, '') = ?
			AND instr(lower(name), lower(?)) > 0
		)
	`, userID, profileID, merchant).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recurring charge: %w", err)
	}
	return exists, nil
}

// CreateRecurringCharge persists a derived recurring charge
func (s *Store) CreateRecurringCharge(ctx context.Context, c types.RecurringCharge) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_charges (id, user_id, profile_id, name, amount, frequency, next_due_date, annual_amount, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, nullable(c.ProfileID), c.Name, c.Amount.String(),
		string(c.Frequency), c.NextDueDate.Format(dateLayout), c.AnnualAmount.String(), c.Category)
	if err != nil {
		return fmt.Errorf("failed to create recurring charge: %w", err)
	}
	return nil
}

// RecurringChargesForUser returns all recurring charges for a user
func (s *Store) RecurringChargesForUser(ctx context.Context, userID string) ([]types.RecurringCharge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, profile_id, name, amount, frequency, next_due_date, annual_amount, category
		FROM recurring_charges WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recurring charges: %w", err)
	}
	defer rows.Close()

	var out []types.RecurringCharge
	for rows.Next() {
		var c types.RecurringCharge
		var profileID, category sql.NullString
		var amount, frequency, nextDue, annual string
		if err := rows.Scan(&c.ID, &c.UserID, &profileID, &c.Name, &amount, &frequency, &nextDue, &annual, &category); err != nil {
			return nil, fmt.Errorf("failed to scan recurring charge: %w", err)
		}
		c.ProfileID = profileID.String
		c.Category = category.String
		c.Frequency = types.Frequency(frequency)
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse charge amount: %w", err)
		}
		if c.AnnualAmount, err = decimal.NewFromString(annual); err != nil {
			return nil, fmt.Errorf("failed to parse annual amount: %w", err)
		}
		if c.NextDueDate, err = time.Parse(dateLayout, nextDue); err != nil {
			return nil, fmt.Errorf("failed to parse next due date: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateMerchantRule stores a user-defined auto-apply rule
func (s *Store) CreateMerchantRule(ctx context.Context, r types.MerchantRule) (types.MerchantRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_rules (id, user_id, merchant, category, profile, profile_id, auto_apply, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.Merchant, r.Category, string(r.Profile), nullable(r.ProfileID), r.AutoApply, r.UseCount)
	if err != nil {
		return types.MerchantRule{}, fmt.Errorf("failed to create merchant rule: %w", err)
	}
	return r, nil
}

// IncrementRuleUseCount bumps a rule's use counter after it was applied
func (s *Store) IncrementRuleUseCount(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merchant_rules SET use_count = use_count + 1 WHERE id = ?
	`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to increment rule use count: %w", err)
	}
	return nil
}
