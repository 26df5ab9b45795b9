package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/types"
)

// Signal queries backing the enhancer. The store satisfies
// enhance.SignalSource.

// MerchantRule returns the user's auto-apply rule for a merchant, or nil
func (s *Store) MerchantRule(ctx context.Context, userID, merchant string) (*types.MerchantRule, error) {
	var r types.MerchantRule
	var profile string
	var profileID sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, merchant, category, profile, profile_id, auto_apply, use_count
		FROM merchant_rules
		WHERE user_id = ? AND lower(merchant) = lower(?) AND auto_apply = 1
		LIMIT 1
	`, userID, merchant).Scan(&r.ID, &r.UserID, &r.Merchant, &r.Category, &profile, &profileID, &r.AutoApply, &r.UseCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query merchant rule: %w", err)
	}
	r.Profile = types.ProfileType(profile)
	r.ProfileID = profileID.String
	return &r, nil
}

// HistoricalPattern summarizes how the user previously categorized a
// merchant. Confidence reflects both how dominant the top category is and
// how many times the merchant has been seen.
func (s *Store) HistoricalPattern(ctx context.Context, userID, merchant string) (*types.HistoricalPattern, error) {
	var category string
	var profile sql.NullString
	var count, total int

	err := s.db.QueryRowContext(ctx, `
		SELECT t.category,
			(SELECT bp.type FROM business_profiles bp WHERE bp.id = t.profile_id) as profile_type,
			COUNT(*) as cnt,
			(SELECT COUNT(*) FROM transactions WHERE user_id = ? AND lower(merchant) = lower(?)) as total
		FROM transactions t
		WHERE t.user_id = ? AND lower(t.merchant) = lower(?)
		GROUP BY t.category
		ORDER BY cnt DESC
		LIMIT 1
	`, userID, merchant, userID, merchant).Scan(&category, &profile, &count, &total)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query historical pattern: %w", err)
	}
	if total == 0 {
		return nil, nil
	}

	share := float64(count) / float64(total)
	weight := float64(min(count, 5)) / 5.0

	p := &types.HistoricalPattern{
		Merchant:   merchant,
		Category:   category,
		Confidence: share * weight,
		Count:      count,
	}
	if profile.Valid {
		p.Profile = types.ProfileType(profile.String)
	}
	return p, nil
}

// RecurringDates returns past transaction dates for a merchant with a
// matching amount (within 1%) in the given profile type
func (s *Store) RecurringDates(ctx context.Context, userID, merchant string, amount decimal.Decimal, profile types.ProfileType) ([]time.Time, error) {
	abs := amount.Abs()
	lo := abs.Mul(decimal.NewFromFloat(0.99))
	hi := abs.Mul(decimal.NewFromFloat(1.01))

	rows, err := s.db.QueryContext(ctx, `
		SELECT date FROM transactions
		WHERE user_id = ? AND lower(merchant) = lower(?)
		AND amount BETWEEN ? AND ?
		AND profile_id IN (SELECT id FROM business_profiles WHERE user_id = ? AND type = ?)
		ORDER BY date
	`, userID, merchant, lo.String(), hi.String(), userID, string(profile))
	if err != nil {
		return nil, fmt.Errorf("failed to query recurring dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		parsed, err := time.Parse(dateLayout, d)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %q: %w", d, err)
		}
		dates = append(dates, parsed)
	}
	return dates, rows.Err()
}
