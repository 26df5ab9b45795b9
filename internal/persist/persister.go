// Package persist writes finalized transaction decisions to the store,
// queues low-confidence rows for review and derives recurring charges.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/enhance"
	"github.com/lox/bank-statement-pipeline/internal/store"
	"github.com/lox/bank-statement-pipeline/internal/types"
)

type Persister struct {
	store  *store.Store
	logger *log.Logger
}

func New(st *store.Store, logger *log.Logger) *Persister {
	return &Persister{store: st, logger: logger}
}

// PersistDecisions writes one Transaction row per decision, creating
// categories on demand and queueing low-confidence rows for review.
// Returns the persisted transactions in input order.
func (p *Persister) PersistDecisions(ctx context.Context, userID, statementID string, decisions []enhance.Decision) ([]types.Transaction, error) {
	start := time.Now()
	transactions := make([]types.Transaction, 0, len(decisions))

	var queued int
	for _, d := range decisions {
		category, err := p.store.FindOrCreateCategory(ctx, userID, d.Category)
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", d.Category, err)
		}

		date, err := time.Parse("2006-01-02", d.Categorized.Raw.Date)
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", d.Categorized.Raw.Date, err)
		}

		tx := types.Transaction{
			UserID:        userID,
			ProfileID:     d.ProfileID,
			StatementID:   statementID,
			Date:          date,
			Amount:        d.Categorized.Raw.Amount.Abs(),
			Type:          d.Type,
			Category:      d.Category,
			CategoryID:    category.ID,
			Merchant:      d.Merchant,
			Description:   d.Categorized.Raw.Description,
			Confidence:    d.Confidence,
			IsRecurring:   d.IsRecurring,
			AICategorized: true,
		}
		if err := p.store.CreateTransaction(ctx, &tx); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)

		if d.RuleApplied {
			if err := p.store.IncrementRuleUseCount(ctx, d.RuleID); err != nil {
				p.logger.Warn("Failed to increment rule use count", "rule_id", d.RuleID, "error", err)
			}
			continue
		}

		if d.Confidence < types.ReviewThreshold {
			if err := p.store.CreateReviewEntry(ctx, reviewEntry(userID, tx.ID, d)); err != nil {
				return nil, err
			}
			queued++
		}
	}

	p.logger.Info("Persisted transactions",
		"count", len(transactions),
		"review_queued", queued,
		"duration", time.Since(start))
	return transactions, nil
}

func reviewEntry(userID, transactionID string, d enhance.Decision) types.ReviewQueueEntry {
	severity := types.SeverityMedium
	description := fmt.Sprintf("Low confidence categorization (%.0f%%)", d.Confidence*100)
	switch {
	case d.Confidence < types.VeryLowThreshold:
		severity = types.SeverityHigh
		description = fmt.Sprintf("Likely miscategorization (%.0f%% confidence)", d.Confidence*100)
	case d.Confidence < types.HighSeverityThreshold:
		severity = types.SeverityHigh
		description = fmt.Sprintf("Transaction may be miscategorized (%.0f%% confidence)", d.Confidence*100)
	}

	return types.ReviewQueueEntry{
		UserID:        userID,
		TransactionID: transactionID,
		Confidence:    d.Confidence,
		IssueType:     "LOW_CONFIDENCE",
		Severity:      severity,
		Description:   description,
		SuggestedFix:  fmt.Sprintf("Confirm category %q and %s profile for %q", d.Category, d.ProfileType, d.Merchant),
		Alternative: types.ReviewAlternative{
			Category:  d.Categorized.SuggestedCategory,
			Profile:   d.Categorized.ProfileType,
			Merchant:  d.Categorized.Merchant,
			Reasoning: d.Categorized.Reasoning,
		},
	}
}

// DeriveRecurringCharges attempts one RecurringCharge per distinct
// (merchant, profile) among recurring-flagged expenses. An existing charge
// whose name already contains the merchant (case-insensitive) suppresses
// creation.
func (p *Persister) DeriveRecurringCharges(ctx context.Context, userID string, decisions []enhance.Decision) error {
	type key struct {
		merchant  string
		profileID string
	}
	seen := make(map[key]bool)
	var created int

	for _, d := range decisions {
		if !d.IsRecurring || d.Type != types.TransactionExpense || d.Merchant == "" {
			continue
		}
		k := key{merchant: d.Merchant, profileID: d.ProfileID}
		if seen[k] {
			continue
		}
		seen[k] = true

		exists, err := p.store.RecurringChargeExists(ctx, userID, d.ProfileID, d.Merchant)
		if err != nil {
			return err
		}
		if exists {
			p.logger.Debug("Recurring charge already exists", "merchant", d.Merchant)
			continue
		}

		date, err := time.Parse("2006-01-02", d.Categorized.Raw.Date)
		if err != nil {
			p.logger.Warn("Skipping recurring charge with bad date",
				"merchant", d.Merchant,
				"date", d.Categorized.Raw.Date)
			continue
		}

		amount := d.Categorized.Raw.Amount.Abs()
		charge := types.RecurringCharge{
			UserID:       userID,
			ProfileID:    d.ProfileID,
			Name:         d.Merchant,
			Amount:       amount,
			Frequency:    d.Frequency,
			NextDueDate:  advanceByPeriod(date, d.Frequency),
			AnnualAmount: amount.Mul(decimal.NewFromInt(enhance.PeriodMultiplier(d.Frequency))),
			Category:     d.Category,
		}
		if err := p.store.CreateRecurringCharge(ctx, charge); err != nil {
			return err
		}
		created++
	}

	if created > 0 {
		p.logger.Info("Derived recurring charges", "created", created)
	}
	return nil
}

func advanceByPeriod(t time.Time, f types.Frequency) time.Time {
	switch f {
	case types.FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case types.FrequencyQuarterly:
		return t.AddDate(0, 3, 0)
	case types.FrequencyAnnual:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}
