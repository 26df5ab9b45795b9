// Package aggregate recomputes derived financial state: per-category monthly
// budgets and top-level income/expense metrics. Everything here is
// reconstructable from the transaction set, so recomputes are full scans and
// failures are safe to swallow upstream.
package aggregate

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/store"
	"github.com/lox/bank-statement-pipeline/internal/types"
)

// Budgets created on demand default to 1.2x observed spending, with a floor.
// The auto-created target is intentional: downstream views rely on a budget
// existing wherever spending occurred.
var (
	budgetDefaultMultiplier = decimal.NewFromFloat(1.2)
	budgetDefaultFloor      = decimal.NewFromInt(100)
)

const metricsWindowDays = 30

type Aggregator struct {
	store  *store.Store
	logger *log.Logger
}

func New(st *store.Store, logger *log.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logger}
}

type budgetKey struct {
	category string
	month    int
	year     int
}

// RecomputeBudgets re-sums all expense transactions in the profile scope,
// grouped by category and month. Existing budget rows get spent overwritten;
// missing ones are created with the default target. Running twice with no
// new transactions is a no-op.
func (a *Aggregator) RecomputeBudgets(ctx context.Context, userID, profileID string) error {
	start := time.Now()
	transactions, err := a.store.TransactionsForUser(ctx, userID, profileID)
	if err != nil {
		return err
	}

	sums := make(map[budgetKey]decimal.Decimal)
	for _, t := range transactions {
		if t.Type != types.TransactionExpense {
			continue
		}
		k := budgetKey{category: t.Category, month: int(t.Date.Month()), year: t.Date.Year()}
		sums[k] = sums[k].Add(t.Amount)
	}

	for k, spent := range sums {
		if err := a.store.UpsertBudgetSpent(ctx, types.Budget{
			UserID:    userID,
			ProfileID: profileID,
			Category:  k.category,
			Month:     k.month,
			Year:      k.year,
			Amount:    defaultBudgetAmount(spent),
			Spent:     spent,
		}); err != nil {
			return err
		}
	}

	a.logger.Debug("Budgets recomputed",
		"user", userID,
		"profile", profileID,
		"rows", len(sums),
		"duration", time.Since(start))
	return nil
}

func defaultBudgetAmount(spent decimal.Decimal) decimal.Decimal {
	amount := spent.Mul(budgetDefaultMultiplier)
	if amount.LessThan(budgetDefaultFloor) {
		return budgetDefaultFloor
	}
	return amount
}

// RecomputeMetrics sums the trailing 30 days into the single per-user
// metrics row
func (a *Aggregator) RecomputeMetrics(ctx context.Context, userID string) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -metricsWindowDays)
	transactions, err := a.store.TransactionsSince(ctx, userID, cutoff)
	if err != nil {
		return err
	}

	var income, expense decimal.Decimal
	for _, t := range transactions {
		switch t.Type {
		case types.TransactionIncome:
			income = income.Add(t.Amount)
		case types.TransactionExpense:
			expense = expense.Add(t.Amount)
		}
	}

	return a.store.UpsertMetrics(ctx, types.FinancialMetrics{
		UserID:         userID,
		MonthlyIncome:  income,
		MonthlyExpense: expense,
		BurnRate:       expense.Sub(income),
		ComputedAt:     time.Now().UTC(),
	})
}
