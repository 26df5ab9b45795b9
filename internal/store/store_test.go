package store

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bank-statement-pipeline/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	logger := log.New(io.Discard)

	st, err := New(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestApplyMigrationsWithStructuredLogger(t *testing.T) {
	st := setupTestStore(t)

	// The runner takes a printf-style sink; wrap the structured logger the
	// same way New does. Open already applied the list once, so both passes
	// here are no-ops.
	logger := log.New(io.Discard)
	logf := func(msg string, args ...interface{}) { logger.Debug(msg, args...) }
	require.NoError(t, ApplyMigrations(context.Background(), st.DB(), logf))
	require.NoError(t, ApplyMigrations(context.Background(), st.DB(), logf))
}

// seedUser creates a user with one business and one personal profile
func seedUser(t *testing.T, st *Store) (userID, businessID, personalID string) {
	t.Helper()
	ctx := context.Background()

	userID = "user-1"
	require.NoError(t, st.EnsureUser(ctx, userID, "test@example.com", "Test User"))

	business, err := st.CreateProfile(ctx, userID, "Acme Consulting", types.ProfileBusiness)
	require.NoError(t, err)
	personal, err := st.CreateProfile(ctx, userID, "Personal", types.ProfilePersonal)
	require.NoError(t, err)
	return userID, business.ID, personal.ID
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureUser(ctx, "user-1", "a@example.com", "A"))
	require.NoError(t, st.EnsureUser(ctx, "user-1", "a@example.com", "A"))
}

func TestStatementLifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, _ := seedUser(t, st)

	statement := &types.BankStatement{
		UserID:     userID,
		ProfileID:  businessID,
		FileName:   "march.pdf",
		FileType:   "PDF",
		StorageKey: "local:///tmp/march.pdf",
	}
	require.NoError(t, st.CreateStatement(ctx, statement))
	require.NotEmpty(t, statement.ID)

	got, err := st.GetStatement(ctx, statement.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatementPending, got.Status)
	assert.Equal(t, "march.pdf", got.FileName)

	require.NoError(t, st.UpdateStatementStatus(ctx, statement.ID, types.StatementProcessing, types.StageExtracting, ""))
	require.NoError(t, st.UpdateStatementStage(ctx, statement.ID, types.StageCategorizing))
	require.NoError(t, st.SetStatementTransactionCount(ctx, statement.ID, 42))

	got, err = st.GetStatement(ctx, statement.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatementProcessing, got.Status)
	assert.Equal(t, types.StageCategorizing, got.Stage)
	assert.Equal(t, 42, got.TransactionCount)

	require.NoError(t, st.UpdateStatementStatus(ctx, statement.ID, types.StatementFailed, types.StageFailed, "extraction failed"))
	got, err = st.GetStatement(ctx, statement.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatementFailed, got.Status)
	assert.Equal(t, "extraction failed", got.ErrorLog)
}

func TestFindOrCreateCategoryIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, _, _ := seedUser(t, st)

	first, err := st.FindOrCreateCategory(ctx, userID, "Groceries")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.Color)
	assert.NotEmpty(t, first.Icon)

	second, err := st.FindOrCreateCategory(ctx, userID, "Groceries")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	names, err := st.CategoryNamesForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Groceries"}, names)
}

func TestCreateTransactionRejectsNegativeAmount(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, _ := seedUser(t, st)

	err := st.CreateTransaction(ctx, &types.Transaction{
		UserID:    userID,
		ProfileID: businessID,
		Date:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Amount:    decimal.RequireFromString("-10.00"),
		Type:      types.TransactionExpense,
		Category:  "Groceries",
	})
	require.Error(t, err)
}

func seedTransaction(t *testing.T, st *Store, userID, profileID, statementID, merchant, category, amount string, date time.Time) types.Transaction {
	t.Helper()
	tx := types.Transaction{
		UserID:        userID,
		ProfileID:     profileID,
		StatementID:   statementID,
		Date:          date,
		Amount:        decimal.RequireFromString(amount),
		Type:          types.TransactionExpense,
		Category:      category,
		Merchant:      merchant,
		Description:   merchant,
		Confidence:    0.9,
		AICategorized: true,
	}
	require.NoError(t, st.CreateTransaction(context.Background(), &tx))
	return tx
}

func TestTransactionQueries(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, personalID := seedUser(t, st)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	seedTransaction(t, st, userID, businessID, "", "Vendor A", "Software", "20.00", day)
	seedTransaction(t, st, userID, personalID, "", "Vendor B", "Dining", "30.00", day.AddDate(0, 0, 5))

	all, err := st.TransactionsForUser(ctx, userID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	business, err := st.TransactionsForUser(ctx, userID, businessID)
	require.NoError(t, err)
	require.Len(t, business, 1)
	assert.Equal(t, "Vendor A", business[0].Merchant)

	recent, err := st.TransactionsSince(ctx, userID, day.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "Vendor B", recent[0].Merchant)
}

func TestMerchantRuleLookupIsCaseInsensitive(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, _ := seedUser(t, st)

	_, err := st.CreateMerchantRule(ctx, types.MerchantRule{
		UserID:    userID,
		Merchant:  "Adobe",
		Category:  "Software Subscriptions",
		Profile:   types.ProfileBusiness,
		ProfileID: businessID,
		AutoApply: true,
	})
	require.NoError(t, err)

	rule, err := st.MerchantRule(ctx, userID, "ADOBE")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "Software Subscriptions", rule.Category)

	none, err := st.MerchantRule(ctx, userID, "Netflix")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMerchantRuleWithoutAutoApplyIsNotReturned(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, _, _ := seedUser(t, st)

	_, err := st.CreateMerchantRule(ctx, types.MerchantRule{
		UserID:   userID,
		Merchant: "Adobe",
		Category: "Software",
	})
	require.NoError(t, err)

	rule, err := st.MerchantRule(ctx, userID, "Adobe")
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestIncrementRuleUseCount(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, _, _ := seedUser(t, st)

	created, err := st.CreateMerchantRule(ctx, types.MerchantRule{
		UserID:    userID,
		Merchant:  "Adobe",
		Category:  "Software",
		AutoApply: true,
	})
	require.NoError(t, err)

	require.NoError(t, st.IncrementRuleUseCount(ctx, created.ID))
	require.NoError(t, st.IncrementRuleUseCount(ctx, created.ID))

	rule, err := st.MerchantRule(ctx, userID, "Adobe")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, 2, rule.UseCount)
}

func TestHistoricalPatternConfidence(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, _ := seedUser(t, st)

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		seedTransaction(t, st, userID, businessID, "", "Github", "Software", "10.00", day.AddDate(0, i, 0))
	}
	seedTransaction(t, st, userID, businessID, "", "Github", "Entertainment", "10.00", day.AddDate(0, 5, 0))

	pattern, err := st.HistoricalPattern(ctx, userID, "github")
	require.NoError(t, err)
	require.NotNil(t, pattern)
	assert.Equal(t, "Software", pattern.Category)
	assert.Equal(t, 4, pattern.Count)
	assert.Equal(t, types.ProfileBusiness, pattern.Profile)
	// 4 of 5 occurrences, weighted by min(4,5)/5
	assert.InDelta(t, 0.8*0.8, pattern.Confidence, 1e-9)

	missing, err := st.HistoricalPattern(ctx, userID, "Unknown Merchant")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecurringDatesMatchesAmountWithinTolerance(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, _ := seedUser(t, st)

	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	seedTransaction(t, st, userID, businessID, "", "Spotify", "Entertainment", "10.99", day)
	seedTransaction(t, st, userID, businessID, "", "Spotify", "Entertainment", "10.99", day.AddDate(0, 1, 0))
	// Outside the 1% band, must not match
	seedTransaction(t, st, userID, businessID, "", "Spotify", "Entertainment", "15.99", day.AddDate(0, 2, 0))

	dates, err := st.RecurringDates(ctx, userID, "spotify", decimal.RequireFromString("-10.99"), types.ProfileBusiness)
	require.NoError(t, err)
	assert.Len(t, dates, 2)

	// Wrong profile type returns nothing
	dates, err = st.RecurringDates(ctx, userID, "spotify", decimal.RequireFromString("-10.99"), types.ProfilePersonal)
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestRecurringChargeExistsMatchesSubstring(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, _ := seedUser(t, st)

	require.NoError(t, st.CreateRecurringCharge(ctx, types.RecurringCharge{
		UserID:       userID,
		ProfileID:    businessID,
		Name:         "Spotify Premium",
		Amount:       decimal.RequireFromString("10.99"),
		Frequency:    types.FrequencyMonthly,
		NextDueDate:  time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC),
		AnnualAmount: decimal.RequireFromString("131.88"),
		Category:     "Entertainment",
	}))

	exists, err := st.RecurringChargeExists(ctx, userID, businessID, "spotify")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = st.RecurringChargeExists(ctx, userID, businessID, "netflix")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpsertBudgetSpentPreservesAmount(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, _ := seedUser(t, st)

	budget := types.Budget{
		UserID:    userID,
		ProfileID: businessID,
		Category:  "Software",
		Month:     3,
		Year:      2024,
		Amount:    decimal.RequireFromString("500.00"),
		Spent:     decimal.RequireFromString("120.00"),
	}
	require.NoError(t, st.UpsertBudgetSpent(ctx, budget))

	// Re-upserting with a different default amount only moves spent
	budget.Amount = decimal.RequireFromString("999.00")
	budget.Spent = decimal.RequireFromString("180.00")
	require.NoError(t, st.UpsertBudgetSpent(ctx, budget))

	got, err := st.GetBudget(ctx, userID, businessID, "Software", 3, 2024)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("500.00")), "amount changed: %s", got.Amount)
	assert.True(t, got.Spent.Equal(decimal.RequireFromString("180.00")), "spent not updated: %s", got.Spent)

	all, err := st.BudgetsForUser(ctx, userID, businessID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReviewQueueCount(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, businessID, _ := seedUser(t, st)

	statement := &types.BankStatement{
		UserID:     userID,
		ProfileID:  businessID,
		FileName:   "march.pdf",
		FileType:   "PDF",
		StorageKey: "local:///tmp/march.pdf",
	}
	require.NoError(t, st.CreateStatement(ctx, statement))

	tx := seedTransaction(t, st, userID, businessID, statement.ID, "Mystery Vendor", "Uncategorized Expense", "50.00",
		time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))

	require.NoError(t, st.CreateReviewEntry(ctx, types.ReviewQueueEntry{
		UserID:        userID,
		TransactionID: tx.ID,
		Confidence:    0.4,
		IssueType:     "LOW_CONFIDENCE",
		Severity:      types.SeverityHigh,
		Description:   "Likely miscategorization",
		Alternative: types.ReviewAlternative{
			Category: "Uncategorized Expense",
			Profile:  types.ProfileBusiness,
			Merchant: "Mystery Vendor",
		},
	}))

	count, err := st.CountOpenReviewEntriesForStatement(ctx, statement.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	userID, _, _ := seedUser(t, st)

	none, err := st.GetMetrics(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, none)

	metrics := types.FinancialMetrics{
		UserID:         userID,
		MonthlyIncome:  decimal.RequireFromString("8000.00"),
		MonthlyExpense: decimal.RequireFromString("5200.00"),
		BurnRate:       decimal.RequireFromString("-2800.00"),
		ComputedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, st.UpsertMetrics(ctx, metrics))
	require.NoError(t, st.UpsertMetrics(ctx, metrics))

	got, err := st.GetMetrics(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.MonthlyIncome.Equal(metrics.MonthlyIncome))
	assert.True(t, got.BurnRate.Equal(metrics.BurnRate))
}
