package enhance

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/types"
)

// transferKeywords is the explicit transfer language that flips a
// sign-derived type to TRANSFER.
var transferKeywords = []string{
	"transfer to",
	"transfer from",
	"wire transfer",
	"internal transfer",
	"online transfer",
	"balance transfer",
}

// processorKeywords is a hand-maintained list of payment-processor payout
// wording that must NOT trigger the transfer override; these are income.
// Known accuracy gap: novel processors will misclassify until added here.
var processorKeywords = []string{
	"stripe",
	"paypal",
	"venmo",
	"zelle",
	"square",
	"payout",
}

var incomeKeywords = []string{
	"salary",
	"payroll",
	"dividend",
	"interest payment",
	"refund",
	"direct deposit",
	"revenue",
}

// DeriveType maps a signed amount and description/category wording to a
// transaction direction. The sign is the base signal; keyword overrides
// never silently contradict it.
func DeriveType(amount decimal.Decimal, description, category string) types.TransactionType {
	desc := strings.ToLower(description)
	cat := strings.ToLower(category)

	if amount.Sign() >= 0 && (containsAny(desc, incomeKeywords) || containsAny(cat, incomeKeywords)) {
		return types.TransactionIncome
	}

	if containsAny(desc, transferKeywords) && !containsAny(desc, processorKeywords) {
		return types.TransactionTransfer
	}

	if amount.Sign() >= 0 {
		return types.TransactionIncome
	}
	return types.TransactionExpense
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// InferFrequency reads recurrence wording out of a description, defaulting
// to monthly, which is what most subscriptions and utilities are.
func InferFrequency(description string) types.Frequency {
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "annual") || strings.Contains(desc, "yearly"):
		return types.FrequencyAnnual
	case strings.Contains(desc, "quarterly"):
		return types.FrequencyQuarterly
	case strings.Contains(desc, "weekly"):
		return types.FrequencyWeekly
	default:
		return types.FrequencyMonthly
	}
}

// PeriodMultiplier converts one charge at the given frequency to a yearly
// amount.
func PeriodMultiplier(f types.Frequency) int64 {
	switch f {
	case types.FrequencyWeekly:
		return 52
	case types.FrequencyQuarterly:
		return 4
	case types.FrequencyAnnual:
		return 1
	default:
		return 12
	}
}
