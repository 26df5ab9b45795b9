// Package enhance resolves the final classification for each categorized
// transaction by layering signal sources in priority order: user merchant
// rules, then the user's historical categorization patterns, then recurring
// charge detection, then the raw model output.
package enhance

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/types"
)

// Confidence boost weights. Merchant-rule matches dominate; historical and
// recurring matches are smaller additive boosts.
const (
	historicalBoostWeight = 0.10
	recurringBoost        = 0.05
	confidenceCap         = 0.99
)

// SignalSource supplies the learned signals the enhancer layers over the
// model output
type SignalSource interface {
	// MerchantRule returns the user's auto-apply rule for a merchant, or nil
	MerchantRule(ctx context.Context, userID, merchant string) (*types.MerchantRule, error)
	// HistoricalPattern returns how this merchant was categorized in the
	// user's past transactions, or nil if never seen
	HistoricalPattern(ctx context.Context, userID, merchant string) (*types.HistoricalPattern, error)
	// RecurringDates returns past transaction dates for this merchant and
	// amount (within tolerance) in the given profile
	RecurringDates(ctx context.Context, userID, merchant string, amount decimal.Decimal, profile types.ProfileType) ([]time.Time, error)
}

// Routing identifies the profiles a transaction can land in
type Routing struct {
	UserID             string
	BusinessProfileID  string
	PersonalProfileID  string
	StatementProfileID string
}

// Decision is the fully resolved classification for one transaction
type Decision struct {
	Categorized types.CategorizedTransaction
	Category    string
	Merchant    string
	ProfileType types.ProfileType
	ProfileID   string
	Type        types.TransactionType
	Confidence  float64
	IsRecurring bool
	Frequency   types.Frequency
	RuleApplied bool
	RuleID      string
}

type Enhancer struct {
	signals SignalSource
	logger  *log.Logger
}

func New(signals SignalSource, logger *log.Logger) *Enhancer {
	return &Enhancer{signals: signals, logger: logger}
}

// Enhance resolves the final category, profile, direction and blended
// confidence for one categorized transaction. Signal lookups that fail are
// logged and skipped; the model output always remains as the floor.
func (e *Enhancer) Enhance(ctx context.Context, tx types.CategorizedTransaction, routing Routing) Decision {
	d := Decision{
		Categorized: tx,
		Category:    tx.SuggestedCategory,
		Merchant:    tx.Merchant,
		ProfileType: tx.ProfileType,
		Confidence:  tx.Confidence,
		IsRecurring: tx.IsRecurring,
		Frequency:   InferFrequency(tx.Raw.Description),
	}
	if d.Merchant == "" {
		d.Merchant = tx.Raw.Description
	}

	// 1. Merchant rule: highest priority, overrides category and profile
	rule, err := e.signals.MerchantRule(ctx, routing.UserID, d.Merchant)
	if err != nil {
		e.logger.Warn("Merchant rule lookup failed", "merchant", d.Merchant, "error", err)
	} else if rule != nil && rule.AutoApply {
		d.Category = rule.Category
		if rule.Profile != "" {
			d.ProfileType = rule.Profile
		}
		d.Confidence = types.MerchantRuleConfidence
		d.RuleApplied = true
		d.RuleID = rule.ID
		e.logger.Debug("Merchant rule applied",
			"merchant", d.Merchant,
			"category", rule.Category,
			"rule_id", rule.ID)
	}

	// 2. Historical pattern: adopted only when it beats the model's own
	// confidence and clears the floor
	var historical *types.HistoricalPattern
	if !d.RuleApplied {
		historical, err = e.signals.HistoricalPattern(ctx, routing.UserID, d.Merchant)
		if err != nil {
			e.logger.Warn("Historical pattern lookup failed", "merchant", d.Merchant, "error", err)
			historical = nil
		} else if historical != nil &&
			historical.Confidence > types.HistoricalFloor &&
			historical.Confidence > tx.Confidence {
			d.Category = historical.Category
			if historical.Profile != "" {
				d.ProfileType = historical.Profile
			}
			e.logger.Debug("Historical pattern applied",
				"merchant", d.Merchant,
				"category", historical.Category,
				"pattern_confidence", historical.Confidence,
				"occurrences", historical.Count)
		}
	}

	// 3. Recurring detection: independent of category, can set the flag the
	// model missed
	dates, err := e.signals.RecurringDates(ctx, routing.UserID, d.Merchant, tx.Raw.Amount, d.ProfileType)
	if err != nil {
		e.logger.Warn("Recurring lookup failed", "merchant", d.Merchant, "error", err)
	} else if current, parseErr := time.Parse("2006-01-02", tx.Raw.Date); parseErr == nil {
		if recurring, freq := DetectRecurring(dates, current); recurring {
			d.IsRecurring = true
			d.Frequency = freq
		}
	}

	// 4. Blended confidence
	if !d.RuleApplied {
		if historical != nil && historical.Confidence > types.HistoricalFloor {
			d.Confidence += historicalBoostWeight * historical.Confidence
		}
	}
	if d.IsRecurring {
		d.Confidence += recurringBoost
	}
	if d.Confidence > confidenceCap {
		d.Confidence = confidenceCap
	}

	// 5. Profile routing and direction
	d.ProfileID = routeProfile(d.ProfileType, routing)
	d.Type = DeriveType(tx.Raw.Amount, tx.Raw.Description, d.Category)

	return d
}

// routeProfile picks the destination profile, falling back to the profile
// the statement was uploaded under when no matching profile exists.
func routeProfile(pt types.ProfileType, routing Routing) string {
	switch {
	case pt == types.ProfileBusiness && routing.BusinessProfileID != "":
		return routing.BusinessProfileID
	case pt == types.ProfilePersonal && routing.PersonalProfileID != "":
		return routing.PersonalProfileID
	default:
		return routing.StatementProfileID
	}
}

// Interval windows in days for regular recurrence
var frequencyWindows = []struct {
	freq     types.Frequency
	min, max float64
}{
	{types.FrequencyWeekly, 6, 8},
	{types.FrequencyMonthly, 25, 35},
	{types.FrequencyQuarterly, 85, 95},
}

// DetectRecurring reports whether the transaction dates (prior occurrences
// plus the current one) land at a regular interval. Requires at least two
// prior occurrences.
func DetectRecurring(prior []time.Time, current time.Time) (bool, types.Frequency) {
	if len(prior) < 2 {
		return false, ""
	}
	dates := append(append([]time.Time{}, prior...), current)
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	gaps := make([]float64, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		gaps = append(gaps, dates[i].Sub(dates[i-1]).Hours()/24)
	}

	for _, w := range frequencyWindows {
		all := true
		for _, g := range gaps {
			if g < w.min || g > w.max {
				all = false
				break
			}
		}
		if all {
			return true, w.freq
		}
	}
	return false, ""
}
