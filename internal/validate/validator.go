// Package validate re-examines a persisted statement batch with a
// deterministic rule checker and a second model pass, merging the two into a
// single confidence and issue report. High-confidence category corrections
// from the model pass are auto-applied; everything else stays informational.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/llm"
	"github.com/lox/bank-statement-pipeline/internal/store"
	"github.com/lox/bank-statement-pipeline/internal/types"
)

const (
	// Corrections above this confidence are applied without review
	autoApplyThreshold = types.ReviewThreshold

	// Issue weights when deriving rule-check confidence
	highIssueWeight   = 0.15
	mediumIssueWeight = 0.08
	lowIssueWeight    = 0.03

	balanceTolerance = "0.01"

	// At most this many rows go into the AI re-validation prompt
	aiValidationLimit = 50

	aiTimeout = 120 * time.Second
)

type Validator struct {
	llm    llm.Completer
	store  *store.Store
	logger *log.Logger
	model  string
}

func New(completer llm.Completer, st *store.Store, logger *log.Logger, model string) *Validator {
	return &Validator{llm: completer, store: st, logger: logger, model: model}
}

// Validate runs both checks, merges them, auto-applies trustworthy
// corrections and persists the result onto the statement.
func (v *Validator) Validate(ctx context.Context, statement *types.BankStatement, extracted *types.ExtractedData, transactions []types.Transaction) (*types.ValidationResult, error) {
	start := time.Now()

	ruleIssues := v.ruleCheck(extracted, transactions)
	ruleConfidence := confidenceFromIssues(ruleIssues)

	result := &types.ValidationResult{
		Confidence:  ruleConfidence,
		Issues:      ruleIssues,
		ValidatedAt: time.Now().UTC(),
	}

	aiIssues, aiConfidence, err := v.aiCheck(ctx, transactions)
	if err != nil {
		// The AI pass degrading to rule-only is a recovered failure, not a
		// validation error
		v.logger.Warn("AI validation pass failed, using rule checks only", "error", err)
	} else {
		result.Issues = append(result.Issues, aiIssues...)
		result.Confidence = (ruleConfidence + aiConfidence) / 2

		if err := v.applyCorrections(ctx, statement.UserID, transactions, aiIssues); err != nil {
			return nil, err
		}
	}

	issuesJSON, err := json.Marshal(result.Issues)
	if err != nil {
		return nil, fmt.Errorf("marshal validation issues: %w", err)
	}
	if err := v.store.SetStatementValidation(ctx, statement.ID, result.Confidence, string(issuesJSON), result.ValidatedAt); err != nil {
		return nil, err
	}

	v.logger.Info("Validation completed",
		"statement", statement.ID,
		"confidence", result.Confidence,
		"issues", len(result.Issues),
		"duration", time.Since(start))
	return result, nil
}

// ruleCheck runs the deterministic checks over persisted data. Checks whose
// inputs are missing (no statement period, no balances) are skipped, not
// failed.
func (v *Validator) ruleCheck(extracted *types.ExtractedData, transactions []types.Transaction) []types.ValidationIssue {
	var issues []types.ValidationIssue

	// Dates within the declared statement period
	periodStart, okStart := parseDate(extracted.BankInfo.PeriodStart)
	periodEnd, okEnd := parseDate(extracted.BankInfo.PeriodEnd)
	if okStart && okEnd {
		for i, t := range transactions {
			if t.Date.Before(periodStart) || t.Date.After(periodEnd) {
				issues = append(issues, types.ValidationIssue{
					Type:             "DATE_OUT_OF_PERIOD",
					Severity:         types.SeverityMedium,
					Description:      fmt.Sprintf("transaction dated %s falls outside statement period %s to %s", t.Date.Format("2006-01-02"), extracted.BankInfo.PeriodStart, extracted.BankInfo.PeriodEnd),
					TransactionIndex: i,
					Source:           "rule",
				})
			}
		}
	}

	// Amounts consistent with the declared balance delta. Persisted rows
	// store amounts unsigned, so sum the raw extracted amounts, which keep
	// their sign for transfers in either direction.
	if extracted.BankInfo.BeginningBalance != nil && extracted.BankInfo.EndingBalance != nil {
		var net decimal.Decimal
		for _, t := range extracted.Transactions {
			net = net.Add(t.Amount)
		}
		expected := extracted.BankInfo.EndingBalance.Sub(*extracted.BankInfo.BeginningBalance)
		tolerance, _ := decimal.NewFromString(balanceTolerance)
		if net.Sub(expected).Abs().GreaterThan(tolerance) {
			issues = append(issues, types.ValidationIssue{
				Type:             "BALANCE_MISMATCH",
				Severity:         types.SeverityHigh,
				Description:      fmt.Sprintf("transaction net %s does not match balance delta %s; some transactions may be missing or misread", net, expected),
				TransactionIndex: -1,
				Source:           "rule",
			})
		}
	}

	// Duplicate transactions by date+amount+description
	counts := make(map[string][]int)
	for i, t := range transactions {
		key := fmt.Sprintf("%s|%s|%s", t.Date.Format("2006-01-02"), t.Amount, strings.ToLower(t.Description))
		counts[key] = append(counts[key], i)
	}
	var duplicates []types.ValidationIssue
	for _, indexes := range counts {
		if len(indexes) > 1 {
			duplicates = append(duplicates, types.ValidationIssue{
				Type:             "DUPLICATE_TRANSACTION",
				Severity:         types.SeverityMedium,
				Description:      fmt.Sprintf("%d transactions share the same date, amount and description", len(indexes)),
				TransactionIndex: indexes[0],
				Source:           "rule",
			})
		}
	}
	sort.Slice(duplicates, func(i, j int) bool {
		return duplicates[i].TransactionIndex < duplicates[j].TransactionIndex
	})
	issues = append(issues, duplicates...)

	return issues
}

func confidenceFromIssues(issues []types.ValidationIssue) float64 {
	confidence := 1.0
	for _, issue := range issues {
		switch issue.Severity {
		case types.SeverityHigh:
			confidence -= highIssueWeight
		case types.SeverityMedium:
			confidence -= mediumIssueWeight
		default:
			confidence -= lowIssueWeight
		}
	}
	return llm.Clamp01(confidence)
}

type aiIssue struct {
	TransactionIndex  int     `json:"transaction_index"`
	IssueType         string  `json:"issue_type"`
	Severity          string  `json:"severity"`
	Description       string  `json:"description"`
	SuggestedCategory string  `json:"suggested_category"`
	Confidence        float64 `json:"confidence"`
}

type aiResponse struct {
	Confidence float64   `json:"confidence"`
	Issues     []aiIssue `json:"issues"`
}

// aiCheck asks the model to flag transactions whose category or profile
// looks wrong
func (v *Validator) aiCheck(ctx context.Context, transactions []types.Transaction) ([]types.ValidationIssue, float64, error) {
	if len(transactions) == 0 {
		return nil, 1.0, nil
	}

	limit := min(len(transactions), aiValidationLimit)
	var sb strings.Builder
	sb.WriteString("Review the following categorized bank transactions and flag any whose category or business/personal assignment looks wrong.\n\n")
	for i, t := range transactions[:limit] {
		fmt.Fprintf(&sb, "%d. date=%s amount=%s type=%s category=%q merchant=%q description=%q\n",
			i+1, t.Date.Format("2006-01-02"), t.Amount, t.Type, t.Category, t.Merchant, t.Description)
	}
	sb.WriteString(`
Return JSON with this exact shape:
{"confidence": <0.0-1.0 overall confidence that the batch is correctly categorized>, "issues": [{"transaction_index": <1-based number>, "issue_type": "WRONG_CATEGORY|WRONG_PROFILE", "severity": "LOW|MEDIUM|HIGH", "description": "...", "suggested_category": "<correct category, or empty>", "confidence": <0.0-1.0>}]}

Only flag genuine problems; an empty issues array is a valid answer.`)

	raw, err := v.llm.Complete(ctx, llm.Request{
		Model:     v.model,
		System:    "You are a financial data auditor. Return ONLY valid JSON.",
		Prompt:    sb.String(),
		MaxTokens: 4096,
		Timeout:   aiTimeout,
	})
	if err != nil {
		return nil, 0, err
	}

	var resp aiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, 0, fmt.Errorf("decode validation response: %w", err)
	}

	issues := make([]types.ValidationIssue, 0, len(resp.Issues))
	for _, issue := range resp.Issues {
		if issue.TransactionIndex < 1 || issue.TransactionIndex > limit {
			v.logger.Warn("Discarding AI issue with out-of-range index", "index", issue.TransactionIndex)
			continue
		}
		issues = append(issues, types.ValidationIssue{
			Type:             issue.IssueType,
			Severity:         types.Severity(strings.ToUpper(issue.Severity)),
			Description:      issue.Description,
			TransactionIndex: issue.TransactionIndex - 1,
			SuggestedFix:     issue.SuggestedCategory,
			Confidence:       llm.Clamp01(issue.Confidence),
			Source:           "ai",
		})
	}
	return issues, llm.Clamp01(resp.Confidence), nil
}

// applyCorrections applies AI category suggestions above the auto-apply
// threshold; everything else remains informational
func (v *Validator) applyCorrections(ctx context.Context, userID string, transactions []types.Transaction, issues []types.ValidationIssue) error {
	for _, issue := range issues {
		if issue.Confidence <= autoApplyThreshold || issue.SuggestedFix == "" {
			continue
		}
		t := transactions[issue.TransactionIndex]
		if t.Category == issue.SuggestedFix {
			continue
		}

		category, err := v.store.FindOrCreateCategory(ctx, userID, issue.SuggestedFix)
		if err != nil {
			return err
		}
		if err := v.store.UpdateTransactionCategory(ctx, t.ID, category.Name, category.ID); err != nil {
			return err
		}
		v.logger.Info("Auto-applied category correction",
			"transaction", t.ID,
			"from", t.Category,
			"to", category.Name,
			"confidence", issue.Confidence)
	}
	return nil
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
