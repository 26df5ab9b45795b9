// Package categorize assigns a category, merchant, profile and confidence to
// every extracted transaction by batching them through the completion model.
// No transaction is ever dropped: anything the model loses degrades to a
// low-confidence fallback entry instead.
package categorize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/lox/bank-statement-pipeline/internal/llm"
	"github.com/lox/bank-statement-pipeline/internal/types"
)

const (
	// BatchSize keeps each completion call fast and under response limits
	BatchSize = 10

	batchAttempts = 3
	batchTimeout  = 90 * time.Second

	// fallbackConfidence marks synthesized entries as untrustworthy
	fallbackConfidence = 0.35

	// Max levenshtein distance for matching a returned description back to
	// an input when ordinals are missing or wrong
	descriptionMatchDistance = 3
)

// Config holds the model and concurrency for categorization
type Config struct {
	Model       string
	Concurrency int
}

// UserContext gives the model the user's existing taxonomy
type UserContext struct {
	UserID       string
	Categories   []string
	BusinessName string
}

type Categorizer struct {
	llm    llm.Completer
	logger *log.Logger
	config Config
}

func New(completer llm.Completer, logger *log.Logger, config Config) *Categorizer {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Categorizer{llm: completer, logger: logger, config: config}
}

type batchItem struct {
	Index       int     `json:"index"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Merchant    string  `json:"merchant"`
	IsRecurring bool    `json:"is_recurring"`
	ProfileType string  `json:"profile_type"`
	Reasoning   string  `json:"reasoning"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
	Amount      string  `json:"amount"`
}

type batchResponse struct {
	Transactions []batchItem `json:"transactions"`
}

// Categorize processes transactions in fixed-size batches and returns one
// CategorizedTransaction per input, in original order. Batches may run
// concurrently; aggregation is deterministic by batch index.
func (c *Categorizer) Categorize(ctx context.Context, transactions []types.RawTransaction, userCtx UserContext) ([]types.CategorizedTransaction, error) {
	if len(transactions) == 0 {
		return nil, nil
	}
	start := time.Now()

	var batches [][]types.RawTransaction
	for i := 0; i < len(transactions); i += BatchSize {
		end := min(i+BatchSize, len(transactions))
		batches = append(batches, transactions[i:end])
	}

	c.logger.Info("Starting categorization",
		"transactions", len(transactions),
		"batches", len(batches),
		"batch_size", BatchSize)

	results := make([][]types.CategorizedTransaction, len(batches))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)

	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			results[i] = c.categorizeBatch(gCtx, batch, userCtx, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]types.CategorizedTransaction, 0, len(transactions))
	for _, r := range results {
		out = append(out, r...)
	}

	var fallbacks int
	for _, t := range out {
		if t.Fallback {
			fallbacks++
		}
	}
	c.logger.Info("Categorization completed",
		"transactions", len(out),
		"fallbacks", fallbacks,
		"duration", time.Since(start))
	return out, nil
}

// categorizeBatch never fails: on exhausted retries the whole batch degrades
// to fallback entries.
func (c *Categorizer) categorizeBatch(ctx context.Context, batch []types.RawTransaction, userCtx UserContext, batchIndex int) []types.CategorizedTransaction {
	var items []batchItem
	err := retry.Do(
		func() error {
			raw, err := c.llm.Complete(ctx, llm.Request{
				Model:     c.config.Model,
				System:    categorizationSystemPrompt,
				Prompt:    buildBatchPrompt(batch, userCtx),
				MaxTokens: 4096,
				Timeout:   batchTimeout,
			})
			if err != nil {
				return err
			}
			var resp batchResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return fmt.Errorf("decode batch response: %w", err)
			}
			if len(resp.Transactions) == 0 {
				return fmt.Errorf("batch response contained no transactions")
			}
			items = resp.Transactions
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(batchAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying categorization batch",
				"batch", batchIndex,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil {
		c.logger.Error("Batch failed all attempts, synthesizing fallbacks",
			"batch", batchIndex,
			"size", len(batch),
			"error", err)
		out := make([]types.CategorizedTransaction, len(batch))
		for i, t := range batch {
			out[i] = fallbackEntry(t)
		}
		return out
	}

	return c.reconcile(batch, items, batchIndex)
}

// reconcile maps returned items back onto inputs: by 1-based ordinal first,
// then by description similarity or exact date+amount. Inputs with no match
// get a synthesized fallback so counts always line up.
func (c *Categorizer) reconcile(batch []types.RawTransaction, items []batchItem, batchIndex int) []types.CategorizedTransaction {
	out := make([]types.CategorizedTransaction, len(batch))
	filled := make([]bool, len(batch))
	used := make([]bool, len(items))

	// Pass 1: ordinal matching
	for j, item := range items {
		if item.Index >= 1 && item.Index <= len(batch) && !filled[item.Index-1] {
			out[item.Index-1] = fromItem(batch[item.Index-1], item)
			filled[item.Index-1] = true
			used[j] = true
		}
	}

	// Pass 2: description / date+amount matching for anything left
	for i := range batch {
		if filled[i] {
			continue
		}
		for j, item := range items {
			if used[j] {
				continue
			}
			if matchesTransaction(batch[i], item) {
				out[i] = fromItem(batch[i], item)
				filled[i] = true
				used[j] = true
				break
			}
		}
	}

	// Pass 3: synthesize fallbacks for the rest
	var fallbacks int
	for i := range batch {
		if !filled[i] {
			out[i] = fallbackEntry(batch[i])
			fallbacks++
		}
	}
	if fallbacks > 0 {
		c.logger.Warn("Model dropped transactions from batch, synthesized fallbacks",
			"batch", batchIndex,
			"sent", len(batch),
			"returned", len(items),
			"fallbacks", fallbacks)
	}
	return out
}

func matchesTransaction(t types.RawTransaction, item batchItem) bool {
	if item.Description != "" {
		a := strings.ToLower(strings.TrimSpace(t.Description))
		b := strings.ToLower(strings.TrimSpace(item.Description))
		if a == b || levenshtein.ComputeDistance(a, b) <= descriptionMatchDistance {
			return true
		}
	}
	if item.Date != "" && item.Amount != "" {
		return item.Date == t.Date && item.Amount == t.Amount.String()
	}
	return false
}

func fromItem(t types.RawTransaction, item batchItem) types.CategorizedTransaction {
	profile := types.ProfilePersonal
	if strings.EqualFold(item.ProfileType, string(types.ProfileBusiness)) {
		profile = types.ProfileBusiness
	}
	return types.CategorizedTransaction{
		Raw:               t,
		SuggestedCategory: item.Category,
		Confidence:        llm.Clamp01(item.Confidence),
		Merchant:          item.Merchant,
		IsRecurring:       item.IsRecurring,
		ProfileType:       profile,
		Reasoning:         item.Reasoning,
	}
}

func fallbackEntry(t types.RawTransaction) types.CategorizedTransaction {
	category := "Uncategorized Expense"
	profile := types.ProfilePersonal
	if t.Amount.IsPositive() {
		category = "Business Revenue"
		profile = types.ProfileBusiness
	}
	return types.CategorizedTransaction{
		Raw:               t,
		SuggestedCategory: category,
		Confidence:        fallbackConfidence,
		Merchant:          t.Description,
		ProfileType:       profile,
		Reasoning:         "Auto-generated fallback: model response did not include this transaction",
		Fallback:          true,
	}
}

const categorizationSystemPrompt = "You are a financial transaction categorizer. " +
	"Return ONLY valid JSON. The transactions array in your response MUST contain " +
	"exactly one entry per numbered input transaction, carrying its index."

func buildBatchPrompt(batch []types.RawTransaction, userCtx UserContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Categorize the following %d bank transactions.\n\n", len(batch))

	for i, t := range batch {
		fmt.Fprintf(&sb, "%d. date=%s amount=%s description=%q", i+1, t.Date, t.Amount.String(), t.Description)
		if t.Category != "" {
			fmt.Fprintf(&sb, " category_hint=%q", t.Category)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`
Return JSON with this exact shape:
{"transactions": [{"index": <1-based input number>, "category": "...", "confidence": <0.0-1.0>, "merchant": "...", "is_recurring": <bool>, "profile_type": "BUSINESS|PERSONAL", "reasoning": "...", "description": "<input description>", "date": "<input date>", "amount": "<input amount>"}]}

RULES:
1. The array length MUST equal `)
	fmt.Fprintf(&sb, "%d", len(batch))
	sb.WriteString(`; one entry per input, in order.
2. merchant is the cleaned counterparty name: strip processor prefixes (SQ *, TST*, PAYPAL *), card numbers and reference codes, use proper case.
3. is_recurring is true for subscriptions, utilities, rent, insurance and other charges that repeat on a schedule.
4. profile_type is BUSINESS for revenue, vendor payments, software, contractors and business services; PERSONAL otherwise.
5. confidence reflects how certain the categorization is, not how certain the extraction was.
`)

	if len(userCtx.Categories) > 0 {
		sb.WriteString("\nPrefer the user's existing categories where they fit:\n")
		for _, name := range userCtx.Categories {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
	}
	if userCtx.BusinessName != "" {
		fmt.Fprintf(&sb, "\nThe user runs a business called %q; payments to or from it are BUSINESS.\n", userCtx.BusinessName)
	}
	return sb.String()
}
