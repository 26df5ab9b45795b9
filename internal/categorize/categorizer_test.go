package categorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bank-statement-pipeline/internal/llm"
	"github.com/lox/bank-statement-pipeline/internal/types"
)

type scriptedCompleter struct {
	complete func(req llm.Request) (json.RawMessage, error)
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	return s.complete(req)
}

func newTestCategorizer(completer llm.Completer) *Categorizer {
	return New(completer, log.New(io.Discard), Config{Model: "test-model", Concurrency: 1})
}

func rawTransaction(i int, amount string) types.RawTransaction {
	return types.RawTransaction{
		Date:        "2024-03-01",
		Description: fmt.Sprintf("MERCHANT %d", i),
		Amount:      decimal.RequireFromString(amount),
	}
}

func batchJSON(t *testing.T, items []batchItem) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(batchResponse{Transactions: items})
	require.NoError(t, err)
	return raw
}

func TestCategorizeSynthesizesFallbacksForDroppedTransactions(t *testing.T) {
	// 10 transactions in, model returns only 8: every input still gets an
	// output, the missing two as low-confidence fallbacks.
	transactions := make([]types.RawTransaction, 10)
	for i := range transactions {
		transactions[i] = rawTransaction(i+1, "-20.00")
	}

	var items []batchItem
	for i := 1; i <= 8; i++ {
		items = append(items, batchItem{
			Index:       i,
			Category:    "Office Supplies",
			Confidence:  0.9,
			Merchant:    fmt.Sprintf("Merchant %d", i),
			ProfileType: "BUSINESS",
		})
	}

	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			return batchJSON(t, items), nil
		},
	}

	out, err := newTestCategorizer(completer).Categorize(context.Background(), transactions, UserContext{})
	require.NoError(t, err)
	require.Len(t, out, 10)

	for i := 0; i < 8; i++ {
		assert.False(t, out[i].Fallback, "transaction %d", i)
		assert.Equal(t, "Office Supplies", out[i].SuggestedCategory)
	}
	for i := 8; i < 10; i++ {
		assert.True(t, out[i].Fallback, "transaction %d", i)
		assert.LessOrEqual(t, out[i].Confidence, 0.40)
		assert.Equal(t, "Uncategorized Expense", out[i].SuggestedCategory)
	}
}

func TestCategorizeWholeBatchFallsBackWhenModelFails(t *testing.T) {
	transactions := []types.RawTransaction{
		rawTransaction(1, "150.00"),
		rawTransaction(2, "-42.50"),
	}

	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			return nil, errors.New("model unavailable")
		},
	}

	out, err := newTestCategorizer(completer).Categorize(context.Background(), transactions, UserContext{})
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Positive amounts default to revenue, negative to uncategorized expense
	assert.True(t, out[0].Fallback)
	assert.Equal(t, "Business Revenue", out[0].SuggestedCategory)
	assert.Equal(t, types.ProfileBusiness, out[0].ProfileType)
	assert.True(t, out[1].Fallback)
	assert.Equal(t, "Uncategorized Expense", out[1].SuggestedCategory)
	assert.Equal(t, types.ProfilePersonal, out[1].ProfileType)
}

func TestReconcileMatchesByDescriptionWhenOrdinalsMissing(t *testing.T) {
	batch := []types.RawTransaction{
		{Date: "2024-03-01", Description: "NETFLIX.COM", Amount: decimal.RequireFromString("-15.49")},
		{Date: "2024-03-02", Description: "SHELL OIL 5512", Amount: decimal.RequireFromString("-48.12")},
	}

	// No usable ordinals; one near-miss description, one exact date+amount
	items := []batchItem{
		{Category: "Entertainment", Confidence: 0.92, Description: "NETFLIX.CON"},
		{Category: "Gas", Confidence: 0.88, Date: "2024-03-02", Amount: "-48.12"},
	}

	c := newTestCategorizer(&scriptedCompleter{})
	out := c.reconcile(batch, items, 0)
	require.Len(t, out, 2)
	assert.Equal(t, "Entertainment", out[0].SuggestedCategory)
	assert.False(t, out[0].Fallback)
	assert.Equal(t, "Gas", out[1].SuggestedCategory)
	assert.False(t, out[1].Fallback)
}

func TestReconcileNeverReusesAReturnedItem(t *testing.T) {
	batch := []types.RawTransaction{
		{Date: "2024-03-01", Description: "COFFEE SHOP", Amount: decimal.RequireFromString("-4.50")},
		{Date: "2024-03-02", Description: "COFFEE SHOP", Amount: decimal.RequireFromString("-4.50")},
	}

	items := []batchItem{
		{Index: 1, Category: "Dining", Confidence: 0.9, Description: "COFFEE SHOP"},
	}

	c := newTestCategorizer(&scriptedCompleter{})
	out := c.reconcile(batch, items, 0)
	require.Len(t, out, 2)
	assert.Equal(t, "Dining", out[0].SuggestedCategory)
	assert.True(t, out[1].Fallback)
}

func TestCategorizePreservesInputOrderAcrossBatches(t *testing.T) {
	// 25 transactions across 3 batches, concurrency > 1
	transactions := make([]types.RawTransaction, 25)
	for i := range transactions {
		transactions[i] = types.RawTransaction{
			Date:        "2024-03-01",
			Description: fmt.Sprintf("UNIQUE MERCHANT NUMBER %04d", i),
			Amount:      decimal.RequireFromString("-10.00"),
		}
	}

	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			// Echo each numbered input back with its description as category
			var items []batchItem
			var n int
			fmt.Sscanf(req.Prompt, "Categorize the following %d", &n)
			for i := 1; i <= n; i++ {
				items = append(items, batchItem{Index: i, Category: "Echo", Confidence: 0.8})
			}
			return json.Marshal(batchResponse{Transactions: items})
		},
	}

	c := New(completer, log.New(io.Discard), Config{Model: "test-model", Concurrency: 4})
	out, err := c.Categorize(context.Background(), transactions, UserContext{})
	require.NoError(t, err)
	require.Len(t, out, 25)
	for i, got := range out {
		assert.Equal(t, transactions[i].Description, got.Raw.Description, "position %d", i)
	}
}

func TestBuildBatchPromptIncludesUserTaxonomy(t *testing.T) {
	batch := []types.RawTransaction{rawTransaction(1, "-10.00")}
	prompt := buildBatchPrompt(batch, UserContext{
		Categories:   []string{"Software", "Travel"},
		BusinessName: "Acme Consulting",
	})
	assert.Contains(t, prompt, "- Software")
	assert.Contains(t, prompt, "- Travel")
	assert.Contains(t, prompt, "Acme Consulting")
}
