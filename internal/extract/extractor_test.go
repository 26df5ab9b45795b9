package extract

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bank-statement-pipeline/internal/llm"
)

// scriptedCompleter routes each completion call through a test-supplied
// function
type scriptedCompleter struct {
	complete func(req llm.Request) (json.RawMessage, error)
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	return s.complete(req)
}

func newTestExtractor(completer llm.Completer) *Extractor {
	logger := log.New(io.Discard)
	e := New(completer, logger, Config{
		VisionModel: "vision-model",
		TextModel:   "text-model",
		LightModel:  "light-model",
		PageDelay:   time.Millisecond,
	})
	return e
}

func pageJSON(t *testing.T, count int) json.RawMessage {
	t.Helper()
	resp := pageResponse{TransactionCount: count}
	for i := 0; i < count; i++ {
		resp.Transactions = append(resp.Transactions, rawRecord{
			Date:        "2024-03-01",
			Description: "Line item",
		})
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	return raw
}

func TestExtractPageRetriesUntilPlausibleCount(t *testing.T) {
	// Interior page, minimum 10. First attempt comes back short, second
	// attempt passes.
	counts := []int{4, 12}
	calls := 0
	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			count := counts[calls]
			calls++
			return pageJSON(t, count), nil
		},
	}

	e := newTestExtractor(completer)
	resp, err := e.extractPage(context.Background(), []byte("page"), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, resp.Transactions, 12)
}

func TestExtractPageKeepsBestAttemptOnExhaustion(t *testing.T) {
	// Every attempt is below the interior minimum. The attempt with the most
	// transactions is still returned rather than dropping the page.
	counts := []int{4, 7, 2, 6}
	calls := 0
	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			count := counts[calls]
			calls++
			return pageJSON(t, count), nil
		},
	}

	e := newTestExtractor(completer)
	resp, err := e.extractPage(context.Background(), []byte("page"), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, pageAttempts, calls)
	assert.Len(t, resp.Transactions, 7)
}

func TestExtractPageFailsWhenNoAttemptYieldsTransactions(t *testing.T) {
	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			return nil, errors.New("model unavailable")
		},
	}

	e := newTestExtractor(completer)
	_, err := e.extractPage(context.Background(), []byte("page"), 0, 1)
	require.Error(t, err)
}

func TestMinimumPageCount(t *testing.T) {
	assert.Equal(t, 5, minimumPageCount(0, 3))
	assert.Equal(t, 10, minimumPageCount(1, 3))
	assert.Equal(t, 3, minimumPageCount(2, 3))
	// A single-page document is the first page
	assert.Equal(t, 5, minimumPageCount(0, 1))
}

func TestExtractPDFByPageCollectsPagesAndFlagsFailures(t *testing.T) {
	// 3 pages; the interior page errors on every attempt and is flagged, the
	// outer pages succeed.
	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			// The page payload is the attachment; route on its contents
			switch string(req.Attachment) {
			case "page-2":
				return nil, errors.New("model unavailable")
			case "page-1":
				return pageJSON(t, 6), nil
			default:
				return pageJSON(t, 4), nil
			}
		},
	}

	e := newTestExtractor(completer)
	e.splitPages = func(data []byte) ([][]byte, error) {
		return [][]byte{[]byte("page-1"), []byte("page-2"), []byte("page-3")}, nil
	}

	result, err := e.extractPDFByPage(context.Background(), []byte("whole-pdf"))
	require.NoError(t, err)
	assert.Equal(t, "page_vision", result.Method)
	assert.Len(t, result.Transactions, 10)
	assert.Equal(t, []int{2}, result.FailedPages)
	assert.Equal(t, []int{6, 0, 4}, result.PageCounts)
}

func TestExtractFallsBackToTextWhenSplitFails(t *testing.T) {
	documentResp := documentResponse{
		Transactions: []rawRecord{
			{Date: "03/01/2024", Description: "ACME SUPPLIES"},
			{Date: "2024-03-02", Description: "PAYROLL DEPOSIT"},
		},
	}
	raw, err := json.Marshal(documentResp)
	require.NoError(t, err)

	var usedModel string
	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			usedModel = req.Model
			return raw, nil
		},
	}

	e := newTestExtractor(completer)
	e.splitPages = func(data []byte) ([][]byte, error) {
		return nil, errors.New("encrypted document")
	}
	longText := make([]byte, 200)
	for i := range longText {
		longText[i] = 'x'
	}
	e.extractText = func(data []byte) (string, error) {
		return string(longText), nil
	}

	// Large enough to enter the page-by-page path before falling back
	fileBytes := make([]byte, visionSizeThreshold+1)
	result, err := e.Extract(context.Background(), fileBytes, "statement.pdf", "PDF")
	require.NoError(t, err)
	assert.Equal(t, "document_text", result.Method)
	assert.Equal(t, "text-model", usedModel)
	require.Len(t, result.Transactions, 2)
	assert.Equal(t, "2024-03-01", result.Transactions[0].Date)
}

func TestExtractSmallPDFGoesDirect(t *testing.T) {
	documentResp := documentResponse{
		Transactions: []rawRecord{{Date: "2024-03-01", Description: "COFFEE"}},
	}
	raw, err := json.Marshal(documentResp)
	require.NoError(t, err)

	completer := &scriptedCompleter{
		complete: func(req llm.Request) (json.RawMessage, error) {
			return raw, nil
		},
	}

	e := newTestExtractor(completer)
	result, err := e.Extract(context.Background(), []byte("tiny"), "statement.pdf", "PDF")
	require.NoError(t, err)
	assert.Equal(t, "direct_pdf", result.Method)
}

func TestExtractRejectsUnknownFileType(t *testing.T) {
	e := newTestExtractor(&scriptedCompleter{})
	_, err := e.Extract(context.Background(), []byte("data"), "statement.xlsx", "XLSX")
	require.Error(t, err)
	var extractionErr *ExtractionError
	require.True(t, errors.As(err, &extractionErr))
	assert.Equal(t, "dispatch", extractionErr.Stage)
}

func TestNormalizeDropsMalformedRecords(t *testing.T) {
	e := newTestExtractor(&scriptedCompleter{})

	records := toRawTransactions([]rawRecord{
		{Date: "Jan 5, 2024", Description: "  NETFLIX.COM  "},
		{Date: "2024-01-06", Description: ""},
		{Date: "not a date", Description: "MYSTERY CHARGE"},
		{Date: "01/07/2024", Description: "GROCERY STORE"},
	})

	out := e.normalize(records)
	require.Len(t, out, 2)
	assert.Equal(t, "2024-01-05", out[0].Date)
	assert.Equal(t, "NETFLIX.COM", out[0].Description)
	assert.Equal(t, "2024-01-07", out[1].Date)
}
