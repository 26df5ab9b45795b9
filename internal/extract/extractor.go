// Package extract turns raw statement files into normalized transaction
// records. PDF extraction works through a fallback chain: page-by-page vision
// extraction first, then whole-document text extraction, then sending the
// entire PDF in one completion call.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/lox/bank-statement-pipeline/internal/llm"
	"github.com/lox/bank-statement-pipeline/internal/pdf"
	"github.com/lox/bank-statement-pipeline/internal/types"
)

// ExtractionError is a terminal extraction failure after all fallbacks
type ExtractionError struct {
	Stage string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed at %s: %v", e.Stage, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

const (
	// Files above this size get page-by-page vision extraction first
	visionSizeThreshold = 100 * 1024
	// Files above this size use the lighter model for direct-PDF extraction
	lightModelThreshold = 150 * 1024
	// A text fallback yielding less than this is considered empty
	minTextLength = 100

	pageTimeout      = 60 * time.Second
	textTimeout      = 180 * time.Second
	directPDFTimeout = 300 * time.Second

	// Initial call plus three backoff retries at 2s, 4s and 8s
	pageAttempts  = 4
	pageBaseDelay = 2 * time.Second

	// Bank statements typically list 10-30 line items per page; first and
	// last pages carry more boilerplate
	minFirstPage    = 5
	minLastPage     = 3
	minInteriorPage = 10
)

// Config holds the models and pacing the extractor uses
type Config struct {
	VisionModel string
	TextModel   string
	LightModel  string
	// PageDelay paces vision calls to respect endpoint rate limits
	PageDelay time.Duration
}

type Extractor struct {
	llm    llm.Completer
	logger *log.Logger
	config Config

	// Injectable for tests
	splitPages  func([]byte) ([][]byte, error)
	extractText func([]byte) (string, error)
}

func New(completer llm.Completer, logger *log.Logger, config Config) *Extractor {
	if config.PageDelay == 0 {
		config.PageDelay = 1500 * time.Millisecond
	}
	return &Extractor{
		llm:         completer,
		logger:      logger,
		config:      config,
		splitPages:  pdf.SplitPages,
		extractText: pdf.ExtractText,
	}
}

type rawRecord struct {
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Category    string          `json:"category"`
}

type pageResponse struct {
	TransactionCount int            `json:"transaction_count"`
	BankInfo         types.BankInfo `json:"bank_info"`
	Transactions     []rawRecord    `json:"transactions"`
}

type documentResponse struct {
	BankInfo     types.BankInfo `json:"bank_info"`
	Transactions []rawRecord    `json:"transactions"`
}

type csvResponse struct {
	ColumnMapping map[string]string `json:"column_mapping"`
	BankInfo      types.BankInfo    `json:"bank_info"`
	Transactions  []rawRecord       `json:"transactions"`
}

// Extract produces normalized transactions and statement metadata from a
// statement file. declaredType is "PDF" or "CSV".
func (e *Extractor) Extract(ctx context.Context, fileBytes []byte, fileName, declaredType string) (*types.ExtractedData, error) {
	start := time.Now()
	e.logger.Info("Starting extraction",
		"file", fileName,
		"type", declaredType,
		"size", len(fileBytes))

	var (
		result *types.ExtractedData
		err    error
	)
	switch strings.ToUpper(declaredType) {
	case "CSV":
		result, err = e.extractCSV(ctx, fileBytes)
	case "PDF":
		result, err = e.extractPDF(ctx, fileBytes)
	default:
		return nil, &ExtractionError{Stage: "dispatch", Err: fmt.Errorf("unsupported file type %q", declaredType)}
	}
	if err != nil {
		return nil, err
	}

	result.Transactions = e.normalize(result.Transactions)

	e.logger.Info("Extraction completed",
		"file", fileName,
		"method", result.Method,
		"transactions", len(result.Transactions),
		"failed_pages", len(result.FailedPages),
		"duration", time.Since(start))
	return result, nil
}

func (e *Extractor) extractPDF(ctx context.Context, fileBytes []byte) (*types.ExtractedData, error) {
	if len(fileBytes) > visionSizeThreshold {
		result, err := e.extractPDFByPage(ctx, fileBytes)
		if err != nil {
			e.logger.Warn("Page-by-page extraction failed, falling back to text", "error", err)
		} else if len(result.Transactions) > 0 {
			return result, nil
		} else {
			e.logger.Warn("Page-by-page extraction yielded no transactions, falling back to text")
		}

		text, textErr := e.extractText(fileBytes)
		if textErr != nil {
			e.logger.Warn("PDF text extraction failed, falling back to direct PDF", "error", textErr)
		} else if len(strings.TrimSpace(text)) >= minTextLength {
			result, err := e.extractFromText(ctx, text)
			if err == nil && len(result.Transactions) > 0 {
				return result, nil
			}
			e.logger.Warn("Text extraction yielded nothing usable, falling back to direct PDF", "error", err)
		} else {
			e.logger.Warn("Extracted text too short, falling back to direct PDF", "length", len(text))
		}
	}

	return e.extractPDFDirect(ctx, fileBytes)
}

// extractPDFByPage splits the PDF into single pages and runs a vision
// completion per page. Pages that fail all retries are excluded and flagged,
// not fatal to the whole document.
func (e *Extractor) extractPDFByPage(ctx context.Context, fileBytes []byte) (*types.ExtractedData, error) {
	pages, err := e.splitPages(fileBytes)
	if err != nil {
		return nil, fmt.Errorf("split pages: %w", err)
	}

	e.logger.Info("Extracting PDF page by page", "pages", len(pages))

	result := &types.ExtractedData{
		Method:     "page_vision",
		PageCounts: make([]int, len(pages)),
	}

	for i, page := range pages {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.config.PageDelay):
			}
		}

		resp, err := e.extractPage(ctx, page, i, len(pages))
		if err != nil {
			e.logger.Warn("Page failed all extraction attempts",
				"page", i+1,
				"error", err)
			result.FailedPages = append(result.FailedPages, i+1)
			continue
		}

		result.PageCounts[i] = len(resp.Transactions)
		result.Transactions = append(result.Transactions, toRawTransactions(resp.Transactions)...)

		// Statement-level metadata comes from page 1 only
		if i == 0 {
			result.BankInfo = resp.BankInfo
		}

		e.logger.Debug("Page extracted",
			"page", i+1,
			"transactions", len(resp.Transactions),
			"reported_count", resp.TransactionCount)
	}

	return result, nil
}

// extractPage retries a single page until its transaction count looks
// plausible for the page position, keeping the best attempt rather than the
// last one.
func (e *Extractor) extractPage(ctx context.Context, page []byte, index, total int) (*pageResponse, error) {
	minCount := minimumPageCount(index, total)

	var best *pageResponse
	err := retry.Do(
		func() error {
			raw, err := e.llm.Complete(ctx, llm.Request{
				Model:      e.config.VisionModel,
				System:     extractionSystemPrompt,
				Prompt:     pagePrompt,
				Attachment: page,
				MIMEType:   "application/pdf",
				MaxTokens:  8192,
				Timeout:    pageTimeout,
			})
			if err != nil {
				return err
			}

			var resp pageResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return fmt.Errorf("decode page response: %w", err)
			}

			if best == nil || len(resp.Transactions) > len(best.Transactions) {
				best = &resp
			}
			if len(resp.Transactions) < minCount {
				return fmt.Errorf("page %d returned %d transactions, expected at least %d",
					index+1, len(resp.Transactions), minCount)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(pageAttempts),
		retry.Delay(pageBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("Retrying page extraction",
				"page", index+1,
				"attempt", n+1,
				"max_attempts", pageAttempts,
				"error", err)
		}),
	)
	if err != nil {
		// A best attempt with any transactions still beats dropping the page
		if best != nil && len(best.Transactions) > 0 {
			e.logger.Debug("Keeping best attempt below minimum count",
				"page", index+1,
				"transactions", len(best.Transactions),
				"minimum", minCount)
			return best, nil
		}
		return nil, err
	}
	return best, nil
}

func minimumPageCount(index, total int) int {
	switch {
	case index == 0:
		return minFirstPage
	case index == total-1:
		return minLastPage
	default:
		return minInteriorPage
	}
}

func (e *Extractor) extractFromText(ctx context.Context, text string) (*types.ExtractedData, error) {
	raw, err := e.llm.Complete(ctx, llm.Request{
		Model:     e.config.TextModel,
		System:    extractionSystemPrompt,
		Prompt:    documentTextPrompt + text,
		MaxTokens: 16384,
		Timeout:   textTimeout,
	})
	if err != nil {
		return nil, &ExtractionError{Stage: "text", Err: err}
	}

	var resp documentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ExtractionError{Stage: "text", Err: fmt.Errorf("decode response: %w", err)}
	}

	return &types.ExtractedData{
		Method:       "document_text",
		BankInfo:     resp.BankInfo,
		Transactions: toRawTransactions(resp.Transactions),
	}, nil
}

func (e *Extractor) extractPDFDirect(ctx context.Context, fileBytes []byte) (*types.ExtractedData, error) {
	model := e.config.TextModel
	if len(fileBytes) > lightModelThreshold {
		model = e.config.LightModel
		e.logger.Debug("Using light model for large direct-PDF extraction", "size", len(fileBytes))
	}

	raw, err := e.llm.Complete(ctx, llm.Request{
		Model:      model,
		System:     extractionSystemPrompt,
		Prompt:     documentPDFPrompt,
		Attachment: fileBytes,
		MIMEType:   "application/pdf",
		MaxTokens:  16384,
		Timeout:    directPDFTimeout,
	})
	if err != nil {
		return nil, &ExtractionError{Stage: "direct_pdf", Err: err}
	}

	var resp documentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ExtractionError{Stage: "direct_pdf", Err: fmt.Errorf("decode response: %w", err)}
	}

	return &types.ExtractedData{
		Method:       "direct_pdf",
		BankInfo:     resp.BankInfo,
		Transactions: toRawTransactions(resp.Transactions),
	}, nil
}

func (e *Extractor) extractCSV(ctx context.Context, fileBytes []byte) (*types.ExtractedData, error) {
	raw, err := e.llm.Complete(ctx, llm.Request{
		Model:     e.config.TextModel,
		System:    extractionSystemPrompt,
		Prompt:    csvPrompt + string(fileBytes),
		MaxTokens: 16384,
		Timeout:   textTimeout,
	})
	if err != nil {
		return nil, &ExtractionError{Stage: "csv", Err: err}
	}

	var resp csvResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ExtractionError{Stage: "csv", Err: fmt.Errorf("decode response: %w", err)}
	}

	e.logger.Debug("CSV parsed", "column_mapping", resp.ColumnMapping)

	return &types.ExtractedData{
		Method:       "csv",
		BankInfo:     resp.BankInfo,
		Transactions: toRawTransactions(resp.Transactions),
	}, nil
}

func toRawTransactions(records []rawRecord) []types.RawTransaction {
	out := make([]types.RawTransaction, 0, len(records))
	for _, r := range records {
		out = append(out, types.RawTransaction{
			Date:        r.Date,
			Description: r.Description,
			Amount:      r.Amount,
			Type:        r.Type,
			Category:    r.Category,
		})
	}
	return out
}

// dateLayouts covers the formats banks actually emit. ISO first so
// already-normalized dates round-trip unchanged.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"Jan 02, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006",
}

// normalize resolves every record to an ISO-8601 date and non-empty
// description. Malformed records are dropped and logged, not coerced.
func (e *Extractor) normalize(records []types.RawTransaction) []types.RawTransaction {
	out := make([]types.RawTransaction, 0, len(records))
	for _, r := range records {
		if strings.TrimSpace(r.Description) == "" {
			e.logger.Warn("Dropping record with empty description", "date", r.Date, "amount", r.Amount)
			continue
		}
		iso, ok := normalizeDate(r.Date)
		if !ok {
			e.logger.Warn("Dropping record with unparseable date",
				"date", r.Date,
				"description", r.Description)
			continue
		}
		r.Date = iso
		r.Description = strings.TrimSpace(r.Description)
		out = append(out, r)
	}
	return out
}

func normalizeDate(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
