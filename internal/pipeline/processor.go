// Package pipeline orchestrates the statement processing stages: download,
// extract, categorize, enhance, persist, validate, aggregate. Statement
// status transitions are the observability surface: any unrecovered stage
// error marks the statement FAILED with the error captured, never leaving it
// stuck mid-stage.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lox/bank-statement-pipeline/internal/aggregate"
	"github.com/lox/bank-statement-pipeline/internal/blob"
	"github.com/lox/bank-statement-pipeline/internal/categorize"
	"github.com/lox/bank-statement-pipeline/internal/enhance"
	"github.com/lox/bank-statement-pipeline/internal/extract"
	"github.com/lox/bank-statement-pipeline/internal/persist"
	"github.com/lox/bank-statement-pipeline/internal/store"
	"github.com/lox/bank-statement-pipeline/internal/types"
)

// Config controls per-run behavior
type Config struct {
	Progress bool
	// BusinessName gives the categorizer context about the user's business
	BusinessName string
}

// Validator re-examines a persisted batch and reports a confidence verdict
type Validator interface {
	Validate(ctx context.Context, statement *types.BankStatement, extracted *types.ExtractedData, transactions []types.Transaction) (*types.ValidationResult, error)
}

// Processor runs one statement through all pipeline stages
type Processor struct {
	store       *store.Store
	blob        blob.Downloader
	extractor   *extract.Extractor
	categorizer *categorize.Categorizer
	enhancer    *enhance.Enhancer
	persister   *persist.Persister
	validator   Validator
	aggregator  *aggregate.Aggregator
	logger      *log.Logger
}

// NewProcessor creates a processor with explicit dependencies
func NewProcessor(
	st *store.Store,
	downloader blob.Downloader,
	extractor *extract.Extractor,
	categorizer *categorize.Categorizer,
	enhancer *enhance.Enhancer,
	persister *persist.Persister,
	validator Validator,
	aggregator *aggregate.Aggregator,
	logger *log.Logger,
) *Processor {
	return &Processor{
		store:       st,
		blob:        downloader,
		extractor:   extractor,
		categorizer: categorizer,
		enhancer:    enhancer,
		persister:   persister,
		validator:   validator,
		aggregator:  aggregator,
		logger:      logger,
	}
}

// Process runs the full pipeline for one statement
func (p *Processor) Process(ctx context.Context, statementID string, config Config) error {
	start := time.Now()

	statement, err := p.store.GetStatement(ctx, statementID)
	if err != nil {
		return err
	}

	p.logger.Info("Processing statement",
		"id", statement.ID,
		"file", statement.FileName,
		"type", statement.FileType)

	fail := func(stageErr error) error {
		if updateErr := p.store.UpdateStatementStatus(ctx, statement.ID, types.StatementFailed, types.StageFailed, stageErr.Error()); updateErr != nil {
			p.logger.Error("Failed to mark statement failed", "id", statement.ID, "error", updateErr)
		}
		return stageErr
	}

	// Stage: extraction
	if err := p.store.UpdateStatementStatus(ctx, statement.ID, types.StatementProcessing, types.StageExtracting, ""); err != nil {
		return err
	}

	fileBytes, err := p.blob.Download(ctx, statement.StorageKey)
	if err != nil {
		return fail(fmt.Errorf("download statement file: %w", err))
	}

	extracted, err := p.extractor.Extract(ctx, fileBytes, statement.FileName, statement.FileType)
	if err != nil {
		return fail(err)
	}
	if len(extracted.Transactions) == 0 {
		return fail(fmt.Errorf("no transactions could be extracted from %s", statement.FileName))
	}

	// Stage: categorization
	if err := p.store.UpdateStatementStage(ctx, statement.ID, types.StageCategorizing); err != nil {
		return err
	}

	categoryNames, err := p.store.CategoryNamesForUser(ctx, statement.UserID)
	if err != nil {
		return fail(err)
	}
	categorized, err := p.categorizer.Categorize(ctx, extracted.Transactions, categorize.UserContext{
		UserID:       statement.UserID,
		Categories:   categoryNames,
		BusinessName: config.BusinessName,
	})
	if err != nil {
		return fail(err)
	}

	// Stage: pattern analysis and routing
	if err := p.store.UpdateStatementStage(ctx, statement.ID, types.StageAnalyzing); err != nil {
		return err
	}

	routing, err := p.buildRouting(ctx, statement)
	if err != nil {
		return fail(err)
	}

	var progress Progress = NewNoopProgress()
	if config.Progress {
		progress = NewBarProgress(len(categorized), "Analyzing transactions")
	}
	defer progress.Close()

	decisions := make([]enhance.Decision, 0, len(categorized))
	for _, tx := range categorized {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		decisions = append(decisions, p.enhancer.Enhance(ctx, tx, routing))
		if err := progress.Add(1); err != nil {
			p.logger.Warn("Failed to update progress", "error", err)
		}
	}

	// Stage: persistence
	if err := p.store.UpdateStatementStage(ctx, statement.ID, types.StageDistributing); err != nil {
		return err
	}

	transactions, err := p.persister.PersistDecisions(ctx, statement.UserID, statement.ID, decisions)
	if err != nil {
		return fail(err)
	}
	if err := p.store.SetStatementTransactionCount(ctx, statement.ID, len(transactions)); err != nil {
		return fail(err)
	}
	if err := p.persister.DeriveRecurringCharges(ctx, statement.UserID, decisions); err != nil {
		return fail(err)
	}

	// Stage: validation. A failure here leaves the persisted transactions
	// intact and only fails the statement.
	if err := p.store.UpdateStatementStage(ctx, statement.ID, types.StageValidating); err != nil {
		return err
	}
	if _, err := p.validator.Validate(ctx, statement, extracted, transactions); err != nil {
		return fail(fmt.Errorf("validation: %w", err))
	}

	// Aggregates are derived state: failures are logged and swallowed
	p.recomputeAggregates(ctx, statement.UserID, decisions)

	if err := p.store.UpdateStatementStatus(ctx, statement.ID, types.StatementCompleted, types.StageCompleted, ""); err != nil {
		return err
	}

	p.notifyCompletion(ctx, statement, len(transactions))

	p.logger.Info("Statement processing completed",
		"id", statement.ID,
		"transactions", len(transactions),
		"duration", time.Since(start))
	return nil
}

// buildRouting resolves the user's business and personal profile IDs, with
// the statement's upload profile as the fallback destination
func (p *Processor) buildRouting(ctx context.Context, statement *types.BankStatement) (enhance.Routing, error) {
	profiles, err := p.store.ProfilesForUser(ctx, statement.UserID)
	if err != nil {
		return enhance.Routing{}, err
	}

	routing := enhance.Routing{
		UserID:             statement.UserID,
		StatementProfileID: statement.ProfileID,
	}
	for _, profile := range profiles {
		switch profile.Type {
		case types.ProfileBusiness:
			if routing.BusinessProfileID == "" {
				routing.BusinessProfileID = profile.ID
			}
		case types.ProfilePersonal:
			if routing.PersonalProfileID == "" {
				routing.PersonalProfileID = profile.ID
			}
		}
	}
	return routing, nil
}

func (p *Processor) recomputeAggregates(ctx context.Context, userID string, decisions []enhance.Decision) {
	profileIDs := make(map[string]bool)
	for _, d := range decisions {
		profileIDs[d.ProfileID] = true
	}
	for profileID := range profileIDs {
		if err := p.aggregator.RecomputeBudgets(ctx, userID, profileID); err != nil {
			p.logger.Warn("Budget recompute failed", "profile", profileID, "error", err)
		}
	}
	if err := p.aggregator.RecomputeMetrics(ctx, userID); err != nil {
		p.logger.Warn("Metrics recompute failed", "user", userID, "error", err)
	}
}

// notifyCompletion emits the completion notification, including how many
// rows were queued for review so the user can drill in
func (p *Processor) notifyCompletion(ctx context.Context, statement *types.BankStatement, transactionCount int) {
	reviewCount, err := p.store.CountOpenReviewEntriesForStatement(ctx, statement.ID)
	if err != nil {
		p.logger.Warn("Failed to count review entries", "statement", statement.ID, "error", err)
	}

	message := fmt.Sprintf("Processed %d transactions from %s", transactionCount, statement.FileName)
	if reviewCount > 0 {
		message = fmt.Sprintf("%s; %d need review", message, reviewCount)
	}

	if err := p.store.CreateNotification(ctx, types.Notification{
		UserID:  statement.UserID,
		Title:   "Statement processed",
		Message: message,
	}); err != nil {
		p.logger.Warn("Failed to create notification", "statement", statement.ID, "error", err)
	}
}
