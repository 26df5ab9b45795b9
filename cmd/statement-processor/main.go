package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/lox/bank-statement-pipeline/internal/aggregate"
	"github.com/lox/bank-statement-pipeline/internal/blob"
	"github.com/lox/bank-statement-pipeline/internal/categorize"
	"github.com/lox/bank-statement-pipeline/internal/enhance"
	"github.com/lox/bank-statement-pipeline/internal/extract"
	"github.com/lox/bank-statement-pipeline/internal/llm"
	"github.com/lox/bank-statement-pipeline/internal/persist"
	"github.com/lox/bank-statement-pipeline/internal/pipeline"
	"github.com/lox/bank-statement-pipeline/internal/store"
	"github.com/lox/bank-statement-pipeline/internal/types"
	"github.com/lox/bank-statement-pipeline/internal/validate"
)

type CommonConfig struct {
	DataDir  string `help:"Directory to store the database" default:"./data" env:"DATA_DIR"`
	LogLevel string `help:"Log level (debug, info, warn, error)" default:"info" env:"LOG_LEVEL"`
}

type ModelConfig struct {
	APIKey      string `help:"API key for the model endpoint" env:"OPENAI_API_KEY" required:""`
	BaseURL     string `help:"Base URL for the model endpoint" env:"OPENAI_BASE_URL"`
	VisionModel string `help:"Model used for page-image extraction" default:"gpt-4o" env:"VISION_MODEL"`
	TextModel   string `help:"Model used for text extraction and categorization" default:"gpt-4o-mini" env:"TEXT_MODEL"`
	LightModel  string `help:"Smaller model used for large direct-PDF extraction" default:"gpt-4o-mini" env:"LIGHT_MODEL"`
}

type CLI struct {
	Register RegisterCmd `cmd:"" help:"Register a statement file for a user and print its ID"`
	Process  ProcessCmd  `cmd:"" help:"Run the full pipeline for a registered statement"`
}

type RegisterCmd struct {
	CommonConfig

	UserID      string `help:"User to register the statement under" required:""`
	Email       string `help:"User email, used when the user does not exist yet" default:""`
	ProfileName string `help:"Profile to attach the statement to" default:"Personal"`
	ProfileType string `help:"Profile type" default:"PERSONAL" enum:"BUSINESS,PERSONAL"`
	File        string `arg:"" help:"Path to the statement file (PDF or CSV)"`
}

func (c *RegisterCmd) Run() error {
	logger := newLogger(c.LogLevel)

	st, err := store.New(c.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", "error", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := st.EnsureUser(ctx, c.UserID, c.Email, c.UserID); err != nil {
		logger.Fatal("Failed to ensure user", "error", err)
	}

	profile, err := resolveProfile(ctx, st, c.UserID, c.ProfileName, types.ProfileType(c.ProfileType))
	if err != nil {
		logger.Fatal("Failed to resolve profile", "error", err)
	}

	absPath, err := filepath.Abs(c.File)
	if err != nil {
		logger.Fatal("Failed to resolve file path", "error", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		logger.Fatal("Statement file not readable", "error", err)
	}

	statement := &types.BankStatement{
		UserID:     c.UserID,
		ProfileID:  profile.ID,
		FileName:   filepath.Base(absPath),
		FileType:   fileType(absPath),
		StorageKey: "local://" + absPath,
	}
	if err := st.CreateStatement(ctx, statement); err != nil {
		logger.Fatal("Failed to register statement", "error", err)
	}

	logger.Info("Statement registered",
		"id", statement.ID,
		"file", statement.FileName,
		"profile", profile.Name)
	fmt.Println(statement.ID)
	return nil
}

type ProcessCmd struct {
	CommonConfig
	ModelConfig

	StatementID  string        `arg:"" help:"Statement ID to process"`
	Concurrency  int           `help:"Number of concurrent categorization batches" default:"4"`
	NoProgress   bool          `help:"Disable progress bar" default:"false"`
	BusinessName string        `help:"Business name used as categorization context" default:""`
	Timeout      time.Duration `help:"Overall processing timeout" default:"30m"`
}

func (c *ProcessCmd) Run() error {
	logger := newLogger(c.LogLevel)

	st, err := store.New(c.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", "error", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	client := llm.NewClient(logger, c.APIKey, c.BaseURL)

	extractor := extract.New(client, logger, extract.Config{
		VisionModel: c.VisionModel,
		TextModel:   c.TextModel,
		LightModel:  c.LightModel,
	})
	categorizer := categorize.New(client, logger, categorize.Config{
		Model:       c.TextModel,
		Concurrency: c.Concurrency,
	})
	enhancer := enhance.New(st, logger)
	persister := persist.New(st, logger)
	validator := validate.New(client, st, logger, c.TextModel)
	aggregator := aggregate.New(st, logger)

	processor := pipeline.NewProcessor(
		st,
		blob.NewStore(logger),
		extractor,
		categorizer,
		enhancer,
		persister,
		validator,
		aggregator,
		logger,
	)

	if err := processor.Process(ctx, c.StatementID, pipeline.Config{
		Progress:     !c.NoProgress,
		BusinessName: c.BusinessName,
	}); err != nil {
		logger.Fatal("Failed to process statement", "error", err)
	}
	return nil
}

func newLogger(levelName string) *log.Logger {
	logger := log.New(os.Stderr)
	level, err := log.ParseLevel(levelName)
	if err != nil {
		logger.Fatal("Invalid log level", "error", err)
	}
	logger.SetLevel(level)
	return logger
}

// resolveProfile reuses an existing profile with the same name, creating it
// on first use
func resolveProfile(ctx context.Context, st *store.Store, userID, name string, pt types.ProfileType) (types.BusinessProfile, error) {
	profiles, err := st.ProfilesForUser(ctx, userID)
	if err != nil {
		return types.BusinessProfile{}, err
	}
	for _, p := range profiles {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return st.CreateProfile(ctx, userID, name, pt)
}

func fileType(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return "CSV"
	}
	return "PDF"
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("statement-processor"),
		kong.Description("Ingests bank statements and turns them into categorized transactions"),
		kong.UsageOnError(),
	)

	err := ctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
