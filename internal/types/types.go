package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatementStatus tracks the lifecycle of a bank statement through the pipeline
type StatementStatus string

const (
	StatementPending    StatementStatus = "PENDING"
	StatementProcessing StatementStatus = "PROCESSING"
	StatementCompleted  StatementStatus = "COMPLETED"
	StatementFailed     StatementStatus = "FAILED"
)

// ProcessingStage is the observable sub-state of a PROCESSING statement
type ProcessingStage string

const (
	StageUploaded     ProcessingStage = "UPLOADED"
	StageExtracting   ProcessingStage = "EXTRACTING_DATA"
	StageCategorizing ProcessingStage = "CATEGORIZING_TRANSACTIONS"
	StageAnalyzing    ProcessingStage = "ANALYZING_PATTERNS"
	StageDistributing ProcessingStage = "DISTRIBUTING_DATA"
	StageValidating   ProcessingStage = "VALIDATING"
	StageCompleted    ProcessingStage = "COMPLETED"
	StageFailed       ProcessingStage = "FAILED"
)

// TransactionType is the direction of a persisted transaction
type TransactionType string

const (
	TransactionIncome   TransactionType = "INCOME"
	TransactionExpense  TransactionType = "EXPENSE"
	TransactionTransfer TransactionType = "TRANSFER"
)

// ProfileType distinguishes business from personal activity
type ProfileType string

const (
	ProfileBusiness ProfileType = "BUSINESS"
	ProfilePersonal ProfileType = "PERSONAL"
)

// Frequency of a recurring charge
type Frequency string

const (
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
	FrequencyAnnual    Frequency = "ANNUAL"
)

// Severity of a review queue or validation issue
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Confidence thresholds shared by the persister and validator. The review
// threshold is the single cut-off below which transactions are queued for
// human review.
const (
	ReviewThreshold        = 0.85
	HighSeverityThreshold  = 0.70
	VeryLowThreshold       = 0.50
	MerchantRuleConfidence = 0.95
	HistoricalFloor        = 0.70
)

// RawTransaction is a single line item as extracted from a statement.
// Amount is signed: positive is a credit/inflow, negative a debit/outflow.
type RawTransaction struct {
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type,omitempty"`
	Category    string          `json:"category,omitempty"`
}

// BankInfo is statement-level metadata pulled from the document
type BankInfo struct {
	BankName         string          `json:"bank_name,omitempty"`
	AccountNumber    string          `json:"account_number,omitempty"`
	StatementPeriod  string          `json:"statement_period,omitempty"`
	PeriodStart      string          `json:"period_start,omitempty"`
	PeriodEnd        string          `json:"period_end,omitempty"`
	BeginningBalance *decimal.Decimal `json:"beginning_balance,omitempty"`
	EndingBalance    *decimal.Decimal `json:"ending_balance,omitempty"`
}

// ExtractedData is the extractor's output for one statement
type ExtractedData struct {
	BankInfo     BankInfo
	Transactions []RawTransaction
	// Per-page diagnostics, populated only for page-by-page vision extraction
	PageCounts  []int
	FailedPages []int
	Method      string
}

// CategorizedTransaction wraps a RawTransaction with the model's classification
type CategorizedTransaction struct {
	Raw               RawTransaction
	SuggestedCategory string
	Confidence        float64
	Merchant          string
	IsRecurring       bool
	ProfileType       ProfileType
	Reasoning         string
	// Fallback marks entries synthesized when the model dropped an item
	Fallback bool
}

// Transaction is a persisted row. Amount is always stored positive; direction
// is carried by Type.
type Transaction struct {
	ID            string
	UserID        string
	ProfileID     string
	StatementID   string
	Date          time.Time
	Amount        decimal.Decimal
	Type          TransactionType
	Category      string
	CategoryID    string
	Merchant      string
	Description   string
	Confidence    float64
	IsRecurring   bool
	AICategorized bool
}

// Category is per-user, unique by (userID, name)
type Category struct {
	ID     string
	UserID string
	Name   string
	Color  string
	Icon   string
}

// MerchantRule is a user-defined auto-apply override for a merchant
type MerchantRule struct {
	ID        string
	UserID    string
	Merchant  string
	Category  string
	Profile   ProfileType
	ProfileID string
	AutoApply bool
	UseCount  int
}

// HistoricalPattern summarizes how a merchant was categorized in the past
type HistoricalPattern struct {
	Merchant   string
	Category   string
	Profile    ProfileType
	Confidence float64
	Count      int
}

// ReviewQueueEntry queues a low-confidence transaction for human review
type ReviewQueueEntry struct {
	ID            string
	UserID        string
	TransactionID string
	Confidence    float64
	IssueType     string
	Severity      Severity
	Description   string
	SuggestedFix  string
	Alternative   ReviewAlternative
}

// ReviewAlternative is the classification the pipeline considered but did not
// trust enough to apply silently
type ReviewAlternative struct {
	Category  string      `json:"category"`
	Profile   ProfileType `json:"profile"`
	Merchant  string      `json:"merchant"`
	Reasoning string      `json:"reasoning"`
}

// RecurringCharge is derived from transactions flagged recurring
type RecurringCharge struct {
	ID           string
	UserID       string
	ProfileID    string
	Name         string
	Amount       decimal.Decimal
	Frequency    Frequency
	NextDueDate  time.Time
	AnnualAmount decimal.Decimal
	Category     string
}

// Budget is one row per (user, profile, category, month, year)
type Budget struct {
	ID        string
	UserID    string
	ProfileID string
	Category  string
	Month     int
	Year      int
	Amount    decimal.Decimal
	Spent     decimal.Decimal
}

// ValidationIssue is a single finding from either validator
type ValidationIssue struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	// Index into the validated transaction slice, -1 for statement-level issues
	TransactionIndex int     `json:"transaction_index"`
	SuggestedFix     string  `json:"suggested_fix,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Source           string  `json:"source"`
}

// ValidationResult is the merged report persisted onto the statement
type ValidationResult struct {
	Confidence  float64
	Issues      []ValidationIssue
	ValidatedAt time.Time
}

// FinancialMetrics is the single per-user derived metrics row
type FinancialMetrics struct {
	UserID         string
	MonthlyIncome  decimal.Decimal
	MonthlyExpense decimal.Decimal
	BurnRate       decimal.Decimal
	ComputedAt     time.Time
}

// BusinessProfile scopes transactions to business vs personal activity
type BusinessProfile struct {
	ID     string
	UserID string
	Name   string
	Type   ProfileType
}

// BankStatement is the persisted record of one uploaded statement file
type BankStatement struct {
	ID               string
	UserID           string
	ProfileID        string
	FileName         string
	FileType         string
	StorageKey       string
	Status           StatementStatus
	Stage            ProcessingStage
	ErrorLog         string
	TransactionCount int
	Confidence       float64
	ValidatedAt      *time.Time
	UploadedAt       time.Time
}

// Notification is emitted on successful statement completion
type Notification struct {
	ID      string
	UserID  string
	Title   string
	Message string
}
