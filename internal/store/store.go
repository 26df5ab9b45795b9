// Package store is the relational persistence layer for the pipeline,
// backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/lox/bank-statement-pipeline/internal/types"
)

const dateLayout = "2006-01-02"

// Store wraps the SQLite connection
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// New opens (and if necessary creates) the pipeline database in dataDir
func New(dataDir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "pipeline.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, err
	}
	logf := func(msg string, args ...interface{}) { logger.Debug(msg, args...) }
	if err := ApplyMigrations(context.Background(), db, logf); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureUser creates the user row if it does not exist and returns its id
func (s *Store) EnsureUser(ctx context.Context, id, email, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, email, name)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// CreateProfile creates a business or personal profile for a user
func (s *Store) CreateProfile(ctx context.Context, userID, name string, pt types.ProfileType) (types.BusinessProfile, error) {
	p := types.BusinessProfile{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		Type:   pt,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO business_profiles (id, user_id, name, type) VALUES (?, ?, ?, ?)
	`, p.ID, p.UserID, p.Name, string(p.Type))
	if err != nil {
		return types.BusinessProfile{}, fmt.Errorf("failed to create profile: %w", err)
	}
	return p, nil
}

// ProfilesForUser returns all profiles owned by a user
func (s *Store) ProfilesForUser(ctx context.Context, userID string) ([]types.BusinessProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, type FROM business_profiles WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []types.BusinessProfile
	for rows.Next() {
		var p types.BusinessProfile
		var pt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &pt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		p.Type = types.ProfileType(pt)
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// CreateStatement registers an uploaded statement file as PENDING
func (s *Store) CreateStatement(ctx context.Context, st *types.BankStatement) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.Status = types.StatementPending
	st.Stage = types.StageUploaded
	st.UploadedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bank_statements (id, user_id, profile_id, file_name, file_type, storage_key, status, stage, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.UserID, nullable(st.ProfileID), st.FileName, st.FileType, st.StorageKey,
		string(st.Status), string(st.Stage), st.UploadedAt)
	if err != nil {
		return fmt.Errorf("failed to create statement: %w", err)
	}
	return nil
}

// GetStatement loads a statement by id
func (s *Store) GetStatement(ctx context.Context, id string) (*types.BankStatement, error) {
	var st types.BankStatement
	var profileID, errorLog sql.NullString
	var confidence sql.NullFloat64
	var validatedAt sql.NullTime
	var status, stage string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, profile_id, file_name, file_type, storage_key,
			status, stage, error_log, transaction_count, confidence, validated_at, uploaded_at
		FROM bank_statements WHERE id = ?
	`, id).Scan(&st.ID, &st.UserID, &profileID, &st.FileName, &st.FileType, &st.StorageKey,
		&status, &stage, &errorLog, &st.TransactionCount, &confidence, &validatedAt, &st.UploadedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("statement %s not found", id)
		}
		return nil, fmt.Errorf("failed to get statement: %w", err)
	}

	st.ProfileID = profileID.String
	st.ErrorLog = errorLog.String
	st.Status = types.StatementStatus(status)
	st.Stage = types.ProcessingStage(stage)
	st.Confidence = confidence.Float64
	if validatedAt.Valid {
		st.ValidatedAt = &validatedAt.Time
	}
	return &st, nil
}

// UpdateStatementStatus moves a statement through its lifecycle, capturing
// the error message on failure
func (s *Store) UpdateStatementStatus(ctx context.Context, id string, status types.StatementStatus, stage types.ProcessingStage, errorLog string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_statements SET status = ?, stage = ?, error_log = ? WHERE id = ?
	`, string(status), string(stage), nullable(errorLog), id)
	if err != nil {
		return fmt.Errorf("failed to update statement status: %w", err)
	}
	s.logger.Debug("Statement status updated", "id", id, "status", status, "stage", stage)
	return nil
}

// UpdateStatementStage advances only the processing stage
func (s *Store) UpdateStatementStage(ctx context.Context, id string, stage types.ProcessingStage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_statements SET stage = ? WHERE id = ?
	`, string(stage), id)
	if err != nil {
		return fmt.Errorf("failed to update statement stage: %w", err)
	}
	return nil
}

// SetStatementTransactionCount records how many transactions a run persisted
func (s *Store) SetStatementTransactionCount(ctx context.Context, id string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_statements SET transaction_count = ? WHERE id = ?
	`, count, id)
	if err != nil {
		return fmt.Errorf("failed to set transaction count: %w", err)
	}
	return nil
}

// SetStatementValidation persists the merged validation result
func (s *Store) SetStatementValidation(ctx context.Context, id string, confidence float64, issuesJSON string, validatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_statements SET confidence = ?, validation_issues = ?, validated_at = ? WHERE id = ?
	`, confidence, issuesJSON, validatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to set statement validation: %w", err)
	}
	return nil
}

// CreateNotification emits a user-visible notification record
func (s *Store) CreateNotification(ctx context.Context, n types.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message) VALUES (?, ?, ?, ?)
	`, n.ID, n.UserID, n.Title, n.Message)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
