package store

import (
	"context"
	"database/sql"
)

// Migration represents a single database migration. Each migration has a
// unique ID and an Up function that applies it.
type Migration struct {
	ID int
	Up func(db *sql.DB) error
}

// migrations is the ordered list of schema migrations. Append new entries as
// the schema evolves; each is applied exactly once.
var migrations = []Migration{}

// ApplyMigrations applies all pending migrations to the database.
func ApplyMigrations(ctx context.Context, db *sql.DB, logf func(msg string, args ...interface{})) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `SELECT id FROM migrations`)
	if err != nil {
		return err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return err
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}
		logf("Applying migration", "id", m.ID)
		if err := m.Up(db); err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO migrations (id) VALUES (?)`, m.ID); err != nil {
			return err
		}
	}
	return nil
}
