package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/rental-calendar-sync/backend/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaFile is one embedded SQL file under migrations/.
type schemaFile struct {
	name string
	sql  string
}

// RunMigrations brings the schema up to date. Each embedded file runs once,
// in name order, inside its own transaction together with its _migrations
// row.
func RunMigrations(db *DB) error {
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			name TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	pending, err := pendingSchemaFiles(ctx, db)
	if err != nil {
		return err
	}

	for _, f := range pending {
		started := time.Now()
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, f.sql); err != nil {
				return fmt.Errorf("executing SQL: %w", err)
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO _migrations (name) VALUES (?)", f.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", f.name, err)
		}
		logging.Info().Str("migration", f.name).Dur("elapsed", time.Since(started)).Msg("Migration applied")
	}
	return nil
}

// pendingSchemaFiles returns the embedded files not yet recorded in
// _migrations, sorted by name.
func pendingSchemaFiles(ctx context.Context, db *DB) ([]schemaFile, error) {
	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, m := range applied {
		done[m.Name] = true
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migration files: %w", err)
	}
	sort.Strings(names)

	var pending []schemaFile
	for _, p := range names {
		name := path.Base(p)
		if done[name] {
			continue
		}
		content, err := migrationsFS.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		pending = append(pending, schemaFile{name: name, sql: string(content)})
	}
	return pending, nil
}

// AppliedMigration is one row of the _migrations table.
type AppliedMigration struct {
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"appliedAt"`
}

// AppliedMigrations lists applied schema migrations in application order.
func AppliedMigrations(ctx context.Context, db *DB) ([]AppliedMigration, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, applied_at FROM _migrations ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Name, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration: %w", err)
		}
		applied = append(applied, m)
	}
	return applied, rows.Err()
}
