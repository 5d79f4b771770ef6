package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
)

// Migrate applies idempotent schema changes for all required tables and
// indices. It is the embedded fallback used when the versioned migrations
// directory is unavailable (e.g. unit test runs from another cwd).
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			provider TEXT NOT NULL,
			subject TEXT NOT NULL,
			email TEXT,
			display_name TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(provider, subject)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS meetings (
			id SERIAL PRIMARY KEY,
			uid TEXT UNIQUE NOT NULL,
			organizer_user_id BIGINT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			title TEXT,
			description TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS organizer_settings (
			user_id BIGINT PRIMARY KEY,
			buffer_minutes INTEGER NOT NULL DEFAULT 15,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS calendar_integrations (
			id SERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT,
			refresh_token TEXT,
			password TEXT,
			token_expires_at TIMESTAMPTZ,
			sync_error TEXT,
			default_booking_calendar_id TEXT,
			base_url TEXT,
			username TEXT,
			encryption_version INTEGER DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(user_id, provider)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_meetings_organizer_window
			ON meetings(organizer_user_id, status, start_time, end_time)`,
		`CREATE INDEX IF NOT EXISTS idx_meetings_uid ON meetings(uid)`,
		`CREATE INDEX IF NOT EXISTS idx_integrations_expiry
			ON calendar_integrations(token_expires_at) WHERE token_expires_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// getMigrationsPath locates db/migrations relative to common working
// directories (repo root, db/, test cwd).
func getMigrationsPath() (string, error) {
	possiblePaths := []string{
		"db/migrations",
		"migrations",
		"../db/migrations",
	}
	for _, path := range possiblePaths {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path for %s: %w", path, err)
			}
			return "file://" + absPath, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found in any of the expected locations: %v", possiblePaths)
}

// RunMigrations runs versioned migrations with golang-migrate from
// db/migrations/. Safe to run repeatedly; a dirty database returns an error
// rather than being silently repaired.
func RunMigrations(db *sql.DB) error {
	migrationsPath, err := getMigrationsPath()
	if err != nil {
		return err
	}
	return RunMigrationsFromPath(db, migrationsPath)
}

// RunMigrationsFromPath runs versioned migrations from a custom source URL,
// useful for tests with alternate migration sets.
func RunMigrationsFromPath(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
