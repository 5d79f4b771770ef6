package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bookwright/bookwright/db"
)

// SetupTestDB opens a test database connection and applies the embedded
// migrations. The test is skipped when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}

// ClearOrganizer removes meetings and settings for one organizer so tests can
// share a database without interfering.
func ClearOrganizer(t *testing.T, database *sql.DB, organizerID int64) {
	t.Helper()
	if _, err := database.Exec(`DELETE FROM meetings WHERE organizer_user_id=$1`, organizerID); err != nil {
		t.Fatalf("clear meetings: %v", err)
	}
	if _, err := database.Exec(`DELETE FROM organizer_settings WHERE user_id=$1`, organizerID); err != nil {
		t.Fatalf("clear settings: %v", err)
	}
}

// ClearIntegrations removes calendar integrations for one user.
func ClearIntegrations(t *testing.T, database *sql.DB, userID int64) {
	t.Helper()
	if _, err := database.Exec(`DELETE FROM calendar_integrations WHERE user_id=$1`, userID); err != nil {
		t.Fatalf("clear integrations: %v", err)
	}
}
