// Package testutil holds helpers for integration tests. Helpers skip the
// calling test when the backing service is not configured.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/migrations"
)

// NewSQLDB opens the database named by TEST_DATABASE_URL, applies the
// embedded migrations and closes the pool when the test finishes.
func NewSQLDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	db, err := storage.OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("testutil.NewSQLDB: open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := storage.Migrate(context.Background(), db, migrations.FS); err != nil {
		t.Fatalf("testutil.NewSQLDB: migrate: %v", err)
	}
	return db
}

// RedisAddr returns TEST_REDIS_ADDR or skips the test.
func RedisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping integration test")
	}
	return addr
}
