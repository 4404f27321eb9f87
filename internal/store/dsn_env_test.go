package store

import (
	"os"
	"testing"
)

// postgresTestDSN skips the calling test unless a live Postgres is reachable
// via ENGRAM_TEST_POSTGRES_DSN, the same opt-in convention pgx's own test
// suite uses for integration tests that need a real server.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ENGRAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENGRAM_TEST_POSTGRES_DSN not set, skipping postgres-backed test")
	}
	return dsn
}

// mysqlTestDSN is the MySQL counterpart of postgresTestDSN.
func mysqlTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ENGRAM_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("ENGRAM_TEST_MYSQL_DSN not set, skipping mysql-backed test")
	}
	return dsn
}
