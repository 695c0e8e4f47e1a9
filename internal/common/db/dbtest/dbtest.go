// Package dbtest opens throwaway migrated databases for tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/logger"
)

// MemoryDSN is a private in-memory sqlite database with foreign keys on.
const MemoryDSN = "file::memory:?_foreign_keys=1"

// Open returns a migrated in-memory database closed at test cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	database, err := db.New(db.DriverSQLite, MemoryDSN, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	return database
}

// Count returns the number of rows in table.
func Count(t testing.TB, database *db.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, database.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}
