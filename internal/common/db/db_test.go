package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/db/dbtest"
	"github.com/mtatracker-data/internal/common/logger"
)

func TestMigrateIsRepeatable(t *testing.T) {
	database := dbtest.Open(t)
	require.NoError(t, database.Migrate(context.Background()))
	assert.Equal(t, 0, dbtest.Count(t, database, "trip_stops"))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := db.New("mysql", "x", logger.Nop())
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	// The zero value has no driver and uses postgres placeholders.
	pg := &db.DB{}
	assert.Equal(t, "SELECT 1 FROM trips WHERE trip_id = $1 AND route_id = $2", pg.Rebind("SELECT 1 FROM trips WHERE trip_id = ? AND route_id = ?"))

	lite := dbtest.Open(t)
	assert.Equal(t, "SELECT ?", lite.Rebind("SELECT ?"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, db.IsRetryable(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})))
	assert.True(t, db.IsRetryable(&pq.Error{Code: "40P01"}))
	assert.True(t, db.IsRetryable(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.False(t, db.IsRetryable(&pgconn.PgError{Code: "23503"}))
	assert.False(t, db.IsRetryable(fmt.Errorf("plain")))
}

func TestIsConstraintViolation(t *testing.T) {
	assert.True(t, db.IsConstraintViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, db.IsConstraintViolation(&pq.Error{Code: "23505"}))
	assert.True(t, db.IsConstraintViolation(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, db.IsConstraintViolation(&pgconn.PgError{Code: "40001"}))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, db.IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.True(t, db.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, db.IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}))
	assert.False(t, db.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, db.IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}))
}

func TestDuplicateKeyIsUniqueViolation(t *testing.T) {
	database := dbtest.Open(t)
	insert := `INSERT INTO static_imports (source, url, imported_at, route_count, stop_count) VALUES ('s', 'u', '2024-03-01 00:00:00', 0, 0)`
	_, err := database.DB().Exec(insert)
	require.NoError(t, err)
	_, err = database.DB().Exec(insert)
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err))
}

func TestImportLog(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	log := db.NewImportLog(database)

	last, err := log.LastImport(ctx, "subway")
	require.NoError(t, err)
	assert.Nil(t, last)

	newer, err := log.HasNewerArchive(ctx, "subway", "v1", nil)
	require.NoError(t, err)
	assert.True(t, newer)

	modified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tx, err := database.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, log.RecordImport(ctx, tx, db.ImportRecord{
		Source:       "subway",
		URL:          "https://example.com/gtfs.zip",
		ETag:         "v1",
		LastModified: &modified,
		ImportedAt:   time.Now(),
		RouteCount:   3,
		StopCount:    10,
	}))
	require.NoError(t, tx.Commit())

	last, err = log.LastImport(ctx, "subway")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "v1", last.ETag)
	assert.Equal(t, 3, last.RouteCount)
	require.NotNil(t, last.LastModified)
	assert.True(t, modified.Equal(*last.LastModified))

	newer, err = log.HasNewerArchive(ctx, "subway", "v1", nil)
	require.NoError(t, err)
	assert.False(t, newer)

	newer, err = log.HasNewerArchive(ctx, "subway", "v2", nil)
	require.NoError(t, err)
	assert.True(t, newer)

	later := modified.Add(time.Hour)
	newer, err = log.HasNewerArchive(ctx, "subway", "", &later)
	require.NoError(t, err)
	assert.True(t, newer)

	newer, err = log.HasNewerArchive(ctx, "subway", "", &modified)
	require.NoError(t, err)
	assert.False(t, newer)
}
