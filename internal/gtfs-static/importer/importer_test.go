package importer

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/db/dbtest"
	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-static/gtfstest"
	transit "github.com/mtatracker-data/pkg/transit/models"
)

var importTime = time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)

func newImporter(t *testing.T) (*Importer, *db.DB) {
	database := dbtest.Open(t)
	imp := NewImporter(database, logger.Nop())
	imp.now = func() time.Time { return importTime }
	return imp, database
}

func seedPlaceholders(t *testing.T, database *db.DB) {
	t.Helper()
	ts := db.Timestamp(importTime.Add(-time.Hour))
	_, err := database.DB().Exec(`INSERT INTO routes VALUES ('L', 'L', '', 1, '', '', 1, 'placeholder', ?)`, ts)
	require.NoError(t, err)
	_, err = database.DB().Exec(`INSERT INTO stops VALUES ('L01N', 'L01N', 0, 0, NULL, 'placeholder', ?)`, ts)
	require.NoError(t, err)
	_, err = database.DB().Exec(`INSERT INTO stops VALUES ('X99N', 'X99N', 0, 0, NULL, 'placeholder', ?)`, ts)
	require.NoError(t, err)
}

func TestImportReplacesPlaceholders(t *testing.T) {
	imp, database := newImporter(t)
	seedPlaceholders(t, database)
	ctx := context.Background()

	etagRec := db.ImportRecord{Source: "mta-subway", URL: "http://static.test/gtfs.zip", ETag: `"v1"`}
	result, err := imp.Import(ctx, gtfstest.Default(t), etagRec)
	require.NoError(t, err)
	assert.Equal(t, &Result{Routes: 2, Stops: 6, PlaceholdersReplaced: 2}, result)

	var (
		longName, source, color string
	)
	require.NoError(t, database.DB().QueryRow(
		`SELECT long_name, source, color FROM routes WHERE route_id = 'L'`).Scan(&longName, &source, &color))
	assert.Equal(t, "14 St-Canarsie Local", longName)
	assert.Equal(t, transit.SourceStatic, source)
	assert.Equal(t, "A7A9AC", color)

	var (
		name   string
		lat    float64
		parent sql.NullString
	)
	require.NoError(t, database.DB().QueryRow(
		`SELECT name, latitude, parent_station, source FROM stops WHERE stop_id = 'L01N'`).Scan(&name, &lat, &parent, &source))
	assert.Equal(t, "8 Av", name)
	assert.InDelta(t, 40.739777, lat, 1e-9)
	assert.Equal(t, "L01", parent.String)
	assert.Equal(t, transit.SourceStatic, source)

	// Stops absent from the archive keep their placeholder rows.
	require.NoError(t, database.DB().QueryRow(`SELECT source FROM stops WHERE stop_id = 'X99N'`).Scan(&source))
	assert.Equal(t, transit.SourcePlaceholder, source)
	assert.Equal(t, 7, dbtest.Count(t, database, "stops"))

	last, err := db.NewImportLog(database).LastImport(ctx, "mta-subway")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, `"v1"`, last.ETag)
	assert.Equal(t, 2, last.RouteCount)
	assert.Equal(t, 6, last.StopCount)
	assert.True(t, importTime.Equal(last.ImportedAt))
}

func TestImportIsRepeatable(t *testing.T) {
	imp, database := newImporter(t)
	ctx := context.Background()
	path := gtfstest.Default(t)
	rec := db.ImportRecord{Source: "mta-subway", URL: "http://static.test/gtfs.zip"}

	_, err := imp.Import(ctx, path, rec)
	require.NoError(t, err)
	result, err := imp.Import(ctx, path, rec)
	require.NoError(t, err)
	assert.Zero(t, result.PlaceholdersReplaced)
	assert.Equal(t, 2, dbtest.Count(t, database, "routes"))
	assert.Equal(t, 6, dbtest.Count(t, database, "stops"))
}

func TestImportBatchesAcrossFlushes(t *testing.T) {
	imp, database := newImporter(t)
	imp.batchSize = 2

	_, err := imp.Import(context.Background(), gtfstest.Default(t), db.ImportRecord{Source: "mta-subway", URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, 6, dbtest.Count(t, database, "stops"))
}

func TestImportStopHierarchy(t *testing.T) {
	ctx := context.Background()
	rec := db.ImportRecord{Source: "mta-subway", URL: "u"}

	t.Run("self parent", func(t *testing.T) {
		imp, database := newImporter(t)
		path := gtfstest.WriteArchive(t, map[string]string{
			"stops.txt":  "stop_id,stop_name,parent_station\nA,Alpha,A\n",
			"routes.txt": gtfstest.Routes,
		})
		_, err := imp.Import(ctx, path, rec)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "A", verr.StopID)
		assert.Zero(t, dbtest.Count(t, database, "routes"))
	})

	t.Run("cycle", func(t *testing.T) {
		imp, database := newImporter(t)
		path := gtfstest.WriteArchive(t, map[string]string{
			"stops.txt":  "stop_id,stop_name,parent_station\nA,Alpha,B\nB,Beta,C\nC,Gamma,A\nD,Delta,\n",
			"routes.txt": gtfstest.Routes,
		})
		_, err := imp.Import(ctx, path, rec)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "cycle")
		assert.Zero(t, dbtest.Count(t, database, "stops"))
		assert.Zero(t, dbtest.Count(t, database, "static_imports"))
	})

	t.Run("unknown parent dropped", func(t *testing.T) {
		imp, database := newImporter(t)
		path := gtfstest.WriteArchive(t, map[string]string{
			"stops.txt":  "stop_id,stop_name,parent_station\nA,Alpha,ZZZ\nB,Beta,A\nB,Beta again,\n",
			"routes.txt": gtfstest.Routes,
		})
		result, err := imp.Import(ctx, path, rec)
		require.NoError(t, err)
		assert.Equal(t, 1, result.DroppedParents)
		assert.Equal(t, 2, result.Stops)

		var parent sql.NullString
		require.NoError(t, database.DB().QueryRow(`SELECT parent_station FROM stops WHERE stop_id = 'A'`).Scan(&parent))
		assert.False(t, parent.Valid)
		require.NoError(t, database.DB().QueryRow(`SELECT parent_station FROM stops WHERE stop_id = 'B'`).Scan(&parent))
		assert.Equal(t, "A", parent.String)
	})
}

func TestBuildUpsertQuery(t *testing.T) {
	b := &batchInserter{tableName: "stops", key: "stop_id", columns: []string{"stop_id", "name", "source"}, valueCount: 2}
	assert.Equal(t,
		"INSERT INTO stops (stop_id, name, source) VALUES (?, ?, ?), (?, ?, ?) "+
			"ON CONFLICT (stop_id) DO UPDATE SET name = excluded.name, source = excluded.source",
		b.buildUpsertQuery())
}
