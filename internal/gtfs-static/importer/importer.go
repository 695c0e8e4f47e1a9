package importer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-static/parser"
	"github.com/mtatracker-data/pkg/gtfs-static/models"
	transit "github.com/mtatracker-data/pkg/transit/models"
)

// ValidationError rejects an archive whose stop hierarchy is not a tree.
type ValidationError struct {
	StopID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stop %s: %s", e.StopID, e.Reason)
}

// Result summarizes a committed import.
type Result struct {
	Routes               int
	Stops                int
	PlaceholdersReplaced int
	DroppedParents       int
}

type Importer struct {
	db        *db.DB
	importLog *db.ImportLog
	logger    logger.Logger
	batchSize int
	now       func() time.Time
}

func NewImporter(database *db.DB, log logger.Logger) *Importer {
	return &Importer{
		db:        database,
		importLog: db.NewImportLog(database),
		logger:    log,
		batchSize: 500,
		now:       time.Now,
	}
}

// Import loads routes.txt and stops.txt from zipPath in one transaction.
// Imported rows overwrite placeholder rows derived from realtime feeds. rec
// is written to the import log in the same transaction; its counts and
// ImportedAt are filled in here.
func (i *Importer) Import(ctx context.Context, zipPath string, rec db.ImportRecord) (*Result, error) {
	var (
		stops  []*models.Stop
		routes []*models.Route
	)
	callbacks := parser.ParseCallbacks{
		OnStop: func(stop *models.Stop) error {
			stops = append(stops, stop)
			return nil
		},
		OnRoute: func(route *models.Route) error {
			routes = append(routes, route)
			return nil
		},
	}
	if err := parser.New(i.logger).ParseZip(ctx, zipPath, callbacks); err != nil {
		return nil, fmt.Errorf("parsing zip: %w", err)
	}

	routes = dedupe(i.logger, "routes.txt", routes, func(r *models.Route) string { return r.RouteID })
	stops = dedupe(i.logger, "stops.txt", stops, func(s *models.Stop) string { return s.StopID })

	result := &Result{Routes: len(routes), Stops: len(stops)}

	dropped, err := i.validateHierarchy(stops)
	if err != nil {
		return nil, err
	}
	result.DroppedParents = dropped

	tx, err := i.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders, err := i.countPlaceholders(ctx, tx, routes, stops)
	if err != nil {
		return nil, err
	}
	result.PlaceholdersReplaced = placeholders

	now := db.Timestamp(i.now())

	routeBatch := i.newBatchInserter(tx, "routes", "route_id",
		"route_id", "short_name", "long_name", "route_type", "color", "text_color", "is_active", "source", "updated_at")
	for _, r := range routes {
		err := routeBatch.Add(ctx,
			r.RouteID,
			r.RouteShortName,
			r.RouteLongName,
			r.RouteType,
			r.RouteColor,
			r.RouteTextColor,
			true,
			transit.SourceStatic,
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("upserting routes: %w", err)
		}
	}

	stopBatch := i.newBatchInserter(tx, "stops", "stop_id",
		"stop_id", "name", "latitude", "longitude", "parent_station", "source", "updated_at")
	for _, s := range stops {
		err := stopBatch.Add(ctx,
			s.StopID,
			s.StopName,
			s.StopLat,
			s.StopLon,
			sql.NullString{String: s.ParentStation, Valid: s.ParentStation != ""},
			transit.SourceStatic,
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("upserting stops: %w", err)
		}
	}

	for _, batch := range []*batchInserter{routeBatch, stopBatch} {
		if err := batch.Flush(ctx); err != nil {
			return nil, fmt.Errorf("flushing %s batch: %w", batch.tableName, err)
		}
	}

	rec.ImportedAt = now
	rec.RouteCount = result.Routes
	rec.StopCount = result.Stops
	if err := i.importLog.RecordImport(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	i.logger.Info("Import completed successfully",
		"source", rec.Source,
		"routes", result.Routes,
		"stops", result.Stops,
		"placeholders_replaced", result.PlaceholdersReplaced,
		"dropped_parents", result.DroppedParents)

	return result, nil
}

// validateHierarchy rejects self references and cycles among parent_station
// links. A parent missing from the archive is dropped with a warning.
func (i *Importer) validateHierarchy(stops []*models.Stop) (int, error) {
	parents := make(map[string]string, len(stops))
	for _, s := range stops {
		parents[s.StopID] = s.ParentStation
	}

	dropped := 0
	for _, s := range stops {
		if s.ParentStation == "" {
			continue
		}
		if s.ParentStation == s.StopID {
			return 0, &ValidationError{StopID: s.StopID, Reason: "stop is its own parent"}
		}
		if _, ok := parents[s.ParentStation]; !ok {
			i.logger.Warn("Dropping unknown parent station", "stop_id", s.StopID, "parent_station", s.ParentStation)
			s.ParentStation = ""
			parents[s.StopID] = ""
			dropped++
		}
	}

	// acyclic holds stops whose ancestor chain is known to terminate.
	acyclic := make(map[string]bool, len(stops))
	for _, s := range stops {
		seen := map[string]bool{}
		id := s.StopID
		for id != "" && !acyclic[id] {
			if seen[id] {
				return 0, &ValidationError{StopID: s.StopID, Reason: "parent_station chain forms a cycle"}
			}
			seen[id] = true
			id = parents[id]
		}
		for id := range seen {
			acyclic[id] = true
		}
	}
	return dropped, nil
}

// dedupe keeps the first row per id; one upsert statement may not touch a
// row twice.
func dedupe[T any](log logger.Logger, file string, rows []T, id func(T) string) []T {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, row := range rows {
		key := id(row)
		if seen[key] {
			log.Warn("Skipping duplicate row", "file", file, "id", key)
			continue
		}
		seen[key] = true
		out = append(out, row)
	}
	return out
}

func (i *Importer) countPlaceholders(ctx context.Context, tx *sql.Tx, routes []*models.Route, stops []*models.Stop) (int, error) {
	incoming := make(map[string]bool, len(routes)+len(stops))
	for _, r := range routes {
		incoming["route:"+r.RouteID] = true
	}
	for _, s := range stops {
		incoming["stop:"+s.StopID] = true
	}

	query := i.db.Rebind(`
		SELECT 'route:' || route_id FROM routes WHERE source = ?
		UNION ALL
		SELECT 'stop:' || stop_id FROM stops WHERE source = ?`)
	rows, err := tx.QueryContext(ctx, query, transit.SourcePlaceholder, transit.SourcePlaceholder)
	if err != nil {
		return 0, fmt.Errorf("listing placeholders: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return 0, fmt.Errorf("scanning placeholder: %w", err)
		}
		if incoming[key] {
			n++
		}
	}
	return n, rows.Err()
}

type batchInserter struct {
	db         *db.DB
	tx         *sql.Tx
	tableName  string
	key        string
	columns    []string
	values     []interface{}
	valueCount int
	batchSize  int
}

func (i *Importer) newBatchInserter(tx *sql.Tx, tableName, key string, columns ...string) *batchInserter {
	return &batchInserter{
		db:        i.db,
		tx:        tx,
		tableName: tableName,
		key:       key,
		columns:   columns,
		values:    make([]interface{}, 0, i.batchSize*len(columns)),
		batchSize: i.batchSize,
	}
}

func (b *batchInserter) Add(ctx context.Context, values ...interface{}) error {
	if len(values) != len(b.columns) {
		return fmt.Errorf("%s: got %d values for %d columns", b.tableName, len(values), len(b.columns))
	}
	b.values = append(b.values, values...)
	b.valueCount++

	if b.valueCount >= b.batchSize {
		return b.Flush(ctx)
	}

	return nil
}

func (b *batchInserter) Flush(ctx context.Context) error {
	if b.valueCount == 0 {
		return nil
	}

	query := b.db.Rebind(b.buildUpsertQuery())
	if _, err := b.tx.ExecContext(ctx, query, b.values...); err != nil {
		return fmt.Errorf("executing batch upsert: %w", err)
	}

	b.values = b.values[:0]
	b.valueCount = 0

	return nil
}

func (b *batchInserter) buildUpsertQuery() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", b.tableName, strings.Join(b.columns, ", "))

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(b.columns)), ", ") + ")"
	for i := 0; i < b.valueCount; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(row)
	}

	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET ", b.key)
	first := true
	for _, col := range b.columns {
		if col == b.key {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s = excluded.%s", col, col)
	}

	return sb.String()
}
