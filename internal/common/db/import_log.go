package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ImportRecord is the last successful static import for a source.
type ImportRecord struct {
	Source       string
	URL          string
	ETag         string
	LastModified *time.Time
	ImportedAt   time.Time
	RouteCount   int
	StopCount    int
}

// ImportLog tracks which static archive revision was imported last, so the
// scheduler can skip unchanged archives.
type ImportLog struct {
	db *DB
}

func NewImportLog(db *DB) *ImportLog {
	return &ImportLog{db: db}
}

// LastImport returns nil when the source has never been imported.
func (l *ImportLog) LastImport(ctx context.Context, source string) (*ImportRecord, error) {
	query := l.db.Rebind(`
		SELECT source, url, etag, last_modified, imported_at, route_count, stop_count
		FROM static_imports
		WHERE source = ?`)

	var (
		rec          ImportRecord
		etag         sql.NullString
		lastModified sql.NullTime
	)
	err := l.db.conn.QueryRowContext(ctx, query, source).Scan(
		&rec.Source,
		&rec.URL,
		&etag,
		&lastModified,
		&rec.ImportedAt,
		&rec.RouteCount,
		&rec.StopCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		l.db.logger.Info("No previous static import found", "source", source)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last import: %w", err)
	}

	rec.ETag = etag.String
	if lastModified.Valid {
		t := lastModified.Time
		rec.LastModified = &t
	}
	return &rec, nil
}

// HasNewerArchive compares the remote archive's validators with the last
// import. A differing ETag or a later Last-Modified means a new archive;
// with neither validator available every check imports.
func (l *ImportLog) HasNewerArchive(ctx context.Context, source, etag string, lastModified *time.Time) (bool, error) {
	last, err := l.LastImport(ctx, source)
	if err != nil {
		return false, fmt.Errorf("getting last import: %w", err)
	}
	if last == nil {
		return true, nil
	}

	var isNewer bool
	switch {
	case etag != "" && last.ETag != "":
		isNewer = etag != last.ETag
	case lastModified != nil && last.LastModified != nil:
		isNewer = Timestamp(*lastModified).After(*last.LastModified)
	default:
		isNewer = true
	}

	l.db.logger.Info("Static archive comparison",
		"source", source,
		"etag", etag,
		"last_etag", last.ETag,
		"is_newer", isNewer)

	return isNewer, nil
}

// RecordImport stores rec inside the import transaction so the log only
// advances when the imported rows commit.
func (l *ImportLog) RecordImport(ctx context.Context, tx *sql.Tx, rec ImportRecord) error {
	query := l.db.Rebind(`
		INSERT INTO static_imports (source, url, etag, last_modified, imported_at, route_count, stop_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET
			url = excluded.url,
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			imported_at = excluded.imported_at,
			route_count = excluded.route_count,
			stop_count = excluded.stop_count`)

	_, err := tx.ExecContext(ctx, query,
		rec.Source,
		rec.URL,
		sql.NullString{String: rec.ETag, Valid: rec.ETag != ""},
		NullTimestamp(rec.LastModified),
		Timestamp(rec.ImportedAt),
		rec.RouteCount,
		rec.StopCount,
	)
	if err != nil {
		return fmt.Errorf("recording import: %w", err)
	}
	return nil
}
