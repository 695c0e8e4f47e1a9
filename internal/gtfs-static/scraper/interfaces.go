package scraper

import (
	"context"
	"time"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/gtfs-static/importer"
	"github.com/mtatracker-data/pkg/gtfs-static/models"
)

type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, url string) (*models.ArchiveMetadata, error)
}

type ArchiveLog interface {
	HasNewerArchive(ctx context.Context, source, etag string, lastModified *time.Time) (bool, error)
}

type Downloader interface {
	Download(ctx context.Context, url string, destPath string) error
}

type Importer interface {
	Import(ctx context.Context, zipPath string, rec db.ImportRecord) (*importer.Result, error)
}

// ImportLocker keeps other database maintenance out while an import runs.
type ImportLocker interface {
	LockForImport()
	UnlockAfterImport()
}
