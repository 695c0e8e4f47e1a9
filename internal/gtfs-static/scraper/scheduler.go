package scraper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-static/importer"
)

type GTFSScheduler struct {
	config          Config
	metadataFetcher MetadataFetcher
	archiveLog      ArchiveLog
	downloader      Downloader
	importer        Importer
	locker          ImportLocker
	logger          logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

type Config struct {
	URL           string
	CheckInterval time.Duration
	DownloadDir   string
	SourceName    string
}

type Option func(*GTFSScheduler)

// WithImportLocker holds locker for the duration of each import.
func WithImportLocker(locker ImportLocker) Option {
	return func(s *GTFSScheduler) { s.locker = locker }
}

func NewScheduler(
	config Config,
	database *db.DB,
	logger logger.Logger,
	metadataFetcher MetadataFetcher,
	downloader Downloader,
	opts ...Option,
) *GTFSScheduler {
	s := &GTFSScheduler{
		config:          config,
		metadataFetcher: metadataFetcher,
		archiveLog:      db.NewImportLog(database),
		downloader:      downloader,
		importer:        importer.NewImporter(database, logger),
		logger:          logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start checks immediately and then every CheckInterval until ctx is
// cancelled or Stop is called. It blocks.
func (s *GTFSScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	if s.config.URL == "" {
		s.mu.Unlock()
		return fmt.Errorf("static archive URL is not configured")
	}
	if s.config.CheckInterval <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("check interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("Starting GTFS scheduler",
		"url", s.config.URL,
		"check_interval", s.config.CheckInterval,
		"source", s.config.SourceName)

	if _, err := s.CheckAndUpdate(ctx); err != nil {
		s.logger.Error("Initial check failed", "error", err)
	}

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.CheckAndUpdate(ctx); err != nil {
				s.logger.Error("Scheduled check failed", "error", err)
			}
		}
	}
}

func (s *GTFSScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler not running")
	}

	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// CheckAndUpdate imports the archive when its validators differ from the
// last import. It returns nil without error when nothing changed.
func (s *GTFSScheduler) CheckAndUpdate(ctx context.Context) (*importer.Result, error) {
	s.logger.Debug("Checking for GTFS updates", "url", s.config.URL)

	metadata, err := s.metadataFetcher.FetchMetadata(ctx, s.config.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}

	hasNewer, err := s.archiveLog.HasNewerArchive(ctx, s.config.SourceName, metadata.ETag, metadata.LastModified)
	if err != nil {
		return nil, fmt.Errorf("checking import log: %w", err)
	}
	if !hasNewer {
		s.logger.Debug("No new archive available")
		return nil, nil
	}

	s.logger.Info("New archive detected, starting import process",
		"etag", metadata.ETag,
		"last_modified", metadata.LastModified)

	downloadPath := filepath.Join(
		s.config.DownloadDir,
		fmt.Sprintf("gtfs_%s_%s.zip", s.config.SourceName, metadata.Revision()),
	)

	if err := s.downloader.Download(ctx, metadata.URL, downloadPath); err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	defer func() {
		if err := os.Remove(downloadPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to remove downloaded archive", "path", downloadPath, "error", err)
		}
	}()

	if s.locker != nil {
		s.locker.LockForImport()
		defer s.locker.UnlockAfterImport()
	}

	result, err := s.importer.Import(ctx, downloadPath, db.ImportRecord{
		Source:       s.config.SourceName,
		URL:          metadata.URL,
		ETag:         metadata.ETag,
		LastModified: metadata.LastModified,
	})
	if err != nil {
		s.logger.Error("Import failed, previous data remains", "error", err)
		return nil, fmt.Errorf("importing data: %w", err)
	}

	s.logger.Info("Successfully imported new GTFS data",
		"source", s.config.SourceName,
		"routes", result.Routes,
		"stops", result.Stops)

	return result, nil
}
