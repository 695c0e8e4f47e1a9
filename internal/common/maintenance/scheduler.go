package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/logger"
)

// CleanupMetrics receives the number of rows removed per table.
type CleanupMetrics interface {
	CleanupObserved(table string, deleted int64)
}

// CleanupScheduler handles periodic maintenance tasks
type CleanupScheduler struct {
	maintenance        *Maintenance
	logger             logger.Logger
	config             SchedulerConfig
	metrics            CleanupMetrics
	isRunning          bool
	mu                 sync.RWMutex
	cancelFn           context.CancelFunc
	done               chan struct{}
	importLock         sync.RWMutex // Prevents cleanup during static imports
	isImportInProgress bool
}

type SchedulerConfig struct {
	CleanupInterval   time.Duration
	RealtimeRetention time.Duration
	// InitialDelay postpones the first run so a startup import can go first.
	InitialDelay time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CleanupInterval:   time.Hour,
		RealtimeRetention: 24 * time.Hour,
		InitialDelay:      time.Minute,
	}
}

func NewCleanupScheduler(database *db.DB, logger logger.Logger, config SchedulerConfig, metrics CleanupMetrics) *CleanupScheduler {
	return &CleanupScheduler{
		maintenance: New(database, logger),
		logger:      logger,
		config:      config,
		metrics:     metrics,
	}
}

func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("cleanup scheduler is already running")
	}
	if s.config.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.done = make(chan struct{})
	s.isRunning = true

	s.logger.Info("Starting cleanup scheduler",
		"interval", s.config.CleanupInterval,
		"retention", s.config.RealtimeRetention)

	go s.cleanupLoop(ctx, s.done)

	return nil
}

// Stop cancels the loop and waits for a running cleanup to return.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Stopping cleanup scheduler")
	s.cancelFn()
	s.isRunning = false
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("Cleanup scheduler stopped")
}

func (s *CleanupScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LockForImport prevents cleanup operations during static imports
func (s *CleanupScheduler) LockForImport() {
	s.importLock.Lock()
	s.isImportInProgress = true
	s.logger.Info("Cleanup operations locked for static import")
}

// UnlockAfterImport allows cleanup operations to resume after a static import
func (s *CleanupScheduler) UnlockAfterImport() {
	s.isImportInProgress = false
	s.importLock.Unlock()
	s.logger.Info("Cleanup operations unlocked after static import")
}

func (s *CleanupScheduler) canPerformCleanup() bool {
	s.importLock.RLock()
	defer s.importLock.RUnlock()
	return !s.isImportInProgress
}

func (s *CleanupScheduler) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	initialDelay := time.NewTimer(s.config.InitialDelay)
	defer initialDelay.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup loop stopping")
			return

		case <-initialDelay.C:
			s.performCleanup(ctx)

		case <-ticker.C:
			s.performCleanup(ctx)
		}
	}
}

func (s *CleanupScheduler) performCleanup(ctx context.Context) {
	if !s.canPerformCleanup() {
		s.logger.Debug("Skipping realtime cleanup - static import in progress")
		return
	}
	if err := s.run(ctx); err != nil {
		s.logger.Error("Realtime cleanup failed", "error", err)
	}
}

func (s *CleanupScheduler) run(ctx context.Context) error {
	start := time.Now()
	results := s.maintenance.CleanupRealtimeData(ctx, s.config.RealtimeRetention)

	var total int64
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
			continue
		}
		total += r.RecordsDeleted
		if s.metrics != nil {
			s.metrics.CleanupObserved(string(r.Table), r.RecordsDeleted)
		}
	}

	s.logger.Info("Realtime cleanup completed",
		"records_deleted", total,
		"failed_tables", failed,
		"duration", time.Since(start))

	if total > 0 {
		if err := s.maintenance.Vacuum(ctx); err != nil {
			s.logger.Warn("Failed to vacuum after cleanup", "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("cleanup failed for %d out of %d tables", failed, len(results))
	}
	return nil
}

// TriggerCleanup runs one cleanup immediately.
func (s *CleanupScheduler) TriggerCleanup(ctx context.Context) error {
	if !s.canPerformCleanup() {
		return fmt.Errorf("cannot perform cleanup - static import in progress")
	}
	s.logger.Info("Manual realtime cleanup triggered")
	return s.run(ctx)
}

func (s *CleanupScheduler) GetStatus() map[string]interface{} {
	s.mu.RLock()
	s.importLock.RLock()
	defer s.mu.RUnlock()
	defer s.importLock.RUnlock()

	return map[string]interface{}{
		"is_running":            s.isRunning,
		"is_import_in_progress": s.isImportInProgress,
		"cleanup_interval":      s.config.CleanupInterval.String(),
		"realtime_retention":    s.config.RealtimeRetention.String(),
	}
}
