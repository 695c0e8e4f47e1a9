package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/logger"
)

// RealtimeTable names a realtime table subject to retention cleanup.
type RealtimeTable string

const (
	VehiclePositionHistory RealtimeTable = "vehicle_position_history"
	VehiclePositions       RealtimeTable = "vehicle_positions"
	ServiceAlerts          RealtimeTable = "service_alerts"
)

// CleanupResult represents the result of a cleanup operation
type CleanupResult struct {
	Table          RealtimeTable
	RecordsDeleted int64
	Success        bool
	Error          string
}

// Maintenance handles database cleanup and maintenance operations
type Maintenance struct {
	db     *db.DB
	logger logger.Logger
	now    func() time.Time
}

func New(database *db.DB, logger logger.Logger) *Maintenance {
	return &Maintenance{
		db:     database,
		logger: logger,
		now:    time.Now,
	}
}

// CleanupTable prunes one table. History and latest positions older than
// retention are removed; alerts are removed once their active window has
// ended. Each table is cleaned independently so one failure does not block
// the others.
func (m *Maintenance) CleanupTable(ctx context.Context, table RealtimeTable, retention time.Duration) CleanupResult {
	result := CleanupResult{Table: table}
	now := m.now()
	cutoff := db.Timestamp(now.Add(-retention))

	m.logger.Debug("Cleaning up realtime table", "table", table, "cutoff", cutoff)

	var (
		deleted int64
		err     error
	)
	switch table {
	case VehiclePositionHistory:
		deleted, err = m.exec(ctx, `DELETE FROM vehicle_position_history WHERE recorded_at < ?`, cutoff)
	case VehiclePositions:
		deleted, err = m.exec(ctx, `DELETE FROM vehicle_positions WHERE recorded_at < ?`, cutoff)
	case ServiceAlerts:
		deleted, err = m.deleteExpiredAlerts(ctx, db.Timestamp(now))
	default:
		result.Error = fmt.Sprintf("unknown table: %s", table)
		return result
	}
	if err != nil {
		result.Error = fmt.Sprintf("deleting from %s: %v", table, err)
		return result
	}

	result.RecordsDeleted = deleted
	result.Success = true

	m.logger.Info("Cleaned up realtime table",
		"table", table,
		"records_deleted", deleted)

	return result
}

// CleanupRealtimeData prunes every realtime table.
func (m *Maintenance) CleanupRealtimeData(ctx context.Context, retention time.Duration) []CleanupResult {
	m.logger.Info("Starting realtime cleanup", "retention", retention)

	order := []RealtimeTable{
		VehiclePositionHistory,
		VehiclePositions,
		ServiceAlerts,
	}

	var results []CleanupResult
	successCount := 0
	for _, table := range order {
		result := m.CleanupTable(ctx, table, retention)
		results = append(results, result)

		if result.Success {
			successCount++
		} else {
			m.logger.Error("Failed to clean up realtime table",
				"table", table,
				"error", result.Error)
		}
	}

	m.logger.Info("Completed realtime cleanup",
		"successful_cleanups", successCount,
		"total_cleanups", len(order))

	return results
}

func (m *Maintenance) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := m.db.DB().ExecContext(ctx, m.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// deleteExpiredAlerts removes alerts whose window closed before now along
// with their informed entities. Alerts without an end stay until the feed
// drops them.
func (m *Maintenance) deleteExpiredAlerts(ctx context.Context, now time.Time) (int64, error) {
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, m.db.Rebind(`
		DELETE FROM alert_informed_entities
		WHERE alert_id IN (
			SELECT alert_id FROM service_alerts
			WHERE active_to IS NOT NULL AND active_to < ?
		)`), now)
	if err != nil {
		return 0, fmt.Errorf("deleting informed entities: %w", err)
	}

	res, err := tx.ExecContext(ctx, m.db.Rebind(`
		DELETE FROM service_alerts
		WHERE active_to IS NOT NULL AND active_to < ?`), now)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, tx.Commit()
}

// Vacuum refreshes planner statistics after a large delete. It must run
// outside a transaction.
func (m *Maintenance) Vacuum(ctx context.Context) error {
	tables := []RealtimeTable{VehiclePositionHistory, VehiclePositions, ServiceAlerts}

	if m.db.Driver() == db.DriverSQLite {
		_, err := m.db.DB().ExecContext(ctx, `ANALYZE`)
		return err
	}

	failed := 0
	for _, table := range tables {
		start := time.Now()
		if _, err := m.db.DB().ExecContext(ctx, "VACUUM ANALYZE "+string(table)); err != nil {
			failed++
			m.logger.Error("Failed to vacuum table", "table", table, "error", err)
			continue
		}
		m.logger.Debug("Vacuumed table", "table", table, "duration", time.Since(start))
	}
	if failed > 0 {
		return fmt.Errorf("vacuum failed for %d out of %d tables", failed, len(tables))
	}
	return nil
}
