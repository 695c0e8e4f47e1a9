package gateway

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/mtatracker-data/pkg/transit/models"
)

// Snapshot is an immutable view of aggregate state taken after a commit.
// Readers never see a half-applied poll through it.
type Snapshot struct {
	Stats       models.Stats
	RefreshedAt time.Time
	// Feeds maps each source to the time its last batch was applied.
	Feeds map[string]time.Time
}

// Snapshot returns ErrNotInitialized until the first batch is applied.
func (g *Gateway) Snapshot() (*Snapshot, error) {
	snap := g.snapshot.Load()
	if snap == nil {
		return nil, ErrNotInitialized
	}
	return snap, nil
}

// GetStats returns the counts of the latest snapshot.
func (g *Gateway) GetStats() (models.Stats, error) {
	snap, err := g.Snapshot()
	if err != nil {
		return models.Stats{}, err
	}
	return snap.Stats, nil
}

// CountStats queries the live counts.
func (g *Gateway) CountStats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	counts := []struct {
		table string
		dest  *int
	}{
		{"vehicle_positions", &stats.VehicleCount},
		{"trips", &stats.TripCount},
		{"routes", &stats.RouteCount},
	}
	for _, c := range counts {
		if err := g.db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return models.Stats{}, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	return stats, nil
}

func (g *Gateway) refresh(ctx context.Context, source string) error {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	now := g.now().UTC()
	g.feeds[source] = now

	stats, err := g.CountStats(ctx)
	if err != nil {
		if prev := g.snapshot.Load(); prev != nil {
			stats = prev.Stats
		} else {
			return err
		}
	}

	g.snapshot.Store(&Snapshot{
		Stats:       stats,
		RefreshedAt: now,
		Feeds:       maps.Clone(g.feeds),
	})
	return err
}
