package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mtatracker-data/internal/gtfs-realtime/reconciler"
)

// State returns the reconciler's read view of persisted keys. Keys known to
// exist are cached; misses always go to the database.
func (g *Gateway) State() reconciler.State {
	return stateReader{g}
}

type stateReader struct {
	g *Gateway
}

func (s stateReader) RouteExists(ctx context.Context, routeID string) (bool, error) {
	return s.g.exists(ctx, reconciler.KindRoute, `SELECT 1 FROM routes WHERE route_id = ?`, routeID)
}

func (s stateReader) StopExists(ctx context.Context, stopID string) (bool, error) {
	return s.g.exists(ctx, reconciler.KindStop, `SELECT 1 FROM stops WHERE stop_id = ?`, stopID)
}

func (s stateReader) TripExists(ctx context.Context, tripID string) (bool, error) {
	return s.g.exists(ctx, reconciler.KindTrip, `SELECT 1 FROM trips WHERE trip_id = ?`, tripID)
}

func cacheKey(kind reconciler.Kind, key string) string {
	return string(kind) + ":" + key
}

func (g *Gateway) exists(ctx context.Context, kind reconciler.Kind, query, key string) (bool, error) {
	if _, err := g.known.Get(cacheKey(kind, key)); err == nil {
		return true, nil
	}

	var one int
	err := g.db.DB().QueryRowContext(ctx, g.db.Rebind(query), key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s %q: %w", kind, key, err)
	}
	g.known.Set(cacheKey(kind, key), struct{}{})
	return true, nil
}

// remember caches the parent keys a committed group guarantees to exist.
func (g *Gateway) remember(outcomes []UpsertOutcome) {
	for _, o := range outcomes {
		switch o.Kind {
		case reconciler.KindRoute, reconciler.KindStop, reconciler.KindTrip:
			g.known.Set(cacheKey(o.Kind, o.Key), struct{}{})
		}
	}
}

// Forget drops every cached key, e.g. after rows were deleted outside the
// gateway.
func (g *Gateway) Forget() {
	g.known.Purge()
}
