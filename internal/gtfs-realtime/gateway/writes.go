package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/gtfs-realtime/reconciler"
	"github.com/mtatracker-data/pkg/transit/models"
)

// write applies one intent. cursors holds, per trip, the sequence of the
// last visit matched by an inferred-sequence upsert in this group.
func (g *Gateway) write(ctx context.Context, tx *sql.Tx, intent reconciler.Intent, cursors map[string]int, now time.Time) (Action, error) {
	switch i := intent.(type) {
	case reconciler.CreateRoute:
		return g.createRoute(ctx, tx, i.Route, now)
	case reconciler.CreateStop:
		return g.createStop(ctx, tx, i.Stop, now)
	case reconciler.CreateTrip:
		return g.upsertTrip(ctx, tx, i.Trip, i.Stub, now)
	case reconciler.UpsertTrip:
		return g.upsertTrip(ctx, tx, i.Trip, false, now)
	case reconciler.UpsertTripStop:
		return g.upsertTripStop(ctx, tx, i, cursors, now)
	case reconciler.UpsertVehiclePosition:
		return g.upsertVehiclePosition(ctx, tx, i.Position)
	case reconciler.AppendVehicleHistory:
		return g.appendVehicleHistory(ctx, tx, i.Position)
	case reconciler.UpsertAlert:
		return g.upsertAlert(ctx, tx, i.Alert, now)
	default:
		return "", fmt.Errorf("unsupported intent %T", intent)
	}
}

func insertAction(res sql.Result) (Action, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return ActionUnchanged, nil
	}
	return ActionCreated, nil
}

// createRoute never overwrites: an existing route, placeholder or static,
// wins over the derived one.
func (g *Gateway) createRoute(ctx context.Context, tx *sql.Tx, r models.Route, now time.Time) (Action, error) {
	res, err := tx.ExecContext(ctx, g.db.Rebind(`
		INSERT INTO routes (route_id, short_name, long_name, route_type, color, text_color, is_active, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (route_id) DO NOTHING`),
		r.ID, r.ShortName, r.LongName, r.Type, r.Color, r.TextColor, r.IsActive, r.Source, now)
	if err != nil {
		return "", fmt.Errorf("inserting route: %w", err)
	}
	return insertAction(res)
}

func (g *Gateway) createStop(ctx context.Context, tx *sql.Tx, s models.Stop, now time.Time) (Action, error) {
	res, err := tx.ExecContext(ctx, g.db.Rebind(`
		INSERT INTO stops (stop_id, name, latitude, longitude, parent_station, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stop_id) DO NOTHING`),
		s.ID, s.Name, s.Latitude, s.Longitude, nullString(s.ParentStation), s.Source, now)
	if err != nil {
		return "", fmt.Errorf("inserting stop: %w", err)
	}
	return insertAction(res)
}

// upsertTrip inserts t or merges it into the stored trip. A stub never
// changes an existing row.
func (g *Gateway) upsertTrip(ctx context.Context, tx *sql.Tx, t models.Trip, stub bool, now time.Time) (Action, error) {
	res, err := tx.ExecContext(ctx, g.db.Rebind(`
		INSERT INTO trips (trip_id, route_id, service_id, start_date, direction_id, is_assigned, train_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id) DO NOTHING`),
		t.ID, t.RouteID, t.ServiceID, nullString(t.StartDate), nullInt(t.DirectionID), t.IsAssigned, nullString(t.TrainID), now)
	if err != nil {
		return "", fmt.Errorf("inserting trip: %w", err)
	}
	if action, err := insertAction(res); err != nil || action == ActionCreated {
		return action, err
	}
	if stub {
		return ActionUnchanged, nil
	}

	current, err := scanTrip(tx.QueryRowContext(ctx, g.db.Rebind(selectTrip+` WHERE trip_id = ?`), t.ID))
	if err != nil {
		return "", fmt.Errorf("loading trip: %w", err)
	}
	merged := mergeTrip(*current, t)
	if sameTrip(*current, merged) {
		return ActionUnchanged, nil
	}

	_, err = tx.ExecContext(ctx, g.db.Rebind(`
		UPDATE trips
		SET service_id = ?, start_date = ?, direction_id = ?, is_assigned = ?, train_id = ?, updated_at = ?
		WHERE trip_id = ?`),
		merged.ServiceID, nullString(merged.StartDate), nullInt(merged.DirectionID),
		merged.IsAssigned, nullString(merged.TrainID), now, t.ID)
	if err != nil {
		return "", fmt.Errorf("updating trip: %w", err)
	}
	return ActionUpdated, nil
}

// mergeTrip applies an update to a stored trip. The route never changes
// and a real service id is never replaced; the unknown sentinel is.
func mergeTrip(current, update models.Trip) models.Trip {
	merged := current
	if current.IsStub() && !update.IsStub() {
		merged.ServiceID = update.ServiceID
	}
	if current.StartDate == nil {
		merged.StartDate = update.StartDate
	}
	if update.DirectionID != nil {
		merged.DirectionID = update.DirectionID
	}
	if update.TrainID != nil {
		merged.TrainID = update.TrainID
	}
	merged.IsAssigned = update.IsAssigned
	return merged
}

func sameTrip(a, b models.Trip) bool {
	return a.ServiceID == b.ServiceID &&
		equalPtr(a.StartDate, b.StartDate) &&
		equalPtr(a.DirectionID, b.DirectionID) &&
		equalPtr(a.TrainID, b.TrainID) &&
		a.IsAssigned == b.IsAssigned
}

// upsertTripStop writes one visit. A visit with a feed sequence is matched
// on (trip, sequence). An inferred visit is matched to the first stored
// visit of the same stop after the trip's cursor, so visits the vehicle has
// already passed keep their rows; an unmatched one is appended after the
// trip's last stored visit.
func (g *Gateway) upsertTripStop(ctx context.Context, tx *sql.Tx, i reconciler.UpsertTripStop, cursors map[string]int, now time.Time) (Action, error) {
	ts := i.TripStop
	cursor, ok := cursors[ts.TripID]
	if !ok {
		cursor = -1
	}

	var (
		current *models.TripStop
		err     error
	)
	if i.InferredSequence {
		current, err = scanTripStop(tx.QueryRowContext(ctx, g.db.Rebind(selectTripStop+`
			WHERE trip_id = ? AND stop_id = ? AND stop_sequence > ?
			ORDER BY stop_sequence LIMIT 1`), ts.TripID, ts.StopID, cursor))
	} else {
		current, err = scanTripStop(tx.QueryRowContext(ctx,
			g.db.Rebind(selectTripStop+` WHERE trip_id = ? AND stop_sequence = ?`), ts.TripID, ts.StopSequence))
	}

	if errors.Is(err, ErrNotFound) {
		if i.InferredSequence {
			if err := tx.QueryRowContext(ctx, g.db.Rebind(`
				SELECT COALESCE(MAX(stop_sequence) + 1, 0) FROM trip_stops WHERE trip_id = ?`), ts.TripID).Scan(&ts.StopSequence); err != nil {
				return "", fmt.Errorf("numbering trip stop: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, g.db.Rebind(`
			INSERT INTO trip_stops (trip_id, stop_sequence, stop_id, arrival_time, departure_time, scheduled_track, actual_track, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			ts.TripID, ts.StopSequence, ts.StopID,
			db.NullTimestamp(ts.ArrivalTime), db.NullTimestamp(ts.DepartureTime),
			nullString(ts.ScheduledTrack), nullString(ts.ActualTrack), now)
		if err != nil {
			return "", fmt.Errorf("inserting trip stop: %w", err)
		}
		if i.InferredSequence {
			cursors[ts.TripID] = ts.StopSequence
		}
		return ActionCreated, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading trip stop: %w", err)
	}
	if i.InferredSequence {
		cursors[ts.TripID] = current.StopSequence
	}

	merged := *current
	merged.StopID = ts.StopID
	if ts.ArrivalTime != nil {
		merged.ArrivalTime = ts.ArrivalTime
	}
	if ts.DepartureTime != nil {
		merged.DepartureTime = ts.DepartureTime
	}
	if ts.ScheduledTrack != nil {
		merged.ScheduledTrack = ts.ScheduledTrack
	}
	if ts.ActualTrack != nil {
		merged.ActualTrack = ts.ActualTrack
	}
	if sameTripStop(*current, merged) {
		return ActionUnchanged, nil
	}

	_, err = tx.ExecContext(ctx, g.db.Rebind(`
		UPDATE trip_stops
		SET stop_id = ?, arrival_time = ?, departure_time = ?, scheduled_track = ?, actual_track = ?, updated_at = ?
		WHERE trip_id = ? AND stop_sequence = ?`),
		merged.StopID, db.NullTimestamp(merged.ArrivalTime), db.NullTimestamp(merged.DepartureTime),
		nullString(merged.ScheduledTrack), nullString(merged.ActualTrack), now,
		current.TripID, current.StopSequence)
	if err != nil {
		return "", fmt.Errorf("updating trip stop: %w", err)
	}
	return ActionUpdated, nil
}

func sameTripStop(a, b models.TripStop) bool {
	return a.StopID == b.StopID &&
		equalTime(a.ArrivalTime, b.ArrivalTime) &&
		equalTime(a.DepartureTime, b.DepartureTime) &&
		equalPtr(a.ScheduledTrack, b.ScheduledTrack) &&
		equalPtr(a.ActualTrack, b.ActualTrack)
}

// upsertVehiclePosition keeps the newest position per trip. An older
// timestamp than the stored one is reported stale and ignored.
func (g *Gateway) upsertVehiclePosition(ctx context.Context, tx *sql.Tx, p models.VehiclePosition) (Action, error) {
	recordedAt := db.Timestamp(p.Timestamp)

	var stored time.Time
	err := tx.QueryRowContext(ctx, g.db.Rebind(`
		SELECT recorded_at FROM vehicle_positions WHERE trip_id = ?`), p.TripID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		res, insErr := tx.ExecContext(ctx, g.db.Rebind(`
			INSERT INTO vehicle_positions (trip_id, route_id, recorded_at, latitude, longitude, current_stop_sequence, current_stop_id, current_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (trip_id) DO NOTHING`),
			p.TripID, nullString(p.RouteID), recordedAt, nullFloat(p.Latitude), nullFloat(p.Longitude),
			nullInt(p.CurrentStopSequence), nullString(p.CurrentStopID), string(p.CurrentStatus))
		if insErr != nil {
			return "", fmt.Errorf("inserting vehicle position: %w", insErr)
		}
		if action, insErr := insertAction(res); insErr != nil || action == ActionCreated {
			return action, insErr
		}
		// Another writer committed the row after our read.
		err = tx.QueryRowContext(ctx, g.db.Rebind(`
			SELECT recorded_at FROM vehicle_positions WHERE trip_id = ?`), p.TripID).Scan(&stored)
	}
	if err != nil {
		return "", fmt.Errorf("loading vehicle position: %w", err)
	}

	if recordedAt.Before(stored) {
		return ActionStale, nil
	}
	if recordedAt.Equal(stored) {
		return ActionUnchanged, nil
	}

	res, err := tx.ExecContext(ctx, g.db.Rebind(`
		UPDATE vehicle_positions
		SET route_id = ?, recorded_at = ?, latitude = ?, longitude = ?,
			current_stop_sequence = ?, current_stop_id = ?, current_status = ?
		WHERE trip_id = ? AND recorded_at < ?`),
		nullString(p.RouteID), recordedAt, nullFloat(p.Latitude), nullFloat(p.Longitude),
		nullInt(p.CurrentStopSequence), nullString(p.CurrentStopID), string(p.CurrentStatus),
		p.TripID, recordedAt)
	if err != nil {
		return "", fmt.Errorf("updating vehicle position: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", err
	} else if n == 0 {
		return ActionStale, nil
	}
	return ActionUpdated, nil
}

func (g *Gateway) appendVehicleHistory(ctx context.Context, tx *sql.Tx, p models.VehiclePosition) (Action, error) {
	res, err := tx.ExecContext(ctx, g.db.Rebind(`
		INSERT INTO vehicle_position_history (trip_id, recorded_at, route_id, latitude, longitude, current_stop_sequence, current_stop_id, current_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id, recorded_at) DO NOTHING`),
		p.TripID, db.Timestamp(p.Timestamp), nullString(p.RouteID), nullFloat(p.Latitude), nullFloat(p.Longitude),
		nullInt(p.CurrentStopSequence), nullString(p.CurrentStopID), string(p.CurrentStatus))
	if err != nil {
		return "", fmt.Errorf("appending vehicle history: %w", err)
	}
	return insertAction(res)
}

// upsertAlert replaces the alert row and its informed entities.
func (g *Gateway) upsertAlert(ctx context.Context, tx *sql.Tx, a models.ServiceAlert, now time.Time) (Action, error) {
	var exists int
	err := tx.QueryRowContext(ctx, g.db.Rebind(`SELECT 1 FROM service_alerts WHERE alert_id = ?`), a.ID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("loading alert: %w", err)
	}
	action := ActionUpdated
	if errors.Is(err, sql.ErrNoRows) {
		action = ActionCreated
	}

	_, err = tx.ExecContext(ctx, g.db.Rebind(`
		INSERT INTO service_alerts (alert_id, feed_source, active_from, active_to, header_text, description_text, cause, effect, url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id) DO UPDATE SET
			feed_source = excluded.feed_source,
			active_from = excluded.active_from,
			active_to = excluded.active_to,
			header_text = excluded.header_text,
			description_text = excluded.description_text,
			cause = excluded.cause,
			effect = excluded.effect,
			url = excluded.url,
			updated_at = excluded.updated_at`),
		a.ID, a.FeedSource, db.NullTimestamp(a.ActiveFrom), db.NullTimestamp(a.ActiveTo),
		nullString(a.HeaderText), nullString(a.DescriptionText),
		nullString(a.Cause), nullString(a.Effect), nullString(a.URL), now)
	if err != nil {
		return "", fmt.Errorf("upserting alert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, g.db.Rebind(`DELETE FROM alert_informed_entities WHERE alert_id = ?`), a.ID); err != nil {
		return "", fmt.Errorf("clearing informed entities: %w", err)
	}
	for _, ref := range a.AffectedEntities {
		_, err := tx.ExecContext(ctx, g.db.Rebind(`
			INSERT INTO alert_informed_entities (alert_id, entity_type, entity_id)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING`),
			a.ID, ref.EntityType, ref.EntityID)
		if err != nil {
			return "", fmt.Errorf("inserting informed entity: %w", err)
		}
	}
	return action, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
