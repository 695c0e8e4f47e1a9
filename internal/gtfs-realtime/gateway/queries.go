package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/pkg/transit/models"
)

const (
	selectRoute = `
		SELECT route_id, short_name, long_name, route_type, color, text_color, is_active, source, updated_at
		FROM routes`
	selectStop = `
		SELECT stop_id, name, latitude, longitude, parent_station, source, updated_at
		FROM stops`
	selectTrip = `
		SELECT trip_id, route_id, service_id, start_date, direction_id, is_assigned, train_id, updated_at
		FROM trips`
	selectTripStop = `
		SELECT trip_id, stop_sequence, stop_id, arrival_time, departure_time, scheduled_track, actual_track, updated_at
		FROM trip_stops`
	selectVehiclePosition = `
		SELECT trip_id, route_id, recorded_at, latitude, longitude, current_stop_sequence, current_stop_id, current_status
		FROM vehicle_positions`
	selectAlert = `
		SELECT alert_id, feed_source, active_from, active_to, header_text, description_text, cause, effect, url, updated_at
		FROM service_alerts`
)

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanRoute(row scanner) (*models.Route, error) {
	var r models.Route
	if err := row.Scan(&r.ID, &r.ShortName, &r.LongName, &r.Type, &r.Color, &r.TextColor, &r.IsActive, &r.Source, &r.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func scanStop(row scanner) (*models.Stop, error) {
	var (
		s      models.Stop
		parent sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude, &parent, &s.Source, &s.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	s.ParentStation = stringPtr(parent)
	return &s, nil
}

func scanTrip(row scanner) (*models.Trip, error) {
	var (
		t         models.Trip
		startDate sql.NullString
		direction sql.NullInt64
		trainID   sql.NullString
	)
	if err := row.Scan(&t.ID, &t.RouteID, &t.ServiceID, &startDate, &direction, &t.IsAssigned, &trainID, &t.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	t.StartDate = stringPtr(startDate)
	t.DirectionID = intPtr(direction)
	t.TrainID = stringPtr(trainID)
	return &t, nil
}

func scanTripStop(row scanner) (*models.TripStop, error) {
	var (
		ts                 models.TripStop
		arrival, departure sql.NullTime
		scheduled, actual  sql.NullString
	)
	if err := row.Scan(&ts.TripID, &ts.StopSequence, &ts.StopID, &arrival, &departure, &scheduled, &actual, &ts.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	ts.ArrivalTime = timePtr(arrival)
	ts.DepartureTime = timePtr(departure)
	ts.ScheduledTrack = stringPtr(scheduled)
	ts.ActualTrack = stringPtr(actual)
	return &ts, nil
}

func scanVehiclePosition(row scanner) (*models.VehiclePosition, error) {
	var (
		p        models.VehiclePosition
		routeID  sql.NullString
		lat, lon sql.NullFloat64
		seq      sql.NullInt64
		stopID   sql.NullString
		status   string
	)
	if err := row.Scan(&p.TripID, &routeID, &p.Timestamp, &lat, &lon, &seq, &stopID, &status); err != nil {
		return nil, notFound(err)
	}
	p.RouteID = stringPtr(routeID)
	p.Latitude = floatPtr(lat)
	p.Longitude = floatPtr(lon)
	p.CurrentStopSequence = intPtr(seq)
	p.CurrentStopID = stringPtr(stopID)
	p.CurrentStatus = models.VehicleStatus(status)
	return &p, nil
}

func scanAlert(row scanner) (*models.ServiceAlert, error) {
	var (
		a                     models.ServiceAlert
		from, to              sql.NullTime
		header, description   sql.NullString
		cause, effect, urlStr sql.NullString
	)
	if err := row.Scan(&a.ID, &a.FeedSource, &from, &to, &header, &description, &cause, &effect, &urlStr, &a.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	a.ActiveFrom = timePtr(from)
	a.ActiveTo = timePtr(to)
	a.HeaderText = stringPtr(header)
	a.DescriptionText = stringPtr(description)
	a.Cause = stringPtr(cause)
	a.Effect = stringPtr(effect)
	a.URL = stringPtr(urlStr)
	return &a, nil
}

// ListRoutes returns every route ordered by id.
func (g *Gateway) ListRoutes(ctx context.Context) ([]models.Route, error) {
	rows, err := g.db.DB().QueryContext(ctx, selectRoute+` ORDER BY route_id`)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	var routes []models.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, *r)
	}
	return routes, rows.Err()
}

func (g *Gateway) FindRoute(ctx context.Context, routeID string) (*models.Route, error) {
	return scanRoute(g.db.DB().QueryRowContext(ctx, g.db.Rebind(selectRoute+` WHERE route_id = ?`), routeID))
}

func (g *Gateway) FindStop(ctx context.Context, stopID string) (*models.Stop, error) {
	return scanStop(g.db.DB().QueryRowContext(ctx, g.db.Rebind(selectStop+` WHERE stop_id = ?`), stopID))
}

// GetTrip returns ErrNotFound for an unknown trip.
func (g *Gateway) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	return scanTrip(g.db.DB().QueryRowContext(ctx, g.db.Rebind(selectTrip+` WHERE trip_id = ?`), tripID))
}

func (g *Gateway) FindTripStop(ctx context.Context, tripID string, sequence int) (*models.TripStop, error) {
	return scanTripStop(g.db.DB().QueryRowContext(ctx,
		g.db.Rebind(selectTripStop+` WHERE trip_id = ? AND stop_sequence = ?`), tripID, sequence))
}

// ListTripStops returns the stops of a trip in sequence order.
func (g *Gateway) ListTripStops(ctx context.Context, tripID string) ([]models.TripStop, error) {
	rows, err := g.db.DB().QueryContext(ctx,
		g.db.Rebind(selectTripStop+` WHERE trip_id = ? ORDER BY stop_sequence`), tripID)
	if err != nil {
		return nil, fmt.Errorf("querying trip stops: %w", err)
	}
	defer rows.Close()

	var stops []models.TripStop
	for rows.Next() {
		ts, err := scanTripStop(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trip stop: %w", err)
		}
		stops = append(stops, *ts)
	}
	return stops, rows.Err()
}

func (g *Gateway) GetVehiclePosition(ctx context.Context, tripID string) (*models.VehiclePosition, error) {
	return scanVehiclePosition(g.db.DB().QueryRowContext(ctx,
		g.db.Rebind(selectVehiclePosition+` WHERE trip_id = ?`), tripID))
}

// ListActiveAlerts returns the alerts whose window contains now, with their
// informed entities.
func (g *Gateway) ListActiveAlerts(ctx context.Context, now time.Time) ([]models.ServiceAlert, error) {
	at := db.Timestamp(now)
	rows, err := g.db.DB().QueryContext(ctx, g.db.Rebind(selectAlert+`
		WHERE (active_from IS NULL OR active_from <= ?)
		  AND (active_to IS NULL OR active_to > ?)
		ORDER BY alert_id`), at, at)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}

	var alerts []models.ServiceAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows are closed before the follow-up queries so a single-connection
	// pool is free again.
	for i := range alerts {
		entities, err := g.informedEntities(ctx, alerts[i].ID)
		if err != nil {
			return nil, err
		}
		alerts[i].AffectedEntities = entities
	}
	return alerts, nil
}

func (g *Gateway) informedEntities(ctx context.Context, alertID string) ([]models.AffectedEntity, error) {
	rows, err := g.db.DB().QueryContext(ctx, g.db.Rebind(`
		SELECT entity_type, entity_id
		FROM alert_informed_entities
		WHERE alert_id = ?
		ORDER BY entity_type, entity_id`), alertID)
	if err != nil {
		return nil, fmt.Errorf("querying informed entities: %w", err)
	}
	defer rows.Close()

	var out []models.AffectedEntity
	for rows.Next() {
		var ref models.AffectedEntity
		if err := rows.Scan(&ref.EntityType, &ref.EntityID); err != nil {
			return nil, fmt.Errorf("scanning informed entity: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
