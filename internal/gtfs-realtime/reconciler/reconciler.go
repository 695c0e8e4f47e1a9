// Package reconciler maps decoded feed entities onto upsert intents.
//
// Reconciliation reads current state through State but never writes: each
// entity becomes one self-contained Group of intents, and deciding whether
// those intents create or update rows is left to the gateway at commit time.
// A failure in one entity never stops its siblings.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/mtatracker-data/internal/gtfs-realtime/decoder"
	"github.com/mtatracker-data/pkg/transit/models"
)

// State answers existence questions about persisted keys.
type State interface {
	RouteExists(ctx context.Context, routeID string) (bool, error)
	StopExists(ctx context.Context, stopID string) (bool, error)
	TripExists(ctx context.Context, tripID string) (bool, error)
}

// ReconciliationError reports an entity that could not be mapped. The
// entity is skipped; the rest of the batch continues.
type ReconciliationError struct {
	Source   string
	EntityID string
	Reason   string
	Err      error
}

func (e *ReconciliationError) Error() string {
	msg := fmt.Sprintf("reconciling %s entity %q: %s", e.Source, e.EntityID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Batch is the result of reconciling a whole feed.
type Batch struct {
	Source        string
	FeedTimestamp *time.Time
	Entities      int
	Groups        []Group
	Errors        []*ReconciliationError
}

// IntentCount is the number of intents across all groups.
func (b *Batch) IntentCount() int {
	n := 0
	for _, g := range b.Groups {
		n += len(g.Intents)
	}
	return n
}

type Reconciler struct {
	state State
	rules Rules
}

func New(state State, rules Rules) *Reconciler {
	if rules == nil {
		rules = Rules{}
	}
	return &Reconciler{state: state, rules: rules}
}

// ReconcileFeed consumes every entity of feed.
func (r *Reconciler) ReconcileFeed(ctx context.Context, feed *decoder.Feed) *Batch {
	batch := &Batch{Source: feed.Source, FeedTimestamp: feed.Timestamp}
	for e := range feed.Entities() {
		batch.Entities++
		group, err := r.Reconcile(ctx, e)
		if err != nil {
			batch.Errors = append(batch.Errors, asReconciliationError(e, err))
			continue
		}
		if len(group.Intents) > 0 {
			batch.Groups = append(batch.Groups, group)
		}
	}
	return batch
}

// Reconcile maps a single entity. Deleted entities produce an empty group.
func (r *Reconciler) Reconcile(ctx context.Context, e decoder.Entity) (Group, error) {
	group := Group{Source: e.Source(), EntityID: e.ID()}
	if e.Deleted() {
		return group, nil
	}

	var (
		intents []Intent
		err     error
	)
	switch ent := e.(type) {
	case *decoder.TripUpdateEntity:
		intents, err = r.tripUpdate(ctx, ent)
	case *decoder.VehiclePositionEntity:
		intents, err = r.vehiclePosition(ctx, ent)
	case *decoder.AlertEntity:
		intents, err = r.alert(ent)
	default:
		err = fmt.Errorf("unsupported entity %T", e)
	}
	if err != nil {
		return Group{}, err
	}
	group.Intents = intents
	return group, nil
}

func (r *Reconciler) tripUpdate(ctx context.Context, e *decoder.TripUpdateEntity) ([]Intent, error) {
	if e.TripID == "" {
		return nil, fail(e, "trip update without trip id", nil)
	}
	rule := r.rules.For(e.Source())

	tripKnown, err := r.state.TripExists(ctx, e.TripID)
	if err != nil {
		return nil, fail(e, "trip lookup", err)
	}

	var intents []Intent
	if e.RouteID == "" {
		if !tripKnown {
			return nil, fail(e, "unknown trip without route id", nil)
		}
	} else {
		route, err := r.routeIntent(ctx, rule, e.RouteID)
		if err != nil {
			return nil, fail(e, "route lookup", err)
		}
		if route != nil {
			intents = append(intents, route)
		}
	}

	// Stops are resolved before any intent is emitted so that one bad stop
	// rejects the whole entity.
	var explicit, inferred []Intent
	var stops []Intent
	seen := make(map[string]bool)
	for _, st := range e.StopTimes {
		stopID, err := NormalizeStopID(rule, st.StopID)
		if err != nil {
			return nil, fail(e, fmt.Sprintf("stop time update %d", st.Sequence), err)
		}
		if !seen[stopID] {
			seen[stopID] = true
			known, err := r.state.StopExists(ctx, stopID)
			if err != nil {
				return nil, fail(e, "stop lookup", err)
			}
			if !known {
				stops = append(stops, CreateStop{Stop: PlaceholderStop(stopID)})
			}
		}
		visit := UpsertTripStop{
			TripStop: models.TripStop{
				TripID:         e.TripID,
				StopID:         stopID,
				StopSequence:   st.Sequence,
				ArrivalTime:    st.Arrival,
				DepartureTime:  st.Departure,
				ScheduledTrack: st.ScheduledTrack,
				ActualTrack:    st.ActualTrack,
			},
			InferredSequence: !st.HasSequence,
		}
		if st.HasSequence {
			explicit = append(explicit, visit)
		} else {
			inferred = append(inferred, visit)
		}
	}
	intents = append(intents, stops...)

	trip := models.Trip{
		ID:          e.TripID,
		RouteID:     e.RouteID,
		ServiceID:   serviceID(e.StartDate),
		StartDate:   e.StartDate,
		DirectionID: e.Direction,
		IsAssigned:  e.IsAssigned,
		TrainID:     e.TrainID,
	}
	if tripKnown {
		intents = append(intents, UpsertTrip{Trip: trip})
	} else {
		intents = append(intents, CreateTrip{Trip: trip})
	}

	// Visits with a feed sequence are written first so inferred ones are
	// numbered after them.
	intents = append(intents, explicit...)
	intents = append(intents, inferred...)
	return intents, nil
}

func (r *Reconciler) vehiclePosition(ctx context.Context, e *decoder.VehiclePositionEntity) ([]Intent, error) {
	if e.TripID == "" {
		return nil, fail(e, "vehicle position without trip id", nil)
	}
	if e.Timestamp == nil {
		return nil, fail(e, "vehicle position without timestamp", nil)
	}
	rule := r.rules.For(e.Source())

	tripKnown, err := r.state.TripExists(ctx, e.TripID)
	if err != nil {
		return nil, fail(e, "trip lookup", err)
	}

	var intents []Intent
	if !tripKnown {
		if e.RouteID == nil {
			return nil, fail(e, "unknown trip without route id", nil)
		}
		route, err := r.routeIntent(ctx, rule, *e.RouteID)
		if err != nil {
			return nil, fail(e, "route lookup", err)
		}
		if route != nil {
			intents = append(intents, route)
		}
		intents = append(intents, CreateTrip{
			Stub: true,
			Trip: models.Trip{
				ID:        e.TripID,
				RouteID:   *e.RouteID,
				ServiceID: models.UnknownServiceID,
				StartDate: e.StartDate,
			},
		})
	}

	pos := models.VehiclePosition{
		TripID:              e.TripID,
		RouteID:             e.RouteID,
		Timestamp:           *e.Timestamp,
		Latitude:            e.Latitude,
		Longitude:           e.Longitude,
		CurrentStopSequence: e.CurrentStopSequence,
		CurrentStatus:       e.Status,
	}
	if e.CurrentStopID != nil {
		if stopID, err := NormalizeStopID(rule, *e.CurrentStopID); err == nil {
			pos.CurrentStopID = &stopID
		}
	}

	intents = append(intents, UpsertVehiclePosition{Position: pos})
	if rule.KeepHistory {
		intents = append(intents, AppendVehicleHistory{Position: pos})
	}
	return intents, nil
}

func (r *Reconciler) alert(e *decoder.AlertEntity) ([]Intent, error) {
	if e.ID() == "" {
		return nil, fail(e, "alert without entity id", nil)
	}
	rule := r.rules.For(e.Source())

	affected := make([]models.AffectedEntity, 0, len(e.Informed))
	seen := make(map[models.AffectedEntity]bool)
	for _, ref := range e.Informed {
		if ref.EntityType == models.EntityStop {
			stopID, err := NormalizeStopID(rule, ref.EntityID)
			if err != nil {
				continue
			}
			ref.EntityID = stopID
		}
		if !seen[ref] {
			seen[ref] = true
			affected = append(affected, ref)
		}
	}

	return []Intent{UpsertAlert{Alert: models.ServiceAlert{
		ID:               AlertID(e.Source(), e.ID()),
		FeedSource:       e.Source(),
		ActiveFrom:       e.ActiveFrom,
		ActiveTo:         e.ActiveTo,
		AffectedEntities: affected,
		HeaderText:       e.Header,
		DescriptionText:  e.Description,
		Cause:            e.Cause,
		Effect:           e.Effect,
		URL:              e.URL,
	}}}, nil
}

// routeIntent returns a CreateRoute for an unknown route, or nil.
func (r *Reconciler) routeIntent(ctx context.Context, rule Rule, routeID string) (Intent, error) {
	known, err := r.state.RouteExists(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if known {
		return nil, nil
	}
	return CreateRoute{Route: PlaceholderRoute(rule, routeID)}, nil
}

func serviceID(startDate *string) string {
	if startDate == nil || *startDate == "" {
		return models.UnknownServiceID
	}
	return *startDate
}

func fail(e decoder.Entity, reason string, err error) *ReconciliationError {
	return &ReconciliationError{Source: e.Source(), EntityID: e.ID(), Reason: reason, Err: err}
}

func asReconciliationError(e decoder.Entity, err error) *ReconciliationError {
	if re, ok := err.(*ReconciliationError); ok {
		return re
	}
	return fail(e, "unexpected", err)
}
