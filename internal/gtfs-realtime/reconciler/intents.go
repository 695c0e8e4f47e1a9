package reconciler

import (
	"strconv"

	"github.com/mtatracker-data/pkg/transit/models"
)

// Kind names the table an intent writes to.
type Kind string

const (
	KindRoute           Kind = "route"
	KindStop            Kind = "stop"
	KindTrip            Kind = "trip"
	KindTripStop        Kind = "trip_stop"
	KindVehiclePosition Kind = "vehicle_position"
	KindVehicleHistory  Kind = "vehicle_history"
	KindAlert           Kind = "alert"
)

// Intent is an instruction to create or update one row. Intents are data
// only; the gateway applies them.
type Intent interface {
	Kind() Kind
	Key() string
}

// CreateRoute inserts a route unless one already exists.
type CreateRoute struct {
	Route models.Route
}

// CreateStop inserts a stop unless one already exists.
type CreateStop struct {
	Stop models.Stop
}

// CreateTrip inserts a trip. When the trip exists already a full trip
// falls through to UpsertTrip semantics; a Stub never changes an existing row.
type CreateTrip struct {
	Trip models.Trip
	Stub bool
}

// UpsertTrip updates the mutable fields of a trip. Route and a real service
// id are never overwritten; a stub's unknown service id is filled in.
type UpsertTrip struct {
	Trip models.Trip
}

// UpsertTripStop writes one stop visit keyed by trip and stop. An inferred
// sequence never moves a stored visit; a new visit is placed after the
// trip's last stored one.
type UpsertTripStop struct {
	TripStop         models.TripStop
	InferredSequence bool
}

// UpsertVehiclePosition replaces the latest position of a trip unless the
// stored one is newer.
type UpsertVehiclePosition struct {
	Position models.VehiclePosition
}

// AppendVehicleHistory records a position in the trajectory table.
type AppendVehicleHistory struct {
	Position models.VehiclePosition
}

// UpsertAlert replaces an alert and its informed entities.
type UpsertAlert struct {
	Alert models.ServiceAlert
}

func (i CreateRoute) Kind() Kind { return KindRoute }
func (i CreateRoute) Key() string { return i.Route.ID }

func (i CreateStop) Kind() Kind { return KindStop }
func (i CreateStop) Key() string { return i.Stop.ID }

func (i CreateTrip) Kind() Kind { return KindTrip }
func (i CreateTrip) Key() string { return i.Trip.ID }

func (i UpsertTrip) Kind() Kind { return KindTrip }
func (i UpsertTrip) Key() string { return i.Trip.ID }

func (i UpsertTripStop) Kind() Kind { return KindTripStop }
func (i UpsertTripStop) Key() string {
	return i.TripStop.TripID + "/" + i.TripStop.StopID
}

func (i UpsertVehiclePosition) Kind() Kind { return KindVehiclePosition }
func (i UpsertVehiclePosition) Key() string { return i.Position.TripID }

func (i AppendVehicleHistory) Kind() Kind { return KindVehicleHistory }
func (i AppendVehicleHistory) Key() string {
	return i.Position.TripID + "@" + strconv.FormatInt(i.Position.Timestamp.Unix(), 10)
}

func (i UpsertAlert) Kind() Kind { return KindAlert }
func (i UpsertAlert) Key() string { return i.Alert.ID }

// Group is the ordered intents derived from one entity. The gateway commits
// a group atomically: parents (route, stop, trip) precede their dependents.
type Group struct {
	Source   string
	EntityID string
	Intents  []Intent
}
