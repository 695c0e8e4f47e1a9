package decoder

import (
	"time"

	"github.com/mtatracker-data/pkg/transit/models"
)

// Entity is one decoded record of a feed. The concrete type is one of
// *TripUpdateEntity, *VehiclePositionEntity or *AlertEntity.
type Entity interface {
	ID() string
	Source() string
	Deleted() bool
	entity()
}

// EntityHeader carries the fields shared by every entity variant.
type EntityHeader struct {
	FeedSource string
	EntityID   string
	IsDeleted  bool
}

func (h EntityHeader) ID() string     { return h.EntityID }
func (h EntityHeader) Source() string { return h.FeedSource }
func (h EntityHeader) Deleted() bool  { return h.IsDeleted }
func (EntityHeader) entity()          {}

type TripUpdateEntity struct {
	EntityHeader
	TripID     string
	RouteID    string
	StartDate  *string
	Direction  *int
	IsAssigned bool
	TrainID    *string
	Timestamp  *time.Time
	StopTimes  []StopTimeUpdate
}

// StopTimeUpdate keeps the raw stop id; normalization happens during
// reconciliation. Sequence is the update's position in the trip when the
// feed omits stop_sequence.
type StopTimeUpdate struct {
	StopID         string
	Sequence       int
	HasSequence    bool
	Arrival        *time.Time
	Departure      *time.Time
	ScheduledTrack *string
	ActualTrack    *string
}

type VehiclePositionEntity struct {
	EntityHeader
	TripID              string
	RouteID             *string
	StartDate           *string
	Timestamp           *time.Time
	Latitude            *float64
	Longitude           *float64
	CurrentStopSequence *int
	CurrentStopID       *string
	Status              models.VehicleStatus
}

type AlertEntity struct {
	EntityHeader
	ActiveFrom  *time.Time
	ActiveTo    *time.Time
	Informed    []models.AffectedEntity
	Header      *string
	Description *string
	URL         *string
	Cause       *string
	Effect      *string
}
