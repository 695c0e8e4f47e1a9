package models

import "time"

// Source values recorded on routes and stops.
const (
	SourcePlaceholder = "placeholder"
	SourceStatic      = "static"
)

// UnknownServiceID marks a trip created from a vehicle position before any
// trip update described it. It is never a real calendar id.
const UnknownServiceID = "unknown"

// RouteTypeSubway is the GTFS route_type used for derived routes.
const RouteTypeSubway = 1

type Route struct {
	ID        string
	ShortName string
	LongName  string
	Type      int
	Color     string
	TextColor string
	IsActive  bool
	Source    string
	UpdatedAt time.Time
}

// IsPlaceholder reports whether the route was derived from realtime data only.
func (r Route) IsPlaceholder() bool {
	return r.Source == SourcePlaceholder
}

type Stop struct {
	ID            string
	Name          string
	Latitude      float64
	Longitude     float64
	ParentStation *string
	Source        string
	UpdatedAt     time.Time
}

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	StartDate   *string
	DirectionID *int
	IsAssigned  bool
	TrainID     *string
	UpdatedAt   time.Time
}

// IsStub reports whether the trip still carries the unknown service sentinel.
func (t Trip) IsStub() bool {
	return t.ServiceID == UnknownServiceID
}

type TripStop struct {
	TripID         string
	StopID         string
	StopSequence   int
	ArrivalTime    *time.Time
	DepartureTime  *time.Time
	ScheduledTrack *string
	ActualTrack    *string
	UpdatedAt      time.Time
}

// VehicleStatus mirrors the GTFS-realtime VehicleStopStatus with an explicit
// UNKNOWN for feeds that omit it.
type VehicleStatus string

const (
	StatusIncomingAt  VehicleStatus = "INCOMING_AT"
	StatusStoppedAt   VehicleStatus = "STOPPED_AT"
	StatusInTransitTo VehicleStatus = "IN_TRANSIT_TO"
	StatusUnknown     VehicleStatus = "UNKNOWN"
)

type VehiclePosition struct {
	TripID              string
	RouteID             *string
	Timestamp           time.Time
	Latitude            *float64
	Longitude           *float64
	CurrentStopSequence *int
	CurrentStopID       *string
	CurrentStatus       VehicleStatus
}

// Affected entity types on service alerts.
const (
	EntityAgency = "agency"
	EntityRoute  = "route"
	EntityStop   = "stop"
	EntityTrip   = "trip"
)

type AffectedEntity struct {
	EntityType string
	EntityID   string
}

type ServiceAlert struct {
	ID               string
	FeedSource       string
	ActiveFrom       *time.Time
	ActiveTo         *time.Time
	AffectedEntities []AffectedEntity
	HeaderText       *string
	DescriptionText  *string
	Cause            *string
	Effect           *string
	URL              *string
	UpdatedAt        time.Time
}

// ActiveAt reports whether t falls inside the alert window. A nil bound is open.
func (a ServiceAlert) ActiveAt(t time.Time) bool {
	if a.ActiveFrom != nil && t.Before(*a.ActiveFrom) {
		return false
	}
	if a.ActiveTo != nil && !t.Before(*a.ActiveTo) {
		return false
	}
	return true
}

type Stats struct {
	VehicleCount int `json:"vehicle_count"`
	TripCount    int `json:"trip_count"`
	RouteCount   int `json:"route_count"`
}
