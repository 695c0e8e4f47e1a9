// Package models holds rows parsed from a GTFS static archive.
package models

// Location types from stops.txt.
const (
	LocationStop     = 0
	LocationStation  = 1
	LocationEntrance = 2
)

type Stop struct {
	StopID        string
	StopName      string
	StopLat       float64
	StopLon       float64
	LocationType  int
	ParentStation string
}

type Route struct {
	RouteID        string
	AgencyID       string
	RouteShortName string
	RouteLongName  string
	RouteType      int
	RouteColor     string
	RouteTextColor string
}
