// Package decoder turns GTFS-realtime protobuf payloads into typed entities.
//
// Decoding is a pure function of the payload bytes and the feed source
// description; it never touches shared state. Optional protobuf fields
// become nil pointers on the entity types.
package decoder

import (
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/mtatracker-data/pkg/transit/models"
)

// DirectionPolicy selects how a trip's direction_id is derived.
type DirectionPolicy string

const (
	// DirectionNYCT reads the NYCT trip descriptor extension.
	DirectionNYCT DirectionPolicy = "nyct"
	// DirectionDescriptor reads the standard TripDescriptor.direction_id.
	DirectionDescriptor DirectionPolicy = "descriptor"
	// DirectionFixed assigns Source.FixedDirection to every trip.
	DirectionFixed DirectionPolicy = "fixed"
)

// Source describes the feed a payload came from.
type Source struct {
	Name           string
	Direction      DirectionPolicy
	FixedDirection int
	// NorthDirection is the direction_id given to NYCT northbound trips;
	// southbound trips get the other value.
	NorthDirection int
}

// DecodeError reports a payload that is not a valid FeedMessage.
type DecodeError struct {
	Source      string
	PayloadSize int
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding feed %s (%d bytes): %v", e.Source, e.PayloadSize, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Feed is a decoded snapshot. Entities are converted lazily as the
// sequence returned by Entities is consumed.
type Feed struct {
	Source      string
	Timestamp   *time.Time
	Incremental bool
	Size        int

	src Source
	msg *gtfs.FeedMessage
}

// Decode parses payload. Malformed or truncated input, including messages
// missing proto2 required fields, yields a *DecodeError.
func Decode(src Source, payload []byte) (*Feed, error) {
	if len(payload) == 0 {
		return nil, &DecodeError{Source: src.Name, Err: fmt.Errorf("empty payload")}
	}

	msg := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, &DecodeError{Source: src.Name, PayloadSize: len(payload), Err: err}
	}

	feed := &Feed{
		Source: src.Name,
		Size:   len(payload),
		src:    src,
		msg:    msg,
	}
	if header := msg.GetHeader(); header != nil {
		feed.Timestamp = epoch(header.Timestamp)
		feed.Incremental = header.GetIncrementality() == gtfs.FeedHeader_DIFFERENTIAL
	}
	return feed, nil
}

// Len is the number of raw entities in the message.
func (f *Feed) Len() int {
	return len(f.msg.GetEntity())
}

// Entities yields each trip update, vehicle position and alert in feed
// order. Feed entities carrying none of the three are skipped.
func (f *Feed) Entities() iter.Seq[Entity] {
	return func(yield func(Entity) bool) {
		for _, e := range f.msg.GetEntity() {
			header := EntityHeader{
				FeedSource: f.src.Name,
				EntityID:   e.GetId(),
				IsDeleted:  e.GetIsDeleted(),
			}
			if tu := e.GetTripUpdate(); tu != nil {
				if !yield(f.tripUpdate(header, tu)) {
					return
				}
			}
			if vp := e.GetVehicle(); vp != nil {
				if !yield(f.vehiclePosition(header, vp)) {
					return
				}
			}
			if a := e.GetAlert(); a != nil {
				if !yield(f.alert(header, a)) {
					return
				}
			}
		}
	}
}

func (f *Feed) tripUpdate(header EntityHeader, tu *gtfs.TripUpdate) *TripUpdateEntity {
	td := tu.GetTrip()
	out := &TripUpdateEntity{
		EntityHeader: header,
		TripID:       td.GetTripId(),
		RouteID:      td.GetRouteId(),
		StartDate:    optString(td.GetStartDate()),
		Timestamp:    epoch(tu.Timestamp),
	}
	if out.Timestamp == nil {
		out.Timestamp = f.Timestamp
	}

	var nyct nyctTripDescriptor
	if td != nil {
		nyct, _ = parseNyctTripDescriptor(td)
	}
	out.IsAssigned = nyct.IsAssigned
	out.TrainID = nyct.TrainID

	switch f.src.Direction {
	case DirectionNYCT:
		out.Direction = nyctDirectionID(nyct.Direction, f.src.NorthDirection)
	case DirectionFixed:
		d := f.src.FixedDirection
		out.Direction = &d
	default:
		if td != nil && td.DirectionId != nil {
			d := int(td.GetDirectionId())
			out.Direction = &d
		}
	}

	for i, stu := range tu.GetStopTimeUpdate() {
		st := StopTimeUpdate{
			StopID:    stu.GetStopId(),
			Sequence:  i,
			Arrival:   eventTime(stu.GetArrival()),
			Departure: eventTime(stu.GetDeparture()),
		}
		if stu.StopSequence != nil {
			st.Sequence = int(stu.GetStopSequence())
			st.HasSequence = true
		}
		if track, ok := parseNyctStopTimeUpdate(stu); ok {
			st.ScheduledTrack = track.ScheduledTrack
			st.ActualTrack = track.ActualTrack
		}
		out.StopTimes = append(out.StopTimes, st)
	}
	return out
}

func (f *Feed) vehiclePosition(header EntityHeader, vp *gtfs.VehiclePosition) *VehiclePositionEntity {
	td := vp.GetTrip()
	out := &VehiclePositionEntity{
		EntityHeader:  header,
		TripID:        td.GetTripId(),
		StartDate:     optString(td.GetStartDate()),
		Timestamp:     epoch(vp.Timestamp),
		CurrentStopID: vp.StopId,
		Status:        vehicleStatus(vp.CurrentStatus),
	}
	if out.Timestamp == nil {
		out.Timestamp = f.Timestamp
	}
	out.RouteID = optString(td.GetRouteId())
	if pos := vp.GetPosition(); pos != nil {
		lat, lon := coordinate(pos.GetLatitude()), coordinate(pos.GetLongitude())
		out.Latitude, out.Longitude = &lat, &lon
	}
	if vp.CurrentStopSequence != nil {
		seq := int(vp.GetCurrentStopSequence())
		out.CurrentStopSequence = &seq
	}
	return out
}

func (f *Feed) alert(header EntityHeader, a *gtfs.Alert) *AlertEntity {
	out := &AlertEntity{
		EntityHeader: header,
		Header:       translatedText(a.GetHeaderText()),
		Description:  translatedText(a.GetDescriptionText()),
		URL:          translatedText(a.GetUrl()),
	}
	out.ActiveFrom, out.ActiveTo = activeWindow(a.GetActivePeriod())
	if a.Cause != nil {
		c := a.GetCause().String()
		out.Cause = &c
	}
	if a.Effect != nil {
		e := a.GetEffect().String()
		out.Effect = &e
	}
	out.Informed = informedEntities(a.GetInformedEntity())
	return out
}

// activeWindow collapses the active periods into one envelope: the earliest
// start and the latest end. A period without a bound leaves that side open.
// No periods at all means always active.
func activeWindow(periods []*gtfs.TimeRange) (from, to *time.Time) {
	if len(periods) == 0 {
		return nil, nil
	}
	openStart, openEnd := false, false
	for _, p := range periods {
		if p.Start == nil || p.GetStart() == 0 {
			openStart = true
		} else if s := epoch(p.Start); from == nil || s.Before(*from) {
			from = s
		}
		if p.End == nil || p.GetEnd() == 0 {
			openEnd = true
		} else if e := epoch(p.End); to == nil || e.After(*to) {
			to = e
		}
	}
	if openStart {
		from = nil
	}
	if openEnd {
		to = nil
	}
	return from, to
}

func informedEntities(selectors []*gtfs.EntitySelector) []models.AffectedEntity {
	var out []models.AffectedEntity
	seen := make(map[models.AffectedEntity]bool)
	add := func(kind, id string) {
		if id == "" {
			return
		}
		ref := models.AffectedEntity{EntityType: kind, EntityID: id}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	for _, sel := range selectors {
		add(models.EntityAgency, sel.GetAgencyId())
		add(models.EntityRoute, sel.GetRouteId())
		add(models.EntityStop, sel.GetStopId())
		add(models.EntityTrip, sel.GetTrip().GetTripId())
	}
	return out
}

// translatedText picks the English or untagged translation, falling back to
// the first one offered.
func translatedText(ts *gtfs.TranslatedString) *string {
	translations := ts.GetTranslation()
	if len(translations) == 0 {
		return nil
	}
	for _, tr := range translations {
		if lang := tr.GetLanguage(); lang == "" || lang == "en" {
			text := tr.GetText()
			return &text
		}
	}
	text := translations[0].GetText()
	return &text
}

func vehicleStatus(s *gtfs.VehiclePosition_VehicleStopStatus) models.VehicleStatus {
	if s == nil {
		return models.StatusUnknown
	}
	switch *s {
	case gtfs.VehiclePosition_INCOMING_AT:
		return models.StatusIncomingAt
	case gtfs.VehiclePosition_STOPPED_AT:
		return models.StatusStoppedAt
	case gtfs.VehiclePosition_IN_TRANSIT_TO:
		return models.StatusInTransitTo
	default:
		return models.StatusUnknown
	}
}

func eventTime(ev *gtfs.TripUpdate_StopTimeEvent) *time.Time {
	if ev == nil || ev.Time == nil || ev.GetTime() == 0 {
		return nil
	}
	t := time.Unix(ev.GetTime(), 0).UTC()
	return &t
}

func epoch(v *uint64) *time.Time {
	if v == nil || *v == 0 {
		return nil
	}
	t := time.Unix(int64(*v), 0).UTC()
	return &t
}

// coordinate widens a float32 without carrying binary noise into the
// stored decimal value.
func coordinate(v float32) float64 {
	f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'f', -1, 32), 64)
	return f
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
