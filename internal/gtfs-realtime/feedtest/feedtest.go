// Package feedtest builds GTFS-realtime payloads for tests, including the
// NYCT subway extensions.
package feedtest

import (
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// NYCT direction values.
const (
	North = 1
	South = 3
)

type Stop struct {
	ID             string
	Sequence       *uint32
	Arrival        int64
	Departure      int64
	ScheduledTrack string
	ActualTrack    string
}

type TripUpdate struct {
	TripID    string
	RouteID   string
	StartDate string
	// DirectionID sets the standard descriptor field when non-nil.
	DirectionID *uint32
	// NYCT extension; written only when TrainID or NyctDirection is set.
	TrainID       string
	Assigned      bool
	NyctDirection int
	Stops         []Stop
}

type Vehicle struct {
	TripID      string
	RouteID     string
	Timestamp   int64
	HasPosition bool
	Lat, Lon    float32
	StopID      string
	Sequence    *uint32
	Status      *gtfs.VehiclePosition_VehicleStopStatus
}

type Period struct {
	Start, End uint64
}

type Alert struct {
	Periods      []Period
	Header       string
	HeaderLang   string
	Description  string
	Translations map[string]string
	Routes       []string
	Stops        []string
	Trips        []string
	Cause        *gtfs.Alert_Cause
	Effect       *gtfs.Alert_Effect
}

type Builder struct {
	msg *gtfs.FeedMessage
}

// New starts a full-dataset feed stamped with ts.
func New(ts time.Time) *Builder {
	return &Builder{msg: &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(ts.Unix())),
		},
	}}
}

func Seq(n uint32) *uint32 { return &n }

func (b *Builder) TripUpdate(id string, tu TripUpdate) *Builder {
	td := &gtfs.TripDescriptor{
		TripId:      proto.String(tu.TripID),
		RouteId:     proto.String(tu.RouteID),
		DirectionId: tu.DirectionID,
	}
	if tu.StartDate != "" {
		td.StartDate = proto.String(tu.StartDate)
	}
	if tu.TrainID != "" || tu.NyctDirection != 0 {
		setExtension(td, nyctTripDescriptor(tu.TrainID, tu.Assigned, tu.NyctDirection))
	}

	update := &gtfs.TripUpdate{Trip: td}
	for _, s := range tu.Stops {
		stu := &gtfs.TripUpdate_StopTimeUpdate{
			StopId:       proto.String(s.ID),
			StopSequence: s.Sequence,
		}
		if s.Arrival != 0 {
			stu.Arrival = &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(s.Arrival)}
		}
		if s.Departure != 0 {
			stu.Departure = &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(s.Departure)}
		}
		if s.ScheduledTrack != "" || s.ActualTrack != "" {
			setExtension(stu, nyctStopTimeUpdate(s.ScheduledTrack, s.ActualTrack))
		}
		update.StopTimeUpdate = append(update.StopTimeUpdate, stu)
	}

	b.msg.Entity = append(b.msg.Entity, &gtfs.FeedEntity{Id: proto.String(id), TripUpdate: update})
	return b
}

func (b *Builder) Vehicle(id string, v Vehicle) *Builder {
	vp := &gtfs.VehiclePosition{
		Trip:                &gtfs.TripDescriptor{TripId: proto.String(v.TripID)},
		CurrentStopSequence: v.Sequence,
		CurrentStatus:       v.Status,
	}
	if v.RouteID != "" {
		vp.Trip.RouteId = proto.String(v.RouteID)
	}
	if v.Timestamp != 0 {
		vp.Timestamp = proto.Uint64(uint64(v.Timestamp))
	}
	if v.HasPosition {
		vp.Position = &gtfs.Position{Latitude: proto.Float32(v.Lat), Longitude: proto.Float32(v.Lon)}
	}
	if v.StopID != "" {
		vp.StopId = proto.String(v.StopID)
	}
	b.msg.Entity = append(b.msg.Entity, &gtfs.FeedEntity{Id: proto.String(id), Vehicle: vp})
	return b
}

func (b *Builder) Alert(id string, a Alert) *Builder {
	alert := &gtfs.Alert{Cause: a.Cause, Effect: a.Effect}
	for _, p := range a.Periods {
		tr := &gtfs.TimeRange{}
		if p.Start != 0 {
			tr.Start = proto.Uint64(p.Start)
		}
		if p.End != 0 {
			tr.End = proto.Uint64(p.End)
		}
		alert.ActivePeriod = append(alert.ActivePeriod, tr)
	}
	if a.Header != "" || len(a.Translations) > 0 {
		alert.HeaderText = &gtfs.TranslatedString{}
		for lang, text := range a.Translations {
			alert.HeaderText.Translation = append(alert.HeaderText.Translation, translation(text, lang))
		}
		if a.Header != "" {
			alert.HeaderText.Translation = append(alert.HeaderText.Translation, translation(a.Header, a.HeaderLang))
		}
	}
	if a.Description != "" {
		alert.DescriptionText = &gtfs.TranslatedString{Translation: []*gtfs.TranslatedString_Translation{translation(a.Description, "")}}
	}
	for _, r := range a.Routes {
		alert.InformedEntity = append(alert.InformedEntity, &gtfs.EntitySelector{RouteId: proto.String(r)})
	}
	for _, s := range a.Stops {
		alert.InformedEntity = append(alert.InformedEntity, &gtfs.EntitySelector{StopId: proto.String(s)})
	}
	for _, t := range a.Trips {
		alert.InformedEntity = append(alert.InformedEntity, &gtfs.EntitySelector{Trip: &gtfs.TripDescriptor{TripId: proto.String(t)}})
	}
	b.msg.Entity = append(b.msg.Entity, &gtfs.FeedEntity{Id: proto.String(id), Alert: alert})
	return b
}

func (b *Builder) Message() *gtfs.FeedMessage {
	return b.msg
}

// Bytes marshals the feed.
func (b *Builder) Bytes(t testing.TB) []byte {
	t.Helper()
	payload, err := proto.Marshal(b.msg)
	require.NoError(t, err)
	return payload
}

func translation(text, lang string) *gtfs.TranslatedString_Translation {
	tr := &gtfs.TranslatedString_Translation{Text: proto.String(text)}
	if lang != "" {
		tr.Language = proto.String(lang)
	}
	return tr
}

func setExtension(m proto.Message, payload []byte) {
	var raw []byte
	raw = protowire.AppendTag(raw, 1001, protowire.BytesType)
	raw = protowire.AppendBytes(raw, payload)
	m.ProtoReflect().SetUnknown(protoreflect.RawFields(raw))
}

func nyctTripDescriptor(trainID string, assigned bool, direction int) []byte {
	var b []byte
	if trainID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, trainID)
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(assigned))
	if direction != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(direction))
	}
	return b
}

func nyctStopTimeUpdate(scheduled, actual string) []byte {
	var b []byte
	if scheduled != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, scheduled)
	}
	if actual != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, actual)
	}
	return b
}
