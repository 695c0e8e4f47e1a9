package decoder

import (
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// NYCT subway extensions live at field 1001 of TripDescriptor and
// StopTimeUpdate. The bindings do not register them, so they arrive as
// unknown fields and are read off the wire directly.
const nyctExtensionField protowire.Number = 1001

// NYCT direction enum values.
const (
	nyctNorth = 1
	nyctEast  = 2
	nyctSouth = 3
	nyctWest  = 4
)

type nyctTripDescriptor struct {
	TrainID    *string
	IsAssigned bool
	Direction  *int
}

type nyctStopTimeUpdate struct {
	ScheduledTrack *string
	ActualTrack    *string
}

func parseNyctTripDescriptor(m proto.Message) (nyctTripDescriptor, bool) {
	var out nyctTripDescriptor
	raw, ok := extensionBytes(m, nyctExtensionField)
	if !ok {
		return out, false
	}
	ok = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				out.TrainID = &v
			}
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				out.IsAssigned = protowire.DecodeBool(v)
			}
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				d := int(v)
				out.Direction = &d
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return out, ok
}

func parseNyctStopTimeUpdate(m proto.Message) (nyctStopTimeUpdate, bool) {
	var out nyctStopTimeUpdate
	raw, ok := extensionBytes(m, nyctExtensionField)
	if !ok {
		return out, false
	}
	ok = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ == protowire.BytesType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				if num == 1 {
					out.ScheduledTrack = &v
				} else {
					out.ActualTrack = &v
				}
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return out, ok
}

// extensionBytes returns the payload of a length-delimited extension field
// found among m's unknown fields.
func extensionBytes(m proto.Message, field protowire.Number) ([]byte, bool) {
	var (
		payload []byte
		found   bool
	)
	ok := walkFields(m.ProtoReflect().GetUnknown(), func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == field && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				payload, found = v, true
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return payload, ok && found
}

// walkFields calls fn for each field in b with the bytes following the tag.
// fn returns how many bytes it consumed, or a negative value on error.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, rest []byte) int) bool {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return false
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m < 0 {
			return false
		}
		b = b[m:]
	}
	return true
}

// nyctDirectionID maps the NYCT direction onto GTFS direction_id. Only
// north and south are used by subway feeds.
func nyctDirectionID(d *int, north int) *int {
	if d == nil {
		return nil
	}
	var id int
	switch *d {
	case nyctNorth:
		id = north
	case nyctSouth:
		id = 1 - north
	default:
		return nil
	}
	return &id
}
