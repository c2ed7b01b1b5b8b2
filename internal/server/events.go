package server

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad"
)

// Field names of the event struct sent to clients.
const (
	fieldType         = "type"
	fieldSampleOffset = "sample_offset"
	fieldScore        = "score"
	fieldTimestamp    = "timestamp"
	fieldSegmentStart = "segment_start"
)

// SegmentEvent is a boundary event as sent on the wire.
type SegmentEvent struct {
	vad.Event

	// SegmentStart is the start offset of the segment an end event closes.
	// Zero on start events.
	SegmentStart uint64

	// Timestamp is audio time: the stream clock anchor plus the offset
	// converted at the stream sample rate. It is not the send time.
	Timestamp time.Time
}

// EventToStruct encodes ev as a google.protobuf.Struct.
func EventToStruct(ev SegmentEvent) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldType:         structpb.NewStringValue(ev.Type.String()),
		fieldSampleOffset: structpb.NewNumberValue(float64(ev.SampleOffset)),
		fieldScore:        structpb.NewNumberValue(float64(ev.Score)),
		fieldTimestamp:    structpb.NewStringValue(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
	}
	if ev.Type == vad.SegmentEnd {
		fields[fieldSegmentStart] = structpb.NewNumberValue(float64(ev.SegmentStart))
	}
	return &structpb.Struct{Fields: fields}
}

// EventFromStruct decodes a struct produced by EventToStruct.
func EventFromStruct(s *structpb.Struct) (SegmentEvent, error) {
	var ev SegmentEvent
	if s == nil {
		return ev, fmt.Errorf("server: nil event struct")
	}
	f := s.GetFields()

	switch t := f[fieldType].GetStringValue(); t {
	case vad.SegmentStart.String():
		ev.Type = vad.SegmentStart
	case vad.SegmentEnd.String():
		ev.Type = vad.SegmentEnd
	default:
		return ev, fmt.Errorf("server: unknown event type %q", t)
	}

	off, ok := f[fieldSampleOffset].GetKind().(*structpb.Value_NumberValue)
	if !ok || off.NumberValue < 0 {
		return ev, fmt.Errorf("server: event has no valid %s", fieldSampleOffset)
	}
	ev.SampleOffset = uint64(off.NumberValue)
	ev.Score = float32(f[fieldScore].GetNumberValue())

	if raw := f[fieldTimestamp].GetStringValue(); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return ev, fmt.Errorf("server: event timestamp: %w", err)
		}
		ev.Timestamp = ts
	}
	if ev.Type == vad.SegmentEnd {
		ev.SegmentStart = uint64(f[fieldSegmentStart].GetNumberValue())
	}
	return ev, nil
}

// audioTime returns the timestamp of sample offset off in a stream whose
// first sample was received at anchor.
func audioTime(anchor time.Time, off uint64, rate int) time.Time {
	r := uint64(rate)
	secs, rem := off/r, off%r
	return anchor.Add(time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(r))
}
