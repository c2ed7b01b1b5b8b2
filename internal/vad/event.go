package vad

// EventType distinguishes segment boundaries.
type EventType uint8

const (
	// SegmentStart marks the first sample of a confirmed speech segment.
	SegmentStart EventType = iota + 1
	// SegmentEnd marks the exclusive end of a speech segment.
	SegmentEnd
)

func (t EventType) String() string {
	switch t {
	case SegmentStart:
		return "SEGMENT_START"
	case SegmentEnd:
		return "SEGMENT_END"
	default:
		return "UNKNOWN"
	}
}

// Event is a segment boundary at an absolute sample offset. Score is the
// window score that triggered the transition (zero for flush-driven ends).
type Event struct {
	Type         EventType
	SampleOffset uint64
	Score        float32
}

// Segment is a detected speech region [Start, End) in sample coordinates.
// Open is true while End is not yet known. Samples holds the segment audio
// when the controller retains it.
type Segment struct {
	Start   uint64
	End     uint64
	Open    bool
	Samples []float32
}

// Len returns the segment length in samples; zero for open segments.
func (s Segment) Len() uint64 {
	if s.Open {
		return 0
	}
	return s.End - s.Start
}

// WindowScore is the score of the window starting at SampleOffset.
type WindowScore struct {
	SampleOffset uint64
	Score        float32
	Label        Label
}
