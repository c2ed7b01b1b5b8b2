package vad

// State is the segment accumulator state.
type State uint8

const (
	// Idle means no speech is being tracked.
	Idle State = iota
	// CandidateSpeech means speech was seen but not yet long enough to confirm.
	CandidateSpeech
	// InSegment means a confirmed segment is open.
	InSegment
	// CandidateSilence means an open segment is seeing silence that is not
	// yet long enough to close it.
	CandidateSilence
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CandidateSpeech:
		return "candidate_speech"
	case InSegment:
		return "in_segment"
	case CandidateSilence:
		return "candidate_silence"
	default:
		return "unknown"
	}
}

// Accumulator debounces labeled windows into speech segments. All durations
// are held in samples; the cursor is the absolute offset of the next window.
//
// The window that leaves Idle only opens the candidate; its duration counts
// toward the minimum, which is checked from the next speech window on.
// Silence inside a segment is counted the same way.
type Accumulator struct {
	window     uint64
	minSpeech  uint64
	minSilence uint64
	maxSpeech  uint64

	state  State
	cursor uint64

	start   uint64 // provisional start, or start of the open segment
	end     uint64 // provisional end while in CandidateSilence
	speech  uint64
	silence uint64
}

// NewAccumulator builds an accumulator for cfg with durations converted at
// sampleRate.
func NewAccumulator(cfg Config, sampleRate int) (*Accumulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, &ConfigError{Field: "sample_rate", Invariant: "must be > 0", Value: sampleRate}
	}
	return &Accumulator{
		window:     uint64(cfg.WindowSize),
		minSpeech:  durationSamples(cfg.MinSpeechDuration, sampleRate),
		minSilence: durationSamples(cfg.MinSilenceDuration, sampleRate),
		maxSpeech:  durationSamples(cfg.MaxSpeechDuration, sampleRate),
	}, nil
}

// State returns the current state.
func (a *Accumulator) State() State { return a.state }

// Cursor returns the absolute offset one past the last consumed window.
func (a *Accumulator) Cursor() uint64 { return a.cursor }

// OpenStart returns the start of the open segment, if any.
func (a *Accumulator) OpenStart() (uint64, bool) {
	if a.state == InSegment || a.state == CandidateSilence {
		return a.start, true
	}
	return 0, false
}

// Step consumes one labeled window at the cursor, appends any emitted events
// to dst and returns the extended slice.
func (a *Accumulator) Step(dst []Event, label Label, score float32) []Event {
	off := a.cursor
	a.cursor += a.window

	switch a.state {
	case Idle:
		if label == Speech {
			a.state = CandidateSpeech
			a.start = off
			a.speech = a.window
		}
	case CandidateSpeech:
		if label == Speech {
			dst = a.addSpeech(dst, score)
		} else {
			a.state = Idle
			a.speech = 0
		}
	case InSegment:
		if label == Speech {
			dst = a.splitIfLong(dst, off, score)
		} else {
			a.state = CandidateSilence
			a.end = off
			a.silence = a.window
		}
	case CandidateSilence:
		if label == Silence {
			dst = a.addSilence(dst, score)
		} else {
			a.state = InSegment
			a.silence = 0
			dst = a.splitIfLong(dst, off, score)
		}
	}
	return dst
}

// Flush closes an open segment at the cursor, the last processed offset,
// and discards an unconfirmed candidate. The cursor is kept.
func (a *Accumulator) Flush(dst []Event) []Event {
	if a.state == InSegment || a.state == CandidateSilence {
		dst = append(dst, Event{Type: SegmentEnd, SampleOffset: a.cursor})
	}
	a.toIdle()
	return dst
}

// Reset returns the accumulator to its initial state, cursor included.
func (a *Accumulator) Reset() {
	a.toIdle()
	a.cursor = 0
	a.start = 0
}

func (a *Accumulator) addSpeech(dst []Event, score float32) []Event {
	a.speech += a.window
	if a.speech >= a.minSpeech {
		a.state = InSegment
		a.speech = 0
		dst = append(dst, Event{Type: SegmentStart, SampleOffset: a.start, Score: score})
	}
	return dst
}

func (a *Accumulator) addSilence(dst []Event, score float32) []Event {
	a.silence += a.window
	if a.silence >= a.minSilence {
		dst = append(dst, Event{Type: SegmentEnd, SampleOffset: a.end, Score: score})
		a.toIdle()
	}
	return dst
}

// splitIfLong force-closes the open segment once it has run for maxSpeech
// samples and reopens it at off.
func (a *Accumulator) splitIfLong(dst []Event, off uint64, score float32) []Event {
	if off-a.start < a.maxSpeech {
		return dst
	}
	dst = append(dst,
		Event{Type: SegmentEnd, SampleOffset: off, Score: score},
		Event{Type: SegmentStart, SampleOffset: off, Score: score},
	)
	a.start = off
	return dst
}

func (a *Accumulator) toIdle() {
	a.state = Idle
	a.speech = 0
	a.silence = 0
	a.end = 0
}
