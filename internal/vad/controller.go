package vad

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
)

// Option configures a Controller.
type Option func(*options)

type options struct {
	sampleRate int
	handler    func(Event)
	observer   func(WindowScore)
	keepSegs   bool
	keepAudio  bool
	logger     *slog.Logger
}

// WithSampleRate sets the rate used to convert durations to samples.
// Defaults to DefaultSampleRate.
func WithSampleRate(hz int) Option {
	return func(o *options) { o.sampleRate = hz }
}

// WithEventHandler switches the controller to push mode: every event is
// passed to fn synchronously and the event queue stays empty.
func WithEventHandler(fn func(Event)) Option {
	return func(o *options) { o.handler = fn }
}

// WithScoreObserver registers fn to see every scored window.
func WithScoreObserver(fn func(WindowScore)) Option {
	return func(o *options) { o.observer = fn }
}

// WithSegments queues every finished segment for NextSegment. Without it
// (or WithSegmentAudio) no segments are kept.
func WithSegments() Option {
	return func(o *options) { o.keepSegs = true }
}

// WithSegmentAudio queues finished segments like WithSegments and makes
// them carry their samples.
func WithSegmentAudio() Option {
	return func(o *options) {
		o.keepSegs = true
		o.keepAudio = true
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Controller turns a stream of samples into speech segment events. It is
// meant for a single owner: methods must not be called concurrently.
type Controller struct {
	cfg        Config
	sampleRate int
	scorer     Scorer
	classifier Classifier
	acc        *Accumulator

	handler  func(Event)
	observer func(WindowScore)
	log      *slog.Logger

	pending  []float32
	scratch  []Event
	events   queue[Event]
	segments queue[Segment]
	failed   error

	openStart  uint64
	keepSegs   bool
	keepAudio  bool
	audio      []float32
	audioStart uint64
}

// NewController validates cfg and returns a controller that scores windows
// with scorer.
func NewController(cfg Config, scorer Scorer, opts ...Option) (*Controller, error) {
	o := options{sampleRate: DefaultSampleRate}
	for _, opt := range opts {
		opt(&o)
	}
	if scorer == nil {
		return nil, &ConfigError{Field: "scorer", Invariant: "must not be nil", Value: nil}
	}
	acc, err := NewAccumulator(cfg, o.sampleRate)
	if err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Controller{
		cfg:        cfg,
		sampleRate: o.sampleRate,
		scorer:     scorer,
		classifier: NewClassifier(cfg.Threshold),
		acc:        acc,
		handler:    o.handler,
		observer:   o.observer,
		log:        o.logger.With("component", "vad"),
		pending:    make([]float32, 0, int(cfg.WindowSize)*2),
		keepSegs:   o.keepSegs,
		keepAudio:  o.keepAudio,
	}, nil
}

// Config returns a copy of the controller configuration.
func (c *Controller) Config() Config { return c.cfg }

// SampleRate returns the rate durations are converted at.
func (c *Controller) SampleRate() int { return c.sampleRate }

// Cursor returns the absolute offset one past the last scored window.
func (c *Controller) Cursor() uint64 { return c.acc.Cursor() }

// State returns the accumulator state.
func (c *Controller) State() State { return c.acc.State() }

// Pending returns the number of buffered samples short of a full window.
func (c *Controller) Pending() int { return len(c.pending) }

// AcceptSamples buffers samples and processes every complete window. A
// cancelled ctx stops processing between windows and leaves the unprocessed
// samples buffered. A scorer failure returns a *ScorerError and fails the
// stream until Reset.
func (c *Controller) AcceptSamples(ctx context.Context, samples []float32) error {
	if c.failed != nil {
		return fmt.Errorf("%w: %v", ErrStreamFailed, c.failed)
	}
	c.pending = append(c.pending, samples...)

	w := int(c.cfg.WindowSize)
	consumed := 0
	var err error
	for len(c.pending)-consumed >= w {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = c.processWindow(ctx, c.pending[consumed:consumed+w]); err != nil {
			c.failed = err
			break
		}
		consumed += w
	}
	n := copy(c.pending, c.pending[consumed:])
	c.pending = c.pending[:n]
	return err
}

// Flush closes any open segment at the last processed offset and drops the
// partial window, which cannot be scored.
func (c *Controller) Flush() error {
	if c.failed != nil {
		return fmt.Errorf("%w: %v", ErrStreamFailed, c.failed)
	}
	c.scratch = c.acc.Flush(c.scratch[:0])
	c.dispatch(c.scratch)
	c.pending = c.pending[:0]
	c.audio = c.audio[:0]
	return nil
}

// Reset discards all stream state and queued output. The config is kept.
// Scorers implementing Resetter are reset too.
func (c *Controller) Reset() error {
	c.acc.Reset()
	c.pending = c.pending[:0]
	c.scratch = c.scratch[:0]
	c.events.clear()
	c.segments.clear()
	c.audio = c.audio[:0]
	c.audioStart = 0
	c.openStart = 0
	c.failed = nil
	if r, ok := c.scorer.(Resetter); ok {
		if err := r.Reset(); err != nil {
			return fmt.Errorf("vad: reset scorer: %w", err)
		}
	}
	return nil
}

// Events returns a sequence that drains queued events as it is consumed.
// It is empty in push mode. In pull mode the queue grows until drained.
func (c *Controller) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, ok := c.events.pop()
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// PollEvent pops the oldest queued event.
func (c *Controller) PollEvent() (Event, bool) { return c.events.pop() }

// NextSegment pops the oldest finished segment. Segments are only queued
// with WithSegments or WithSegmentAudio.
func (c *Controller) NextSegment() (Segment, bool) { return c.segments.pop() }

// OpenSegment returns the segment in progress, if any.
func (c *Controller) OpenSegment() (Segment, bool) {
	start, ok := c.acc.OpenStart()
	if !ok {
		return Segment{}, false
	}
	return Segment{Start: start, Open: true}, true
}

func (c *Controller) processWindow(ctx context.Context, window []float32) error {
	off := c.acc.Cursor()
	score, err := c.scorer.Score(ctx, window, c.cfg.Model)
	if err != nil {
		return &ScorerError{Offset: off, Err: err}
	}
	label := c.classifier.Classify(score)
	if c.observer != nil {
		c.observer(WindowScore{SampleOffset: off, Score: score, Label: label})
	}

	prev := c.acc.State()
	c.scratch = c.acc.Step(c.scratch[:0], label, score)

	if c.keepAudio && (prev != Idle || c.acc.State() != Idle) {
		if prev == Idle {
			c.audio = c.audio[:0]
			c.audioStart = off
		}
		c.audio = append(c.audio, window...)
	}
	c.dispatch(c.scratch)
	if c.acc.State() == Idle {
		c.audio = c.audio[:0]
	}
	return nil
}

func (c *Controller) dispatch(events []Event) {
	for _, ev := range events {
		switch ev.Type {
		case SegmentStart:
			c.openStart = ev.SampleOffset
		case SegmentEnd:
			if c.keepSegs {
				c.finishSegment(ev.SampleOffset)
			}
		}
		c.log.Debug("segment boundary", "type", ev.Type.String(), "sample_offset", ev.SampleOffset, "score", ev.Score)
		if c.handler != nil {
			c.handler(ev)
		} else {
			c.events.push(ev)
		}
	}
}

// finishSegment queues the open segment, closed at end. With audio
// retention the samples before end move into the segment and the buffer is
// re-anchored at end, where a split reopens the next segment.
func (c *Controller) finishSegment(end uint64) {
	seg := Segment{Start: c.openStart, End: end}
	if c.keepAudio {
		n := int(end - c.audioStart)
		if n > len(c.audio) {
			n = len(c.audio)
		}
		seg.Samples = append([]float32(nil), c.audio[:n]...)
		k := copy(c.audio, c.audio[n:])
		c.audio = c.audio[:k]
		c.audioStart = end
	}
	c.segments.push(seg)
}
