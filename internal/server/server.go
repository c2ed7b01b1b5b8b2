package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/config"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/engine"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/observe"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/pcm"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad"
)

// MaxPCMChunkBytes limits the size of a single PCM chunk to prevent
// memory spikes from oversized messages. 1 MB ≈ 32 seconds at 16 kHz mono s16le.
// This is also enforced at gRPC transport level via MaxRecvMsgSize.
const MaxPCMChunkBytes = 1 << 20

// EngineFactory builds the engine for one stream.
type EngineFactory func(opts engine.Options) (engine.Engine, error)

// Server implements SegmentDetectionServer. Each DetectSegments stream gets
// its own engine instance, controller and config copy, so concurrent
// streams are fully isolated.
type Server struct {
	cfg       config.Config
	log       *slog.Logger
	newEngine EngineFactory
	metrics   *observe.Metrics
	streams   *semaphore.Weighted

	// now anchors the audio clock of a stream.
	now func() time.Time
}

// New returns a new Server instance. The newEngine factory is called once
// per stream, when its first PCM chunk arrives. A nil metrics uses
// observe.DefaultMetrics.
func New(cfg config.Config, logger *slog.Logger, newEngine EngineFactory, metrics *observe.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:       cfg,
		log:       logger.With("component", "server"),
		newEngine: newEngine,
		metrics:   metrics,
		now:       time.Now,
	}
	if cfg.MaxConcurrentStreams > 0 {
		s.streams = semaphore.NewWeighted(int64(cfg.MaxConcurrentStreams))
	}
	return s
}

// streamParams is what a client declares in the stream metadata.
type streamParams struct {
	sampleRate int
	sessionID  string
	streamID   string
	vad        vad.Config
}

// DetectSegments implements the bidirectional streaming RPC. PCM chunks are
// fed to a per-stream controller and the resulting segment boundaries are
// sent back as they are confirmed. When the client closes its side the
// controller is flushed so no segment is left open.
func (s *Server) DetectSegments(stream DetectSegmentsServer) error {
	ctx := stream.Context()

	if s.streams != nil {
		if !s.streams.TryAcquire(1) {
			s.metrics.RejectedStreams.Add(ctx, 1)
			return status.Errorf(codes.ResourceExhausted,
				"too many concurrent streams (max %d)", s.cfg.MaxConcurrentStreams)
		}
		defer s.streams.Release(1)
	}

	// Reject bad metadata before any engine is allocated.
	params, err := s.parseParams(ctx)
	if err != nil {
		return err
	}

	ctx, span := observe.StartSpan(ctx, "vad.stream", trace.WithAttributes(
		attribute.String("vad.session_id", params.sessionID),
		attribute.String("vad.stream_id", params.streamID),
		attribute.Int("vad.sample_rate", params.sampleRate),
	))
	defer span.End()

	log := observe.Logger(ctx, s.log).With(
		"session_id", params.sessionID,
		"stream_id", params.streamID,
	)

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(ctx, -1)

	st := &streamState{server: s, stream: stream, params: params, log: log}
	defer st.close()

	err = st.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	return err
}

func (s *Server) parseParams(ctx context.Context) (streamParams, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	p := streamParams{
		sessionID: firstValue(md, MetadataSessionID),
		streamID:  firstValue(md, MetadataStreamID),
	}
	if p.streamID == "" {
		p.streamID = uuid.NewString()
	}

	raw := firstValue(md, MetadataSampleRate)
	if raw == "" {
		return p, status.Errorf(codes.InvalidArgument, "metadata %s is required", MetadataSampleRate)
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return p, status.Errorf(codes.InvalidArgument, "invalid %s %q", MetadataSampleRate, raw)
	}
	if rate != s.cfg.SampleRate {
		return p, status.Errorf(codes.InvalidArgument,
			"unsupported sample_rate %d, adapter requires %d", rate, s.cfg.SampleRate)
	}
	p.sampleRate = rate

	// Invalid overrides fail the stream instead of silently falling back
	// to the server defaults.
	p.vad, err = config.ParseVADOverrides(s.cfg.VAD(), firstValue(md, MetadataConfig))
	if err != nil {
		return p, status.Errorf(codes.InvalidArgument, "stream config: %v", err)
	}
	return p, nil
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// streamState is the per-stream pipeline. Engine and controller are created
// lazily on the first PCM chunk to avoid resource waste from idle streams.
type streamState struct {
	server *Server
	stream DetectSegmentsServer
	params streamParams
	log    *slog.Logger

	eng     engine.Engine
	ctrl    *vad.Controller
	attrs   metric.MeasurementOption
	anchor  time.Time
	samples []float32

	openStart uint64
	lastEnd   uint64
	ended     bool
}

func (st *streamState) run(ctx context.Context) error {
	for {
		req, err := st.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return st.finish(ctx)
			}
			return err
		}

		chunk := req.GetValue()
		if len(chunk) == 0 {
			continue
		}
		if len(chunk) > MaxPCMChunkBytes {
			return status.Errorf(codes.InvalidArgument,
				"PCM chunk too large: %d bytes (max %d)", len(chunk), MaxPCMChunkBytes)
		}
		if len(chunk)%pcm.BytesPerSample != 0 {
			return status.Errorf(codes.InvalidArgument,
				"PCM buffer has odd length %d (s16le requires 2 bytes per sample)", len(chunk))
		}

		if st.ctrl == nil {
			if err := st.open(); err != nil {
				return err
			}
		}

		st.samples, err = pcm.S16LEToFloat32(st.samples[:0], chunk)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "decode PCM: %v", err)
		}
		if err := st.ctrl.AcceptSamples(ctx, st.samples); err != nil {
			// Boundaries confirmed before the failing window still go out.
			if sendErr := st.sendEvents(ctx); sendErr != nil {
				return sendErr
			}
			return st.streamError(err)
		}
		if err := st.sendEvents(ctx); err != nil {
			return err
		}
	}
}

func (st *streamState) open() error {
	s := st.server
	opts := s.cfg.EngineOptions(st.params.vad)
	opts.SampleRate = st.params.sampleRate

	eng, err := s.newEngine(opts)
	if err != nil {
		st.log.Error("engine creation failed", "error", err)
		return engineStatus(err)
	}
	if eng == nil {
		return status.Error(codes.Internal, "engine creation failed: factory returned nil")
	}
	st.eng = eng
	st.attrs = metric.WithAttributes(attribute.String("engine", eng.Name()))

	scorer := &timedScorer{eng: eng, metrics: s.metrics, attrs: st.attrs}
	ctrl, err := vad.NewController(st.params.vad, scorer,
		vad.WithSampleRate(st.params.sampleRate),
		vad.WithScoreObserver(st.observe),
		vad.WithLogger(st.log),
	)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "stream config: %v", err)
	}
	st.ctrl = ctrl
	st.anchor = s.now()

	st.log.Info("stream opened",
		"engine", eng.Name(),
		"sample_rate", st.params.sampleRate,
		"window_size", st.params.vad.WindowSize,
		"threshold", st.params.vad.Threshold,
	)
	return nil
}

// observe runs for every scored window. It uses a background context since
// the controller does not hand one to observers.
func (st *streamState) observe(ws vad.WindowScore) {
	ctx := context.Background()
	st.server.metrics.WindowsScored.Add(ctx, 1, st.attrs)
	if ws.Label == vad.Speech {
		st.server.metrics.WindowsSpeech.Add(ctx, 1, st.attrs)
	}
}

func (st *streamState) finish(ctx context.Context) error {
	if st.ctrl == nil {
		st.log.Info("stream closed without audio")
		return nil
	}
	if err := st.ctrl.Flush(); err != nil {
		return st.streamError(err)
	}
	if err := st.sendEvents(ctx); err != nil {
		return err
	}
	st.log.Info("stream closed", "samples", st.ctrl.Cursor()+uint64(st.ctrl.Pending()))
	return nil
}

// sendEvents drains the controller event queue. End events carry the start
// of the segment they close.
func (st *streamState) sendEvents(ctx context.Context) error {
	for ev := range st.ctrl.Events() {
		out := SegmentEvent{
			Event:     ev,
			Timestamp: audioTime(st.anchor, ev.SampleOffset, st.params.sampleRate),
		}
		switch ev.Type {
		case vad.SegmentStart:
			// A start at the offset of the previous end reopens a segment
			// closed by the maximum duration.
			split := st.ended && ev.SampleOffset == st.lastEnd
			st.openStart = ev.SampleOffset
			st.server.metrics.RecordBoundary(ctx, "start", split)
		case vad.SegmentEnd:
			out.SegmentStart = st.openStart
			st.lastEnd, st.ended = ev.SampleOffset, true
			st.server.metrics.RecordBoundary(ctx, "end", false)
		}
		if err := st.stream.Send(EventToStruct(out)); err != nil {
			return err
		}
	}
	return nil
}

func (st *streamState) streamError(err error) error {
	var scErr *vad.ScorerError
	switch {
	case errors.As(err, &scErr):
		st.log.Error("engine error", "error", err, "sample_offset", scErr.Offset)
		return status.Errorf(codes.Internal, "audio processing failed at sample %d", scErr.Offset)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		st.log.Error("stream failed", "error", err)
		return status.Errorf(codes.Internal, "audio processing failed: %v", err)
	}
}

func (st *streamState) close() {
	if st.eng != nil {
		if err := st.eng.Close(); err != nil {
			st.log.Warn("engine close failed", "error", err)
		}
	}
}

func engineStatus(err error) error {
	switch {
	case errors.Is(err, engine.ErrWrongSampleRate),
		errors.Is(err, engine.ErrWindowSize),
		errors.Is(err, engine.ErrModelRequired):
		return status.Errorf(codes.InvalidArgument, "engine: %v", err)
	case errors.Is(err, engine.ErrNativeUnavailable):
		return status.Errorf(codes.FailedPrecondition, "engine: %v", err)
	default:
		return status.Errorf(codes.Internal, "engine creation failed: %v", err)
	}
}

// timedScorer records scoring latency and failures for one stream engine.
type timedScorer struct {
	eng     engine.Engine
	metrics *observe.Metrics
	attrs   metric.MeasurementOption
}

func (t *timedScorer) Score(ctx context.Context, window []float32, model string) (float32, error) {
	start := time.Now()
	score, err := t.eng.Score(ctx, window, model)
	t.metrics.ScorerDuration.Record(ctx, time.Since(start).Seconds(), t.attrs)
	if err != nil {
		t.metrics.ScorerErrors.Add(ctx, 1, t.attrs)
		return 0, fmt.Errorf("%s: %w", t.eng.Name(), err)
	}
	return score, nil
}

func (t *timedScorer) Reset() error { return t.eng.Reset() }
