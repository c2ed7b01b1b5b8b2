package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/config"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/engine"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/observe"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad/mock"
)

// clockAnchor is the audio clock anchor used by test servers.
var clockAnchor = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// windowBytes is one default window (256 samples) of s16le PCM.
const windowBytes = 256 * 2

type testServer struct {
	client *SegmentDetectionClient
	reader *sdkmetric.ManualReader
}

func stubFactory(engine.Options) (engine.Engine, error) {
	return engine.NewStubEngine(), nil
}

// startTestServer creates a gRPC server with the segment detection service
// using the given engine factory.
func startTestServer(t *testing.T, cfg config.Config, factory EngineFactory) testServer {
	t.Helper()

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}

	srv := New(cfg, slog.Default(), factory, metrics)
	srv.now = func() time.Time { return clockAnchor }

	grpcServer := grpc.NewServer()
	RegisterSegmentDetectionServer(grpcServer, srv)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		grpcServer.Stop()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
	})
	return testServer{client: NewSegmentDetectionClient(conn), reader: reader}
}

func stubConfig() config.Config {
	cfg := config.Default()
	cfg.Engine = engine.NameStub
	return cfg
}

func streamContext(ctx context.Context, kv ...string) context.Context {
	base := []string{
		MetadataSampleRate, strconv.Itoa(vad.DefaultSampleRate),
		MetadataSessionID, "test-session",
		MetadataStreamID, "test-stream",
	}
	return metadata.NewOutgoingContext(ctx, metadata.Pairs(append(base, kv...)...))
}

// sendWindows sends n window-sized silent chunks and closes the send side.
func sendWindows(stream DetectSegmentsClient, n int) error {
	chunk := make([]byte, windowBytes)
	for i := 0; i < n; i++ {
		if err := stream.Send(wrapperspb.Bytes(chunk)); err != nil {
			return err
		}
	}
	return stream.CloseSend()
}

func collectEvents(stream DetectSegmentsClient) ([]SegmentEvent, error) {
	var events []SegmentEvent
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		ev, err := EventFromStruct(msg)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func runStream(ctx context.Context, t *testing.T, ts testServer, windows int) []SegmentEvent {
	t.Helper()
	stream, err := ts.client.DetectSegments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sendWindows(stream, windows); err != nil {
		t.Fatal(err)
	}
	events, err := collectEvents(stream)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func TestDetectSegmentsStartAndFlushEnd(t *testing.T) {
	ts := startTestServer(t, stubConfig(), stubFactory)

	// Stub: windows 63..126 are speech. Window 127 opens a candidate
	// silence and EOF closes the segment at the last processed offset.
	events := runStream(streamContext(context.Background()), t, ts, engine.StubToggleInterval*2)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	start, end := events[0], events[1]
	if start.Type != vad.SegmentStart || start.SampleOffset != 63*256 {
		t.Errorf("start = %+v, want SEGMENT_START at %d", start.Event, 63*256)
	}
	if start.Score != engine.StubSpeechScore {
		t.Errorf("start score = %v, want %v", start.Score, engine.StubSpeechScore)
	}
	if want := clockAnchor.Add(1008 * time.Millisecond); !start.Timestamp.Equal(want) {
		t.Errorf("start timestamp = %v, want %v", start.Timestamp, want)
	}
	if end.Type != vad.SegmentEnd || end.SampleOffset != 128*256 {
		t.Errorf("end = %+v, want SEGMENT_END at %d", end.Event, 128*256)
	}
	if end.SegmentStart != start.SampleOffset {
		t.Errorf("end segment_start = %d, want %d", end.SegmentStart, start.SampleOffset)
	}
	if end.Score != 0 {
		t.Errorf("flush end score = %v, want 0", end.Score)
	}
}

func TestDetectSegmentsSilenceOnly(t *testing.T) {
	ts := startTestServer(t, stubConfig(), stubFactory)

	events := runStream(streamContext(context.Background()), t, ts, engine.StubToggleInterval-5)
	if len(events) != 0 {
		t.Errorf("got %d events for silence-only stream, want 0", len(events))
	}
}

func TestDetectSegmentsFullCycle(t *testing.T) {
	ts := startTestServer(t, stubConfig(), stubFactory)

	// silence(63) + speech(64) + silence(64): the end is confirmed mid-stream
	// and the flush at EOF finds nothing open.
	events := runStream(streamContext(context.Background()), t, ts, engine.StubToggleInterval*3-1)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != vad.SegmentStart {
		t.Errorf("first event = %v, want SEGMENT_START", events[0].Type)
	}
	if events[1].Type != vad.SegmentEnd || events[1].SampleOffset != 127*256 {
		t.Errorf("second event = %+v, want SEGMENT_END at %d", events[1].Event, 127*256)
	}
}

func TestDetectSegmentsNoAudio(t *testing.T) {
	var calls int
	var mu sync.Mutex
	factory := func(opts engine.Options) (engine.Engine, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return engine.NewStubEngine(), nil
	}
	ts := startTestServer(t, stubConfig(), factory)

	stream, err := ts.client.DetectSegments(streamContext(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	// Empty chunks are keepalives.
	if err := stream.Send(wrapperspb.Bytes(nil)); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}
	events, err := collectEvents(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("engine factory called %d times for a stream without audio", calls)
	}
}

func TestDetectSegmentsConcurrentStreamsIsolation(t *testing.T) {
	// Each stream gets its own StubEngine via the factory, so their toggle
	// counters are independent.
	ts := startTestServer(t, stubConfig(), stubFactory)

	const numStreams = 3
	type streamResult struct {
		startCount int
		endCount   int
		err        error
	}
	results := make([]streamResult, numStreams)

	var wg sync.WaitGroup
	wg.Add(numStreams)
	for s := 0; s < numStreams; s++ {
		go func(idx int) {
			defer wg.Done()
			ctx := streamContext(context.Background(), MetadataStreamID, fmt.Sprintf("stream-%d", idx))
			stream, err := ts.client.DetectSegments(ctx)
			if err != nil {
				results[idx].err = err
				return
			}
			if err := sendWindows(stream, engine.StubToggleInterval*3-1); err != nil {
				results[idx].err = err
				return
			}
			events, err := collectEvents(stream)
			if err != nil {
				results[idx].err = err
				return
			}
			for _, ev := range events {
				switch ev.Type {
				case vad.SegmentStart:
					results[idx].startCount++
				case vad.SegmentEnd:
					results[idx].endCount++
				}
			}
		}(s)
	}
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			t.Errorf("stream %d: error: %v", i, r.err)
			continue
		}
		if r.startCount != 1 {
			t.Errorf("stream %d: START count = %d, want 1", i, r.startCount)
		}
		if r.endCount != 1 {
			t.Errorf("stream %d: END count = %d, want 1", i, r.endCount)
		}
	}
}

func TestDetectSegmentsStreamConfigIsolation(t *testing.T) {
	// Stream A raises the threshold above the stub speech score and sees no
	// speech. Stream B keeps the server defaults.
	ts := startTestServer(t, stubConfig(), stubFactory)

	ctxA := streamContext(context.Background(), MetadataConfig, `{"threshold":0.95}`)
	eventsA := runStream(ctxA, t, ts, engine.StubToggleInterval*3-1)
	eventsB := runStream(streamContext(context.Background()), t, ts, engine.StubToggleInterval*3-1)

	if len(eventsA) != 0 {
		t.Errorf("stream A: got %d events, want 0", len(eventsA))
	}
	if len(eventsB) != 2 {
		t.Errorf("stream B: got %d events, want 2", len(eventsB))
	}
}

func TestDetectSegmentsSubThresholdSpeechDiscarded(t *testing.T) {
	// 1.1 s of speech is needed; the stub's 64-window burst is 1.024 s.
	cfg := stubConfig()
	cfg.MinSpeechDuration = 1.1

	ts := startTestServer(t, cfg, stubFactory)
	events := runStream(streamContext(context.Background()), t, ts, engine.StubToggleInterval*3-1)
	if len(events) != 0 {
		t.Errorf("expected 0 events for sub-threshold speech, got %d: %+v", len(events), events)
	}
}

func TestDetectSegmentsMaxDurationSplit(t *testing.T) {
	cfg := stubConfig()
	cfg.MaxSpeechDuration = 0.5 // 8000 samples

	ts := startTestServer(t, cfg, stubFactory)
	events := runStream(streamContext(context.Background()), t, ts, engine.StubToggleInterval*2)

	// Segment opened at 16128 is split at the first window start with at
	// least 8000 samples elapsed: 16128 + 32*256 = 24320.
	want := []struct {
		typ vad.EventType
		off uint64
	}{
		{vad.SegmentStart, 16128},
		{vad.SegmentEnd, 24320},
		{vad.SegmentStart, 24320},
		{vad.SegmentEnd, 32768},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, w := range want {
		if events[i].Type != w.typ || events[i].SampleOffset != w.off {
			t.Errorf("events[%d] = %v@%d, want %v@%d", i, events[i].Type, events[i].SampleOffset, w.typ, w.off)
		}
	}
	if events[3].SegmentStart != 24320 {
		t.Errorf("second segment start = %d, want 24320", events[3].SegmentStart)
	}

	var rm metricdata.ResourceMetrics
	if err := ts.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	if got := sumCounter(rm, "vad.segments.split"); got != 1 {
		t.Errorf("vad.segments.split = %d, want 1", got)
	}
}

func TestDetectSegmentsMetadataErrors(t *testing.T) {
	ts := startTestServer(t, stubConfig(), stubFactory)

	tests := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"missing sample rate", metadata.Pairs(MetadataStreamID, "s"), MetadataSampleRate},
		{"bad sample rate", metadata.Pairs(MetadataSampleRate, "fast"), "invalid"},
		{"wrong sample rate", metadata.Pairs(MetadataSampleRate, "8000"), "unsupported sample_rate 8000"},
		{"unknown config key", metadata.Pairs(MetadataSampleRate, "16000", MetadataConfig, `{"speech_pad_ms":30}`), "stream config"},
		{"invalid config value", metadata.Pairs(MetadataSampleRate, "16000", MetadataConfig, `{"threshold":2}`), "threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := metadata.NewOutgoingContext(context.Background(), tt.md)
			stream, err := ts.client.DetectSegments(ctx)
			if err != nil {
				t.Fatal(err)
			}
			_, err = stream.Recv()
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("code = %v, want InvalidArgument (err %v)", status.Code(err), err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDetectSegmentsInvalidPCM(t *testing.T) {
	ts := startTestServer(t, stubConfig(), stubFactory)

	stream, err := ts.client.DetectSegments(streamContext(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(wrapperspb.Bytes(make([]byte, 3))); err != nil {
		t.Fatal(err)
	}
	_, err = stream.Recv()
	if status.Code(err) != codes.InvalidArgument || !strings.Contains(err.Error(), "odd length") {
		t.Fatalf("expected InvalidArgument odd length error, got %v", err)
	}
}

// mockEngine adapts a scripted mock scorer to engine.Engine.
type mockEngine struct {
	*mock.Scorer
}

func (mockEngine) Close() error { return nil }
func (mockEngine) Name() string { return "mock" }

func TestDetectSegmentsScorerErrorReportsOffset(t *testing.T) {
	factory := func(engine.Options) (engine.Engine, error) {
		return mockEngine{&mock.Scorer{Default: 0.1, FailAt: 3, Err: errors.New("inference failed")}}, nil
	}
	ts := startTestServer(t, stubConfig(), factory)

	stream, err := ts.client.DetectSegments(streamContext(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	// The third window, at offset 512, fails.
	if err := sendWindows(stream, 3); err != nil {
		t.Fatal(err)
	}
	_, err = collectEvents(stream)
	if status.Code(err) != codes.Internal {
		t.Fatalf("code = %v, want Internal (err %v)", status.Code(err), err)
	}
	if !strings.Contains(err.Error(), "sample 512") {
		t.Errorf("error %q does not report the failing offset", err)
	}

	var rm metricdata.ResourceMetrics
	if err := ts.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	if got := sumCounter(rm, "vad.scorer.errors"); got != 1 {
		t.Errorf("vad.scorer.errors = %d, want 1", got)
	}
}

func TestDetectSegmentsScorerErrorKeepsEarlierEvents(t *testing.T) {
	// The start is confirmed on window 16 and window 18 fails, all within
	// one chunk.
	factory := func(engine.Options) (engine.Engine, error) {
		return mockEngine{&mock.Scorer{Default: 0.9, FailAt: 18, Err: errors.New("inference failed")}}, nil
	}
	ts := startTestServer(t, stubConfig(), factory)

	stream, err := ts.client.DetectSegments(streamContext(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(wrapperspb.Bytes(make([]byte, 20*windowBytes))); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	events, err := collectEvents(stream)
	if status.Code(err) != codes.Internal {
		t.Fatalf("code = %v, want Internal (err %v)", status.Code(err), err)
	}
	if !strings.Contains(err.Error(), fmt.Sprintf("sample %d", 17*256)) {
		t.Errorf("error %q does not report the failing offset", err)
	}
	if len(events) != 1 || events[0].Type != vad.SegmentStart || events[0].SampleOffset != 0 {
		t.Fatalf("events = %+v, want one SEGMENT_START at 0", events)
	}
}

func TestDetectSegmentsEngineErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"window size", fmt.Errorf("silero: %w", engine.ErrWindowSize), codes.InvalidArgument},
		{"model required", engine.ErrModelRequired, codes.InvalidArgument},
		{"native unavailable", engine.ErrNativeUnavailable, codes.FailedPrecondition},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := func(engine.Options) (engine.Engine, error) { return nil, tt.err }
			ts := startTestServer(t, stubConfig(), factory)

			stream, err := ts.client.DetectSegments(streamContext(context.Background()))
			if err != nil {
				t.Fatal(err)
			}
			if err := stream.Send(wrapperspb.Bytes(make([]byte, windowBytes))); err != nil {
				t.Fatal(err)
			}
			_, err = stream.Recv()
			if status.Code(err) != tt.want {
				t.Fatalf("code = %v, want %v (err %v)", status.Code(err), tt.want, err)
			}
		})
	}
}

func TestDetectSegmentsEngineOptions(t *testing.T) {
	got := make(chan engine.Options, 1)
	factory := func(opts engine.Options) (engine.Engine, error) {
		got <- opts
		return engine.NewStubEngine(), nil
	}
	ts := startTestServer(t, stubConfig(), factory)

	ctx := streamContext(context.Background(), MetadataConfig, `{"window_size":512,"model":"/models/vad.onnx","threshold":0.6}`)
	runStream(ctx, t, ts, 2)

	opts := <-got
	if opts.WindowSize != 512 || opts.Model != "/models/vad.onnx" || opts.Threshold != 0.6 {
		t.Errorf("engine options = %+v", opts)
	}
	if opts.SampleRate != vad.DefaultSampleRate {
		t.Errorf("SampleRate = %d, want %d", opts.SampleRate, vad.DefaultSampleRate)
	}
}

func TestDetectSegmentsConcurrencyLimit(t *testing.T) {
	cfg := stubConfig()
	cfg.MaxConcurrentStreams = 1

	opened := make(chan struct{}, 1)
	factory := func(engine.Options) (engine.Engine, error) {
		opened <- struct{}{}
		return engine.NewStubEngine(), nil
	}
	ts := startTestServer(t, cfg, factory)

	first, err := ts.client.DetectSegments(streamContext(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Send(wrapperspb.Bytes(make([]byte, windowBytes))); err != nil {
		t.Fatal(err)
	}
	<-opened // the first stream holds the only slot

	second, err := ts.client.DetectSegments(streamContext(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	_, err = second.Recv()
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("code = %v, want ResourceExhausted (err %v)", status.Code(err), err)
	}

	if err := first.CloseSend(); err != nil {
		t.Fatal(err)
	}
	if _, err := collectEvents(first); err != nil {
		t.Fatal(err)
	}

	var rm metricdata.ResourceMetrics
	if err := ts.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	if got := sumCounter(rm, "vad.streams.rejected"); got != 1 {
		t.Errorf("vad.streams.rejected = %d, want 1", got)
	}
}

func TestDetectSegmentsMetrics(t *testing.T) {
	ts := startTestServer(t, stubConfig(), stubFactory)
	runStream(streamContext(context.Background()), t, ts, engine.StubToggleInterval*3-1)

	var rm metricdata.ResourceMetrics
	if err := ts.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	if got := sumCounter(rm, "vad.windows.scored"); got != engine.StubToggleInterval*3-1 {
		t.Errorf("vad.windows.scored = %d, want %d", got, engine.StubToggleInterval*3-1)
	}
	if got := sumCounter(rm, "vad.windows.speech"); got != engine.StubToggleInterval {
		t.Errorf("vad.windows.speech = %d, want %d", got, engine.StubToggleInterval)
	}
	if got := sumCounter(rm, "vad.segments"); got != 2 {
		t.Errorf("vad.segments = %d, want 2", got)
	}
}

func TestEventFromStructErrors(t *testing.T) {
	if _, err := EventFromStruct(nil); err == nil {
		t.Error("expected error for nil struct")
	}
	bad := EventToStruct(SegmentEvent{Event: vad.Event{Type: vad.SegmentStart}})
	bad.Fields[fieldType] = nil
	if _, err := EventFromStruct(bad); err == nil {
		t.Error("expected error for missing type")
	}
	noOffset := EventToStruct(SegmentEvent{Event: vad.Event{Type: vad.SegmentEnd}})
	delete(noOffset.Fields, fieldSampleOffset)
	if _, err := EventFromStruct(noOffset); err == nil {
		t.Error("expected error for missing sample_offset")
	}
}

func TestAudioTime(t *testing.T) {
	tests := []struct {
		off  uint64
		rate int
		want time.Duration
	}{
		{0, 16000, 0},
		{16000, 16000, time.Second},
		{16128, 16000, 1008 * time.Millisecond},
		{1, 8000, 125 * time.Microsecond},
	}
	for _, tt := range tests {
		if got := audioTime(clockAnchor, tt.off, tt.rate).Sub(clockAnchor); got != tt.want {
			t.Errorf("audioTime(%d, %d) = %v, want %v", tt.off, tt.rate, got, tt.want)
		}
	}
}

// sumCounter returns the total of an int64 sum metric across attributes.
func sumCounter(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
