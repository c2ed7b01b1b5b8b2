// Command vadscan runs the segment detector over a WAV file and prints one
// JSON object per detected speech segment.
//
//	vadscan -engine energy -threshold 0.4 speech.wav
//
// With -out, every segment is also written to the directory as a 16-bit
// mono WAV file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/engine"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/pcm"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad"
)

// chunkSamples is how much audio is handed to the controller at once.
const chunkSamples = 4096

type options struct {
	engine  string
	out     string
	verbose bool
	cfg     vad.Config
}

// segmentRecord is one output line.
type segmentRecord struct {
	Index    int     `json:"index"`
	Start    uint64  `json:"start"`
	End      uint64  `json:"end"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	File     string  `json:"file,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "vadscan:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, files, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	enc := json.NewEncoder(stdout)
	for _, path := range files {
		if err := scanFile(ctx, path, opts, logger, enc); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func parseFlags(args []string, stderr io.Writer) (options, []string, error) {
	fs := flag.NewFlagSet("vadscan", flag.ContinueOnError)
	fs.SetOutput(stderr)

	def := vad.DefaultConfig()
	var (
		opts      options
		threshold = float64(def.Threshold)
		minSpeech = float64(def.MinSpeechDuration)
		minSilent = float64(def.MinSilenceDuration)
		maxSpeech = float64(def.MaxSpeechDuration)
		window    = int(def.WindowSize)
	)
	fs.StringVar(&opts.engine, "engine", engine.NameAuto, fmt.Sprintf("scoring engine %v", engine.Names()))
	fs.StringVar(&opts.cfg.Model, "model", "", "model path passed to the engine")
	fs.Float64Var(&threshold, "threshold", threshold, "speech probability threshold [0, 1]")
	fs.Float64Var(&minSpeech, "min-speech", minSpeech, "speech in seconds needed to open a segment")
	fs.Float64Var(&minSilent, "min-silence", minSilent, "silence in seconds needed to close a segment")
	fs.Float64Var(&maxSpeech, "max-speech", maxSpeech, "maximum segment length in seconds")
	fs.IntVar(&window, "window", window, "samples per scored window")
	fs.StringVar(&opts.out, "out", "", "directory to write segment WAV files to")
	fs.BoolVar(&opts.verbose, "v", false, "log every segment boundary")

	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return options{}, nil, errors.New("no input files")
	}
	if !engine.Known(opts.engine) {
		return options{}, nil, fmt.Errorf("unknown engine %q (want one of %v)", opts.engine, engine.Names())
	}

	opts.cfg.Threshold = float32(threshold)
	opts.cfg.MinSpeechDuration = float32(minSpeech)
	opts.cfg.MinSilenceDuration = float32(minSilent)
	opts.cfg.MaxSpeechDuration = float32(maxSpeech)
	if window < math.MinInt32 || window > math.MaxInt32 {
		return options{}, nil, fmt.Errorf("window %d out of range", window)
	}
	opts.cfg.WindowSize = int32(window)
	if err := opts.cfg.Validate(); err != nil {
		return options{}, nil, err
	}
	return opts, fs.Args(), nil
}

func scanFile(ctx context.Context, path string, opts options, logger *slog.Logger, enc *json.Encoder) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	audio, err := pcm.ReadWAV(f)
	if err != nil {
		return err
	}

	eng, err := engine.New(opts.engine, engine.Options{
		Model:      opts.cfg.Model,
		SampleRate: audio.SampleRate,
		WindowSize: int(opts.cfg.WindowSize),
		Threshold:  opts.cfg.Threshold,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	ctrlOpts := []vad.Option{
		vad.WithSampleRate(audio.SampleRate),
		vad.WithLogger(logger.With("file", filepath.Base(path))),
		vad.WithEventHandler(func(vad.Event) {}),
	}
	if opts.out != "" {
		if err := os.MkdirAll(opts.out, 0o755); err != nil {
			return err
		}
		ctrlOpts = append(ctrlOpts, vad.WithSegmentAudio())
	} else {
		ctrlOpts = append(ctrlOpts, vad.WithSegments())
	}
	ctrl, err := vad.NewController(opts.cfg, eng, ctrlOpts...)
	if err != nil {
		return err
	}

	w := &segmentWriter{
		enc:   enc,
		rate:  audio.SampleRate,
		out:   opts.out,
		label: stem(path),
	}
	for samples := audio.Samples; len(samples) > 0; {
		n := min(chunkSamples, len(samples))
		if err := ctrl.AcceptSamples(ctx, samples[:n]); err != nil {
			return err
		}
		samples = samples[n:]
		if err := w.drain(ctrl); err != nil {
			return err
		}
	}
	if err := ctrl.Flush(); err != nil {
		return err
	}
	return w.drain(ctrl)
}

type segmentWriter struct {
	enc   *json.Encoder
	rate  int
	out   string
	label string
	count int
}

// drain prints every finished segment. The boundary events themselves are
// only logged, so the controller runs in push mode.
func (w *segmentWriter) drain(ctrl *vad.Controller) error {
	for {
		seg, ok := ctrl.NextSegment()
		if !ok {
			return nil
		}
		rec := segmentRecord{
			Index:    w.count,
			Start:    seg.Start,
			End:      seg.End,
			StartSec: float64(seg.Start) / float64(w.rate),
			EndSec:   float64(seg.End) / float64(w.rate),
		}
		if w.out != "" {
			rec.File = filepath.Join(w.out, fmt.Sprintf("%s_%03d.wav", w.label, w.count))
			if err := writeSegment(rec.File, seg.Samples, w.rate); err != nil {
				return err
			}
		}
		w.count++
		if err := w.enc.Encode(rec); err != nil {
			return err
		}
	}
}

func writeSegment(path string, samples []float32, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pcm.WriteWAV(f, samples, rate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
