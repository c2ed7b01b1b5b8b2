//go:build sherpa

package engine

import (
	"context"
	"fmt"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// sherpaBufferSeconds sizes the native segment ring buffer. Segments are
// discarded as soon as they appear, so it only needs to hold one.
const sherpaBufferSeconds = 30

// SherpaAvailable reports that the sherpa-onnx engine is compiled in.
func SherpaAvailable() bool { return true }

// SherpaEngine wraps the sherpa-onnx Silero VAD. The native detector does
// its own thresholding, so Score reports 1 for speech and 0 for silence and
// segmentation stays with the caller.
type SherpaEngine struct {
	vad    *sherpa.VoiceActivityDetector
	config sherpa.VadModelConfig
}

// NewSherpaEngine creates the native detector for opts. opts.Model is the
// path to a Silero VAD ONNX file and must be set.
func NewSherpaEngine(opts Options) (Engine, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("sherpa: %w", ErrModelRequired)
	}
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("sherpa: %w: %d", ErrWrongSampleRate, opts.SampleRate)
	}
	if opts.WindowSize <= 0 {
		return nil, fmt.Errorf("sherpa: %w: %d", ErrWindowSize, opts.WindowSize)
	}

	config := sherpa.VadModelConfig{
		SileroVad: sherpa.SileroVadModelConfig{
			Model:     opts.Model,
			Threshold: opts.Threshold,
			// Debouncing happens in the segment accumulator; keep the
			// native detector as close to per-window as it allows.
			MinSilenceDuration: 0,
			MinSpeechDuration:  0,
			MaxSpeechDuration:  sherpaBufferSeconds,
			WindowSize:         opts.WindowSize,
		},
		SampleRate: opts.SampleRate,
		NumThreads: opts.threads(),
		Provider:   "cpu",
	}

	vad := sherpa.NewVoiceActivityDetector(&config, float32(sherpaBufferSeconds))
	if vad == nil {
		return nil, fmt.Errorf("sherpa: create voice activity detector, model: %s", opts.Model)
	}
	return &SherpaEngine{vad: vad, config: config}, nil
}

// Score feeds window to the native detector and reports its speech flag.
func (e *SherpaEngine) Score(ctx context.Context, window []float32, _ string) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.vad == nil {
		return 0, fmt.Errorf("sherpa: engine closed")
	}
	e.vad.AcceptWaveform(window)
	for !e.vad.IsEmpty() {
		e.vad.Pop()
	}
	if e.vad.IsSpeech() {
		return 1, nil
	}
	return 0, nil
}

// Reset clears the native detector state.
func (e *SherpaEngine) Reset() error {
	if e.vad != nil {
		e.vad.Clear()
	}
	return nil
}

// Name returns "sherpa".
func (e *SherpaEngine) Name() string { return NameSherpa }

// Close releases the native detector. Safe to call multiple times.
func (e *SherpaEngine) Close() error {
	if e.vad != nil {
		sherpa.DeleteVoiceActivityDetector(e.vad)
		e.vad = nil
	}
	return nil
}
