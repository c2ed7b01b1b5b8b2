package engine

import (
	"errors"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad"
)

// ExpectedSampleRate is the input rate the native models are trained for.
const ExpectedSampleRate = 16000

var (
	// ErrNativeUnavailable indicates a native backend is not compiled in.
	ErrNativeUnavailable = errors.New("engine: native backend not available")

	// ErrWrongSampleRate is returned when a backend cannot run at the
	// requested sample rate.
	ErrWrongSampleRate = errors.New("engine: unsupported sample rate")

	// ErrWindowSize is returned when a window does not match the size the
	// backend was built for.
	ErrWindowSize = errors.New("engine: unsupported window size")

	// ErrModelRequired is returned by backends that cannot run without an
	// explicit model path.
	ErrModelRequired = errors.New("engine: model is required")
)

// Engine scores windows of float32 samples for a single stream.
type Engine interface {
	vad.Scorer
	// Reset clears internal state (e.g., between sessions).
	Reset() error
	// Close releases resources.
	Close() error
	// Name returns the backend identifier.
	Name() string
}

// Options carries the stream parameters an engine is bound to.
type Options struct {
	// Model is the model identifier from the VAD config. Its meaning is
	// backend specific; most backends treat it as a file path.
	Model string
	// SampleRate is the input rate in Hz.
	SampleRate int
	// WindowSize is the number of samples per Score call.
	WindowSize int
	// Threshold is forwarded to backends that make their own speech
	// decision.
	Threshold float32
	// Threads bounds native inference threads. Zero means one.
	Threads int
}

func (o Options) threads() int {
	if o.Threads <= 0 {
		return 1
	}
	return o.Threads
}
