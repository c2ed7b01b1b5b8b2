package vad

import (
	"math"
)

// Default configuration values, matching the native TEN-VAD model config.
const (
	DefaultThreshold          float32 = 0.5
	DefaultMinSilenceDuration float32 = 0.5
	DefaultMinSpeechDuration  float32 = 0.25
	DefaultWindowSize         int32   = 256
	DefaultMaxSpeechDuration  float32 = 5.0

	// DefaultSampleRate is used to convert durations to sample counts when
	// the caller does not supply WithSampleRate.
	DefaultSampleRate = 16000
)

// Config is the detector configuration. The field order is part of the
// contract and mirrors the native model config record:
//
//  1. Model
//  2. Threshold
//  3. MinSilenceDuration
//  4. MinSpeechDuration
//  5. WindowSize
//  6. MaxSpeechDuration
//
// Config is a plain value. A Controller keeps its own copy, so mutating a
// Config after construction has no effect on running detectors.
type Config struct {
	// Model is an opaque handle passed to the scorer. Empty is structurally
	// valid; scorers that need a model reject it when they are bound.
	Model string `json:"model" yaml:"model"`

	// Threshold is the speech probability at or above which a window counts
	// as speech. Range [0, 1].
	Threshold float32 `json:"threshold" yaml:"threshold"`

	// MinSilenceDuration is the silence, in seconds, needed to close an open
	// segment.
	MinSilenceDuration float32 `json:"min_silence_duration" yaml:"min_silence_duration"`

	// MinSpeechDuration is the contiguous speech, in seconds, needed to
	// confirm a segment.
	MinSpeechDuration float32 `json:"min_speech_duration" yaml:"min_speech_duration"`

	// WindowSize is the number of samples per scored window.
	WindowSize int32 `json:"window_size" yaml:"window_size"`

	// MaxSpeechDuration caps a segment, in seconds. A segment reaching it is
	// closed and a new one opened at the same offset.
	MaxSpeechDuration float32 `json:"max_speech_duration" yaml:"max_speech_duration"`
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:          DefaultThreshold,
		MinSilenceDuration: DefaultMinSilenceDuration,
		MinSpeechDuration:  DefaultMinSpeechDuration,
		WindowSize:         DefaultWindowSize,
		MaxSpeechDuration:  DefaultMaxSpeechDuration,
	}
}

// ConfigOption sets one field on a Config being built by NewConfig.
type ConfigOption func(*Config)

// WithModel sets Config.Model.
func WithModel(model string) ConfigOption {
	return func(c *Config) { c.Model = model }
}

// WithThreshold sets Config.Threshold.
func WithThreshold(threshold float32) ConfigOption {
	return func(c *Config) { c.Threshold = threshold }
}

// WithMinSilenceDuration sets Config.MinSilenceDuration in seconds.
func WithMinSilenceDuration(seconds float32) ConfigOption {
	return func(c *Config) { c.MinSilenceDuration = seconds }
}

// WithMinSpeechDuration sets Config.MinSpeechDuration in seconds.
func WithMinSpeechDuration(seconds float32) ConfigOption {
	return func(c *Config) { c.MinSpeechDuration = seconds }
}

// WithWindowSize sets Config.WindowSize in samples.
func WithWindowSize(samples int32) ConfigOption {
	return func(c *Config) { c.WindowSize = samples }
}

// WithMaxSpeechDuration sets Config.MaxSpeechDuration in seconds.
func WithMaxSpeechDuration(seconds float32) ConfigOption {
	return func(c *Config) { c.MaxSpeechDuration = seconds }
}

// NewConfig starts from DefaultConfig, applies opts in order and validates
// the result.
func NewConfig(opts ...ConfigOption) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first violated invariant as a *ConfigError.
func (c Config) Validate() error {
	if isNaN32(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		return &ConfigError{Field: "threshold", Invariant: "must be within [0, 1]", Value: c.Threshold}
	}
	if !isFinite32(c.MinSilenceDuration) || c.MinSilenceDuration < 0 {
		return &ConfigError{Field: "min_silence_duration", Invariant: "must be a finite value >= 0", Value: c.MinSilenceDuration}
	}
	if !isFinite32(c.MinSpeechDuration) || c.MinSpeechDuration < 0 {
		return &ConfigError{Field: "min_speech_duration", Invariant: "must be a finite value >= 0", Value: c.MinSpeechDuration}
	}
	if c.WindowSize <= 0 {
		return &ConfigError{Field: "window_size", Invariant: "must be > 0", Value: c.WindowSize}
	}
	if !isFinite32(c.MaxSpeechDuration) || c.MaxSpeechDuration <= 0 {
		return &ConfigError{Field: "max_speech_duration", Invariant: "must be a finite value > 0", Value: c.MaxSpeechDuration}
	}
	if c.MaxSpeechDuration <= c.MinSpeechDuration {
		return &ConfigError{Field: "max_speech_duration", Invariant: "must be > min_speech_duration", Value: c.MaxSpeechDuration}
	}
	return nil
}

// durationSamples converts seconds to a sample count at rate.
func durationSamples(seconds float32, rate int) uint64 {
	return uint64(math.Round(float64(seconds) * float64(rate)))
}

func isNaN32(f float32) bool { return f != f }

func isFinite32(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}
