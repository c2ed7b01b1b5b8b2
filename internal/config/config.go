package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/engine"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad"
)

const (
	DefaultListenAddr  = "localhost:0"
	DefaultEngine      = engine.NameAuto
	DefaultSampleRate  = vad.DefaultSampleRate
	DefaultMaxStreams  = 64
	DefaultMetricsAddr = ""
)

// Config holds the adapter configuration.
type Config struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	LogLevel   string `json:"log_level" yaml:"log_level"`

	// Engine selects the scorer backend: auto, stub, energy, silero, sherpa.
	Engine     string `json:"engine" yaml:"engine"`
	SampleRate int    `json:"sample_rate" yaml:"sample_rate"`

	Model              string  `json:"model" yaml:"model"`
	Threshold          float32 `json:"threshold" yaml:"threshold"`
	MinSilenceDuration float32 `json:"min_silence_duration" yaml:"min_silence_duration"`
	MinSpeechDuration  float32 `json:"min_speech_duration" yaml:"min_speech_duration"`
	WindowSize         int32   `json:"window_size" yaml:"window_size"`
	MaxSpeechDuration  float32 `json:"max_speech_duration" yaml:"max_speech_duration"`

	// MetricsAddr is the listen address of the /metrics and health HTTP
	// server. Empty disables it.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// MaxConcurrentStreams bounds active detection streams. Zero means no
	// limit.
	MaxConcurrentStreams int `json:"max_concurrent_streams" yaml:"max_concurrent_streams"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	v := vad.DefaultConfig()
	return Config{
		ListenAddr:           DefaultListenAddr,
		Engine:               DefaultEngine,
		SampleRate:           DefaultSampleRate,
		Model:                v.Model,
		Threshold:            v.Threshold,
		MinSilenceDuration:   v.MinSilenceDuration,
		MinSpeechDuration:    v.MinSpeechDuration,
		WindowSize:           v.WindowSize,
		MaxSpeechDuration:    v.MaxSpeechDuration,
		MetricsAddr:          DefaultMetricsAddr,
		MaxConcurrentStreams: DefaultMaxStreams,
	}
}

// VAD returns the detector part of the configuration.
func (c Config) VAD() vad.Config {
	return vad.Config{
		Model:              c.Model,
		Threshold:          c.Threshold,
		MinSilenceDuration: c.MinSilenceDuration,
		MinSpeechDuration:  c.MinSpeechDuration,
		WindowSize:         c.WindowSize,
		MaxSpeechDuration:  c.MaxSpeechDuration,
	}
}

// EngineOptions returns the options used to bind engines to a stream using
// detector config v.
func (c Config) EngineOptions(v vad.Config) engine.Options {
	return engine.Options{
		Model:      v.Model,
		SampleRate: c.SampleRate,
		WindowSize: int(v.WindowSize),
		Threshold:  v.Threshold,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("config: listen_addr must not be empty"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log_level %q", c.LogLevel))
	}
	if !engine.Known(c.Engine) {
		errs = append(errs, fmt.Errorf("config: unknown engine %q (want one of %v)", c.Engine, engine.Names()))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("config: sample_rate must be > 0 (got %d)", c.SampleRate))
	}
	if c.MaxConcurrentStreams < 0 {
		errs = append(errs, fmt.Errorf("config: max_concurrent_streams must be >= 0 (got %d)", c.MaxConcurrentStreams))
	}
	if err := c.VAD().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	errs = append(errs, c.validateEngine()...)
	return errors.Join(errs...)
}

func (c Config) validateEngine() []error {
	var errs []error
	switch c.Engine {
	case engine.NameSilero:
		if c.SampleRate != engine.ExpectedSampleRate {
			errs = append(errs, fmt.Errorf("config: engine silero requires sample_rate %d (got %d)", engine.ExpectedSampleRate, c.SampleRate))
		}
		if c.WindowSize != engine.NativeWindowSize {
			errs = append(errs, fmt.Errorf("config: engine silero requires window_size %d (got %d)", engine.NativeWindowSize, c.WindowSize))
		}
	case engine.NameSherpa:
		if strings.TrimSpace(c.Model) == "" {
			errs = append(errs, errors.New("config: engine sherpa requires model (path to silero_vad.onnx)"))
		}
	}
	return errs
}
