package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad"
)

// Environment variables read by Loader.
const (
	EnvConfig     = "NUPI_ADAPTER_CONFIG"
	EnvConfigFile = "NUPI_ADAPTER_CONFIG_FILE"
)

// LoadResult is the loaded configuration plus warnings about deprecated
// options that were accepted.
type LoadResult struct {
	Config   Config
	Warnings []string
}

// Loader loads configuration from an optional YAML file and environment
// variables. Tests can override Lookup and ReadFile to inject deterministic
// sources.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load applies, in order: defaults, the YAML file named by
// NUPI_ADAPTER_CONFIG_FILE, the JSON object in NUPI_ADAPTER_CONFIG, and
// individual environment variables. The result is validated.
func (l Loader) Load() (LoadResult, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	res := LoadResult{Config: Default()}

	if path, ok := l.Lookup(EnvConfigFile); ok && strings.TrimSpace(path) != "" {
		data, err := l.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return LoadResult{}, fmt.Errorf("config: read %s: %w", EnvConfigFile, err)
		}
		var payload overlay
		if err := decodeYAML(data, &payload); err != nil {
			return LoadResult{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if err := payload.apply(&res); err != nil {
			return LoadResult{}, err
		}
	}

	if raw, ok := l.Lookup(EnvConfig); ok && strings.TrimSpace(raw) != "" {
		var payload overlay
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return LoadResult{}, fmt.Errorf("config: decode %s: %w", EnvConfig, err)
		}
		if err := payload.apply(&res); err != nil {
			return LoadResult{}, err
		}
	}

	if err := l.applyEnv(&res); err != nil {
		return LoadResult{}, err
	}

	if err := res.Config.Validate(); err != nil {
		return LoadResult{}, err
	}
	return res, nil
}

func (l Loader) applyEnv(res *LoadResult) error {
	cfg := &res.Config
	overrideString(l.Lookup, "NUPI_ADAPTER_LISTEN_ADDR", &cfg.ListenAddr)
	overrideString(l.Lookup, "NUPI_LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "NUPI_VAD_ENGINE", &cfg.Engine)
	overrideString(l.Lookup, "NUPI_VAD_MODEL", &cfg.Model)
	overrideString(l.Lookup, "NUPI_METRICS_ADDR", &cfg.MetricsAddr)

	// Deprecated millisecond variables first so the second-based ones win.
	for _, d := range []struct {
		key    string
		target *float32
		repl   string
	}{
		{"NUPI_VAD_MIN_SPEECH_DURATION_MS", &cfg.MinSpeechDuration, "NUPI_VAD_MIN_SPEECH_DURATION"},
		{"NUPI_VAD_MIN_SILENCE_DURATION_MS", &cfg.MinSilenceDuration, "NUPI_VAD_MIN_SILENCE_DURATION"},
	} {
		var ms int
		set, err := overrideInt(l.Lookup, d.key, &ms)
		if err != nil {
			return err
		}
		if set {
			*d.target = float32(ms) / 1000
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s is deprecated, use %s (seconds)", d.key, d.repl))
		}
	}
	if value, ok := l.Lookup("NUPI_VAD_SPEECH_PAD_MS"); ok && strings.TrimSpace(value) != "" {
		return errors.New("config: NUPI_VAD_SPEECH_PAD_MS is not supported; segments are reported without padding")
	}

	for _, f := range []struct {
		key    string
		target *float32
	}{
		{"NUPI_VAD_THRESHOLD", &cfg.Threshold},
		{"NUPI_VAD_MIN_SPEECH_DURATION", &cfg.MinSpeechDuration},
		{"NUPI_VAD_MIN_SILENCE_DURATION", &cfg.MinSilenceDuration},
		{"NUPI_VAD_MAX_SPEECH_DURATION", &cfg.MaxSpeechDuration},
	} {
		if err := overrideFloat(l.Lookup, f.key, f.target); err != nil {
			return err
		}
	}

	var window int
	set, err := overrideInt(l.Lookup, "NUPI_VAD_WINDOW_SIZE", &window)
	if err != nil {
		return err
	}
	if set {
		if window < math.MinInt32 || window > math.MaxInt32 {
			return fmt.Errorf("config: invalid value for NUPI_VAD_WINDOW_SIZE: %d out of range", window)
		}
		cfg.WindowSize = int32(window)
	}
	if _, err := overrideInt(l.Lookup, "NUPI_VAD_SAMPLE_RATE", &cfg.SampleRate); err != nil {
		return err
	}
	if _, err := overrideInt(l.Lookup, "NUPI_MAX_CONCURRENT_STREAMS", &cfg.MaxConcurrentStreams); err != nil {
		return err
	}
	return nil
}

// overlay is the shape shared by the YAML file and the JSON variable. Nil
// pointers leave the current value untouched.
type overlay struct {
	ListenAddr           string   `json:"listen_addr" yaml:"listen_addr"`
	LogLevel             string   `json:"log_level" yaml:"log_level"`
	Engine               string   `json:"engine" yaml:"engine"`
	SampleRate           *int     `json:"sample_rate" yaml:"sample_rate"`
	MetricsAddr          *string  `json:"metrics_addr" yaml:"metrics_addr"`
	MaxConcurrentStreams *int     `json:"max_concurrent_streams" yaml:"max_concurrent_streams"`
	VADOverrides         `yaml:",inline"`
	MinSpeechDurationMs  *int     `json:"min_speech_duration_ms" yaml:"min_speech_duration_ms"`
	MinSilenceDurationMs *int     `json:"min_silence_duration_ms" yaml:"min_silence_duration_ms"`
	SpeechPadMs          *int     `json:"speech_pad_ms" yaml:"speech_pad_ms"`
}

func (o overlay) apply(res *LoadResult) error {
	cfg := &res.Config
	if o.SpeechPadMs != nil {
		return errors.New("config: speech_pad_ms is not supported; segments are reported without padding")
	}
	if o.ListenAddr != "" {
		cfg.ListenAddr = o.ListenAddr
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.Engine != "" {
		cfg.Engine = o.Engine
	}
	if o.SampleRate != nil {
		cfg.SampleRate = *o.SampleRate
	}
	if o.MetricsAddr != nil {
		cfg.MetricsAddr = *o.MetricsAddr
	}
	if o.MaxConcurrentStreams != nil {
		cfg.MaxConcurrentStreams = *o.MaxConcurrentStreams
	}
	if o.MinSpeechDurationMs != nil {
		cfg.MinSpeechDuration = float32(*o.MinSpeechDurationMs) / 1000
		res.Warnings = append(res.Warnings, "min_speech_duration_ms is deprecated, use min_speech_duration (seconds)")
	}
	if o.MinSilenceDurationMs != nil {
		cfg.MinSilenceDuration = float32(*o.MinSilenceDurationMs) / 1000
		res.Warnings = append(res.Warnings, "min_silence_duration_ms is deprecated, use min_silence_duration (seconds)")
	}

	v := o.VADOverrides.Apply(cfg.VAD())
	cfg.Model = v.Model
	cfg.Threshold = v.Threshold
	cfg.MinSilenceDuration = v.MinSilenceDuration
	cfg.MinSpeechDuration = v.MinSpeechDuration
	cfg.WindowSize = v.WindowSize
	cfg.MaxSpeechDuration = v.MaxSpeechDuration
	return nil
}

// VADOverrides holds optional detector settings. Nil fields are left as is.
type VADOverrides struct {
	Model              *string  `json:"model" yaml:"model"`
	Threshold          *float32 `json:"threshold" yaml:"threshold"`
	MinSilenceDuration *float32 `json:"min_silence_duration" yaml:"min_silence_duration"`
	MinSpeechDuration  *float32 `json:"min_speech_duration" yaml:"min_speech_duration"`
	WindowSize         *int32   `json:"window_size" yaml:"window_size"`
	MaxSpeechDuration  *float32 `json:"max_speech_duration" yaml:"max_speech_duration"`
}

// Apply returns base with the set fields replaced.
func (o VADOverrides) Apply(base vad.Config) vad.Config {
	if o.Model != nil {
		base.Model = *o.Model
	}
	if o.Threshold != nil {
		base.Threshold = *o.Threshold
	}
	if o.MinSilenceDuration != nil {
		base.MinSilenceDuration = *o.MinSilenceDuration
	}
	if o.MinSpeechDuration != nil {
		base.MinSpeechDuration = *o.MinSpeechDuration
	}
	if o.WindowSize != nil {
		base.WindowSize = *o.WindowSize
	}
	if o.MaxSpeechDuration != nil {
		base.MaxSpeechDuration = *o.MaxSpeechDuration
	}
	return base
}

// ParseVADOverrides decodes a JSON object of detector settings, rejecting
// unknown keys, and applies it to base. The result is validated.
func ParseVADOverrides(base vad.Config, raw string) (vad.Config, error) {
	if strings.TrimSpace(raw) == "" {
		return base, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var o VADOverrides
	if err := dec.Decode(&o); err != nil {
		return vad.Config{}, fmt.Errorf("config: decode vad overrides: %w", err)
	}
	cfg := o.Apply(base)
	if err := cfg.Validate(); err != nil {
		return vad.Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, out *overlay) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float32) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = float32(parsed)
	}
	return nil
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) (bool, error) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return false, fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
		return true, nil
	}
	return false, nil
}
