package engine

import (
	"context"
	"math"
)

const (
	// DefaultMinVolume is the RMS at or below which a window scores zero.
	DefaultMinVolume = 0.01
	// DefaultMaxRMS is the RMS that maps to a score of one. Typical voice
	// RMS is 0.05-0.3 for normalized audio.
	DefaultMaxRMS = 0.5
)

// EnergyEngine scores a window by its RMS level mapped linearly onto [0, 1].
// It needs no model and runs at any sample rate and window size.
type EnergyEngine struct {
	minVolume float64
	maxRMS    float64
}

// NewEnergyEngine returns an EnergyEngine. Non-positive or inverted bounds
// fall back to DefaultMinVolume and DefaultMaxRMS.
func NewEnergyEngine(minVolume, maxRMS float64) *EnergyEngine {
	if minVolume <= 0 || maxRMS <= minVolume {
		minVolume, maxRMS = DefaultMinVolume, DefaultMaxRMS
	}
	return &EnergyEngine{minVolume: minVolume, maxRMS: maxRMS}
}

// Score returns the normalized RMS level of window.
func (e *EnergyEngine) Score(_ context.Context, window []float32, _ string) (float32, error) {
	rms := rms(window)
	if rms <= e.minVolume {
		return 0, nil
	}
	p := (rms - e.minVolume) / (e.maxRMS - e.minVolume)
	if p > 1 {
		p = 1
	}
	return float32(p), nil
}

// Reset is a no-op; the energy engine is stateless.
func (e *EnergyEngine) Reset() error { return nil }

// Close is a no-op.
func (e *EnergyEngine) Close() error { return nil }

// Name returns "energy".
func (e *EnergyEngine) Name() string { return NameEnergy }

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
