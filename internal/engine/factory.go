package engine

import (
	"errors"
	"fmt"
)

// Engine names accepted by New.
const (
	NameAuto   = "auto"
	NameStub   = "stub"
	NameEnergy = "energy"
	NameSilero = "silero"
	NameSherpa = "sherpa"
)

// ErrUnknownEngine is returned by New for an unrecognised name.
var ErrUnknownEngine = errors.New("engine: unknown engine")

// Names lists the engine names accepted by New.
func Names() []string {
	return []string{NameAuto, NameStub, NameEnergy, NameSilero, NameSherpa}
}

// Known reports whether name is accepted by New.
func Known(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}

// New creates the engine called name bound to opts. "auto" (or empty)
// selects the native Silero engine when it is compiled in and can run with
// opts, and the energy engine otherwise.
func New(name string, opts Options) (Engine, error) {
	switch name {
	case NameStub:
		return NewStubEngine(), nil
	case NameEnergy:
		return NewEnergyEngine(DefaultMinVolume, DefaultMaxRMS), nil
	case NameSilero:
		return NewNativeEngine(opts)
	case NameSherpa:
		return NewSherpaEngine(opts)
	case NameAuto, "":
		if NativeAvailable() && opts.SampleRate == ExpectedSampleRate && opts.WindowSize == NativeWindowSize {
			return NewNativeEngine(opts)
		}
		return NewEnergyEngine(DefaultMinVolume, DefaultMaxRMS), nil
	default:
		return nil, fmt.Errorf("%w %q (want one of %v)", ErrUnknownEngine, name, Names())
	}
}

// Resolve returns the concrete engine name New would build for name.
func Resolve(name string, opts Options) string {
	if name != NameAuto && name != "" {
		return name
	}
	if NativeAvailable() && opts.SampleRate == ExpectedSampleRate && opts.WindowSize == NativeWindowSize {
		return NameSilero
	}
	return NameEnergy
}
