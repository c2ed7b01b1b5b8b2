//go:build silero

package engine

// NativeAvailable reports that the Silero VAD engine is compiled in.
func NativeAvailable() bool { return true }

// NativeWindowSize is the window the native Silero model requires.
const NativeWindowSize = SileroWindowSize

// NewNativeEngine creates a SileroEngine bound to opts.
func NewNativeEngine(opts Options) (Engine, error) {
	return NewSileroEngine(opts)
}
