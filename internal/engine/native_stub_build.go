//go:build !silero

package engine

import "fmt"

// NativeAvailable reports that no native engine is compiled in.
func NativeAvailable() bool { return false }

// NativeWindowSize is the window the native Silero model requires.
const NativeWindowSize = 512

// NewNativeEngine returns an error when built without the silero tag.
func NewNativeEngine(_ Options) (Engine, error) {
	return nil, fmt.Errorf("%w: silero (build with -tags silero)", ErrNativeUnavailable)
}
