//go:build !sherpa

package engine

import "fmt"

// SherpaAvailable reports that the sherpa-onnx engine is not compiled in.
func SherpaAvailable() bool { return false }

// NewSherpaEngine validates opts and returns ErrNativeUnavailable when built
// without the sherpa tag.
func NewSherpaEngine(opts Options) (Engine, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("sherpa: %w", ErrModelRequired)
	}
	return nil, fmt.Errorf("%w: sherpa (build with -tags sherpa)", ErrNativeUnavailable)
}
