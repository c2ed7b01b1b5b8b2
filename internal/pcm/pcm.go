// Package pcm converts between raw PCM encodings and float32 samples.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// BytesPerSample is the size of one s16le sample.
const BytesPerSample = 2

// ErrOddLength is returned for s16le buffers that do not hold whole samples.
var ErrOddLength = errors.New("pcm: s16le buffer has odd length, expected 2 bytes per sample")

// S16LEToFloat32 converts PCM s16le bytes to float32 samples in [-1, 1],
// appending them to dst. Divides by 32768 (not 32767) so that the full int16
// range [-32768, 32767] maps to [-1.0, ~0.99997].
func S16LEToFloat32(dst []float32, buf []byte) ([]float32, error) {
	if len(buf)%BytesPerSample != 0 {
		return dst, fmt.Errorf("%w (got %d bytes)", ErrOddLength, len(buf))
	}
	for i := 0; i+1 < len(buf); i += BytesPerSample {
		dst = append(dst, float32(int16(binary.LittleEndian.Uint16(buf[i:])))/32768.0)
	}
	return dst, nil
}

// Float32ToS16LE encodes samples as PCM s16le, clamping to [-1, 1].
func Float32ToS16LE(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(toInt16(s)))
	}
	return dst
}

func toInt16(s float32) int16 {
	v := math.Round(float64(s) * 32768.0)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// IntToFloat32 normalizes integer samples of the given bit depth to [-1, 1].
func IntToFloat32(dst []float32, samples []int, bitDepth int) ([]float32, error) {
	if bitDepth <= 0 || bitDepth > 32 {
		return dst, fmt.Errorf("pcm: unsupported bit depth %d", bitDepth)
	}
	scale := float64(int64(1) << (bitDepth - 1))
	for _, s := range samples {
		dst = append(dst, float32(float64(s)/scale))
	}
	return dst, nil
}
