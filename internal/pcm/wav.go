package pcm

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned for input that is not a readable WAV file.
var ErrInvalidWAV = errors.New("pcm: not a valid wav file")

// Audio is decoded mono audio.
type Audio struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the audio length in seconds.
func (a Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// ReadWAV decodes a PCM WAV file into normalized mono float32 samples.
// Multi-channel input is downmixed by averaging channels.
func ReadWAV(r io.ReadSeeker) (Audio, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Audio{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Audio{}, fmt.Errorf("pcm: read wav: %w", err)
	}
	return fromIntBuffer(buf)
}

func fromIntBuffer(buf *audio.IntBuffer) (Audio, error) {
	if buf == nil || buf.Format == nil {
		return Audio{}, ErrInvalidWAV
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		return Audio{}, fmt.Errorf("pcm: wav has %d channels", channels)
	}
	// AsFloat32Buffer does not normalize, so scale by the source bit depth.
	flat, err := IntToFloat32(make([]float32, 0, len(buf.Data)), buf.Data, buf.SourceBitDepth)
	if err != nil {
		return Audio{}, err
	}
	if channels == 1 {
		return Audio{Samples: flat, SampleRate: buf.Format.SampleRate}, nil
	}

	frames := len(flat) / channels
	mono := make([]float32, frames)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += flat[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return Audio{Samples: mono, SampleRate: buf.Format.SampleRate}, nil
}

// WriteWAV encodes mono samples as a 16-bit PCM WAV file.
func WriteWAV(w io.WriteSeeker, samples []float32, rate int) error {
	if rate <= 0 {
		return fmt.Errorf("pcm: invalid sample rate %d", rate)
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(toInt16(s))
	}
	enc := wav.NewEncoder(w, rate, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		return fmt.Errorf("pcm: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("pcm: close wav: %w", err)
	}
	return nil
}
