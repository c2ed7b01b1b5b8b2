// Package mock provides test doubles for the vad package interfaces.
//
// Scorer returns a scripted sequence of scores and records every window it
// was asked to score:
//
//	sc := &mock.Scorer{Scores: []float32{0.9, 0.9, 0.1}, Default: 0.1}
//	ctrl, _ := vad.NewController(cfg, sc)
package mock

import (
	"context"
	"sync"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/vad"
)

// ScoreCall records a single invocation of Scorer.Score.
type ScoreCall struct {
	// Window is a copy of the samples passed to Score.
	Window []float32
	// Model is the model identifier passed to Score.
	Model string
}

// Scorer is a mock implementation of vad.Scorer and vad.Resetter.
type Scorer struct {
	mu sync.Mutex

	// Scores is consumed in order, one value per call.
	Scores []float32

	// Default is returned once Scores is exhausted.
	Default float32

	// FailAt, when > 0, makes the FailAt-th call (1-based) return Err.
	FailAt int

	// Err is the error returned by the failing call.
	Err error

	// ResetErr, if non-nil, is returned by Reset.
	ResetErr error

	// --- Call records ---

	// Calls records every call to Score in order.
	Calls []ScoreCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	next int
}

// Score records the call and returns the next scripted score.
func (s *Scorer) Score(_ context.Context, window []float32, model string) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(window))
	copy(cp, window)
	s.Calls = append(s.Calls, ScoreCall{Window: cp, Model: model})
	if s.FailAt > 0 && len(s.Calls) == s.FailAt {
		return 0, s.Err
	}
	if s.next < len(s.Scores) {
		v := s.Scores[s.next]
		s.next++
		return v, nil
	}
	return s.Default, nil
}

// Reset rewinds the script to its first score and records the call.
func (s *Scorer) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	s.next = 0
	return s.ResetErr
}

// Repeat returns n copies of score, for building Scores scripts.
func Repeat(score float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = score
	}
	return out
}

// Ensure Scorer implements vad.Scorer and vad.Resetter at compile time.
var (
	_ vad.Scorer   = (*Scorer)(nil)
	_ vad.Resetter = (*Scorer)(nil)
)
