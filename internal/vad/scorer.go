package vad

import (
	"context"
	"sync"
)

// Scorer returns the speech probability in [0, 1] of one window of samples.
// The window slice is only valid for the duration of the call.
type Scorer interface {
	Score(ctx context.Context, window []float32, model string) (float32, error)
}

// Resetter is implemented by scorers that carry state between windows.
// Controller.Reset calls it.
type Resetter interface {
	Reset() error
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, window []float32, model string) (float32, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, window []float32, model string) (float32, error) {
	return f(ctx, window, model)
}

// Serialize wraps a scorer shared between controllers so that at most one
// Score call is in flight. The wrapper does not forward Reset: state of a
// shared scorer belongs to no single stream.
func Serialize(s Scorer) Scorer {
	return &serialScorer{next: s}
}

type serialScorer struct {
	mu   sync.Mutex
	next Scorer
}

func (s *serialScorer) Score(ctx context.Context, window []float32, model string) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Score(ctx, window, model)
}
