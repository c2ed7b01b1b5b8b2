package engine

import "context"

// StubToggleInterval is the number of windows after which the stub engine
// toggles between speech and silence. With 256-sample windows at 16 kHz,
// 64 windows is about one second.
const StubToggleInterval = 64

// Scores returned by the stub engine.
const (
	StubSpeechScore  float32 = 0.9
	StubSilenceScore float32 = 0.1
)

// StubEngine returns deterministic scores by alternating between speech and
// silence every StubToggleInterval windows. It does not look at the audio.
type StubEngine struct {
	counter  int
	speaking bool
}

// NewStubEngine creates a StubEngine starting in silence state.
func NewStubEngine() *StubEngine {
	return &StubEngine{}
}

// Score ignores the window and returns a score based on an internal counter
// that toggles speech/silence every StubToggleInterval windows.
func (e *StubEngine) Score(_ context.Context, _ []float32, _ string) (float32, error) {
	e.counter++
	if e.counter >= StubToggleInterval {
		e.counter = 0
		e.speaking = !e.speaking
	}
	if e.speaking {
		return StubSpeechScore, nil
	}
	return StubSilenceScore, nil
}

// Reset returns the engine to its initial state (silence, counter zero).
func (e *StubEngine) Reset() error {
	e.counter = 0
	e.speaking = false
	return nil
}

// Close is a no-op for the stub engine.
func (e *StubEngine) Close() error {
	return nil
}

// Name returns "stub".
func (e *StubEngine) Name() string { return NameStub }
