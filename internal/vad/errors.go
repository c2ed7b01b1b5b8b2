package vad

import (
	"errors"
	"fmt"
)

// ErrStreamFailed is returned by a Controller that hit a scorer failure and
// has not been Reset since.
var ErrStreamFailed = errors.New("vad: stream failed, reset required")

// ConfigError reports a configuration invariant violated at construction.
type ConfigError struct {
	Field     string
	Invariant string
	Value     any
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vad: invalid config: %s %s (got %v)", e.Field, e.Invariant, e.Value)
}

// ScorerError wraps a scorer failure with the absolute sample offset of the
// window being scored.
type ScorerError struct {
	Offset uint64
	Err    error
}

func (e *ScorerError) Error() string {
	return fmt.Sprintf("vad: scorer failed at sample %d: %v", e.Offset, e.Err)
}

func (e *ScorerError) Unwrap() error { return e.Err }
