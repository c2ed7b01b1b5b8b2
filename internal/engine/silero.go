//go:build silero

package engine

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// SileroWindowSize is the number of float32 samples per inference call.
	// Silero VAD v5 at 16 kHz requires exactly 512 samples (32 ms).
	SileroWindowSize = 512

	// sileroStateSize is the hidden state dimension per layer.
	// Silero VAD v5 uses a combined state tensor of shape [2, 1, 128].
	sileroStateSize = 128
)

// ortInitOnce ensures ONNX Runtime environment is initialized exactly once.
// ortInitErr is stored at package scope so subsequent NewSileroEngine calls
// surface the failure instead of proceeding with an uninitialized environment.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// SileroEngine runs Silero VAD v5 inference via ONNX Runtime. The RNN state
// is carried from one window to the next until Reset.
type SileroEngine struct {
	session *ort.AdvancedSession

	// Input tensors (reused between calls).
	inputTensor *ort.Tensor[float32] // [1, 512]
	stateTensor *ort.Tensor[float32] // [2, 1, 128]
	srTensor    *ort.Tensor[int64]   // scalar

	// Output tensors (reused between calls).
	outputTensor *ort.Tensor[float32] // [1, 1]
	stateNTensor *ort.Tensor[float32] // [2, 1, 128]
}

// NewSileroEngine initializes ONNX Runtime and loads the model. An empty
// opts.Model selects the embedded model; otherwise it is an .onnx path.
func NewSileroEngine(opts Options) (*SileroEngine, error) {
	if opts.SampleRate != ExpectedSampleRate {
		return nil, fmt.Errorf("silero: %w: %d, model requires %d", ErrWrongSampleRate, opts.SampleRate, ExpectedSampleRate)
	}
	if opts.WindowSize != SileroWindowSize {
		return nil, fmt.Errorf("silero: %w: %d, model requires %d", ErrWindowSize, opts.WindowSize, SileroWindowSize)
	}
	if opts.Model == "" && len(sileroModelData) == 0 {
		return nil, fmt.Errorf("silero: embedded model data is empty and no model path given")
	}

	ortInitOnce.Do(func() {
		libPath, err := resolveORTLibPath()
		if err != nil {
			ortInitErr = fmt.Errorf("resolve ORT lib: %w", err)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("silero: %w", ortInitErr)
	}

	e := &SileroEngine{}
	if err := e.allocTensors(); err != nil {
		e.Close()
		return nil, err
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("silero: session options: %w", err)
	}
	defer sessOpts.Destroy()
	if err := sessOpts.SetIntraOpNumThreads(opts.threads()); err != nil {
		e.Close()
		return nil, fmt.Errorf("silero: set threads: %w", err)
	}

	inputNames := []string{"input", "state", "sr"}
	outputNames := []string{"output", "stateN"}
	inputs := []ort.Value{e.inputTensor, e.stateTensor, e.srTensor}
	outputs := []ort.Value{e.outputTensor, e.stateNTensor}

	if opts.Model == "" {
		e.session, err = ort.NewAdvancedSessionWithONNXData(sileroModelData, inputNames, outputNames, inputs, outputs, sessOpts)
	} else {
		e.session, err = ort.NewAdvancedSession(opts.Model, inputNames, outputNames, inputs, outputs, sessOpts)
	}
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("silero: create session: %w", err)
	}
	return e, nil
}

func (e *SileroEngine) allocTensors() error {
	var err error
	if e.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, SileroWindowSize)); err != nil {
		return fmt.Errorf("silero: create input tensor: %w", err)
	}
	if e.stateTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize)); err != nil {
		return fmt.Errorf("silero: create state tensor: %w", err)
	}
	if e.srTensor, err = ort.NewTensor(ort.NewShape(1), []int64{ExpectedSampleRate}); err != nil {
		return fmt.Errorf("silero: create sr tensor: %w", err)
	}
	if e.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		return fmt.Errorf("silero: create output tensor: %w", err)
	}
	if e.stateNTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize)); err != nil {
		return fmt.Errorf("silero: create stateN tensor: %w", err)
	}
	// onnxruntime_go does not guarantee zeroed memory.
	clear(e.stateTensor.GetData())
	clear(e.stateNTensor.GetData())
	return nil
}

// Score runs one inference on exactly SileroWindowSize samples and returns
// the speech probability. The model argument is ignored; the model is bound
// at construction.
func (e *SileroEngine) Score(ctx context.Context, window []float32, _ string) (float32, error) {
	if len(window) != SileroWindowSize {
		return 0, fmt.Errorf("silero: %w: got %d samples, want %d", ErrWindowSize, len(window), SileroWindowSize)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.session == nil {
		return 0, fmt.Errorf("silero: engine closed")
	}

	copy(e.inputTensor.GetData(), window)
	if err := e.session.Run(); err != nil {
		return 0, fmt.Errorf("silero: inference: %w", err)
	}
	prob := e.outputTensor.GetData()[0]

	// Carry forward hidden state: copy stateN → state.
	copy(e.stateTensor.GetData(), e.stateNTensor.GetData())
	return prob, nil
}

// Reset clears the RNN hidden state.
func (e *SileroEngine) Reset() error {
	if e.stateTensor != nil {
		clear(e.stateTensor.GetData())
	}
	return nil
}

// Name returns "silero".
func (e *SileroEngine) Name() string { return NameSilero }

// Close releases ONNX Runtime resources. Safe to call multiple times.
func (e *SileroEngine) Close() error {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.stateTensor != nil {
		e.stateTensor.Destroy()
		e.stateTensor = nil
	}
	if e.srTensor != nil {
		e.srTensor.Destroy()
		e.srTensor = nil
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	if e.stateNTensor != nil {
		e.stateNTensor.Destroy()
		e.stateNTensor = nil
	}
	return nil
}
