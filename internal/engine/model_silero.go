//go:build silero

package engine

import (
	_ "embed"
)

// sileroModelData contains the Silero VAD v5 ONNX model embedded at build time.
//
// BUILD REQUIREMENT: the model file must exist at internal/engine/silero_vad.onnx
// before compiling with -tags silero. If you see "pattern silero_vad.onnx: no
// matching files found", download silero_vad.onnx (v5) into this directory.
// A model on disk can be used instead by setting the VAD model path.
//
//go:embed silero_vad.onnx
var sileroModelData []byte
