// Package onnx provides local model backends over ONNX Runtime: a MiniLM-style
// bi-encoder for embeddings and a cross-encoder for reranking.
package onnx

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// sharedLibraryEnv points at libonnxruntime when it is not on the default
// loader path.
const sharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY"

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// initRuntime initializes the ONNX Runtime environment exactly once per
// process. All sessions share it.
func initRuntime() error {
	runtimeOnce.Do(func() {
		if path := os.Getenv(sharedLibraryEnv); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeErr = fmt.Errorf("initialize onnx runtime: %w", err)
		}
	})
	return runtimeErr
}

// Config configures an ONNX-backed model.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// Dimensions is the embedding vector size (default 384, for
	// all-MiniLM-L6-v2). Ignored by the reranker.
	Dimensions int

	// MaxSequence is the maximum token sequence length (default 128 for the
	// bi-encoder, 256 for the cross-encoder).
	MaxSequence int
}
