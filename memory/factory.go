package memory

import (
	"fmt"
	"strings"

	"github.com/recallmem/recall/config"
	"github.com/recallmem/recall/memory/ollama"
	"github.com/recallmem/recall/memory/onnx"
	"github.com/recallmem/recall/memory/openai"
)

// newEmbedderFromConfig constructs the configured bi-encoder backend.
func newEmbedderFromConfig(cfg config.EmbedderConfig) (Embedder, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "ollama":
		return ollama.NewEmbedder(cfg.Host, cfg.Model)
	case "openai":
		return openai.NewEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "onnx":
		return onnx.NewEmbedder(onnx.Config{
			ModelPath:     cfg.ModelPath,
			TokenizerPath: cfg.TokenizerPath,
			Dimensions:    cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedder backend %q", cfg.Backend)
	}
}

// newRerankerFromConfig constructs the configured cross-encoder backend.
func newRerankerFromConfig(cfg config.RerankerConfig) (Reranker, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "onnx":
		return onnx.NewReranker(onnx.Config{
			ModelPath:     cfg.ModelPath,
			TokenizerPath: cfg.TokenizerPath,
			MaxSequence:   cfg.MaxSequence,
		})
	default:
		return nil, fmt.Errorf("unknown reranker backend %q", cfg.Backend)
	}
}
