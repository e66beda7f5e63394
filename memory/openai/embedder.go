// Package openai provides a bi-encoder backend over any OpenAI-compatible
// embeddings endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"
)

// Embedder generates embeddings through the OpenAI embeddings API. Setting a
// base URL points it at any compatible server.
type Embedder struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
}

// NewEmbedder creates an OpenAI-backed embedder.
func NewEmbedder(apiKey, baseURL, model string) *Embedder {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(goopenai.SmallEmbedding3)
	}
	return &Embedder{
		client: goopenai.NewClientWithConfig(cfg),
		model:  goopenai.EmbeddingModel(model),
	}
}

// Embed returns the embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai returned no embeddings")
	}
	return resp.Data[0].Embedding, nil
}
