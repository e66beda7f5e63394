// Package ollama provides a bi-encoder backend over a running Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

const defaultModel = "all-minilm"

// Embedder generates embeddings through the Ollama embeddings API.
type Embedder struct {
	client *api.Client
	model  string
}

// NewEmbedder creates an Ollama-backed embedder. An empty host falls back to
// the OLLAMA_HOST environment variable or the local default.
func NewEmbedder(host, model string) (*Embedder, error) {
	if model == "" {
		model = defaultModel
	}

	var client *api.Client
	if host == "" {
		cli, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		client = cli
	} else {
		base, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
		}
		client = api.NewClient(base, http.DefaultClient)
	}

	return &Embedder{client: client, model: model}, nil
}

// Embed returns the embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, errors.New("ollama returned no embeddings")
	}
	return resp.Embeddings[0], nil
}
