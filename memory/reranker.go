package memory

import "context"

// Reranker scores (query, candidate) pairs jointly with a cross-encoder.
// Rerank returns one relevance score per candidate, in candidate order;
// higher means more relevant. Scores are on the model's own scale and must
// not be compared against bi-encoder similarities.
//
// The reranker is an optional capability: the store runs without one, at
// reduced precision.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}
