package onnx

import (
	"context"
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

const defaultRerankSeqLen = 256

// Reranker runs a cross-encoder (e.g. ms-marco-MiniLM) locally through ONNX
// Runtime. Each (query, candidate) pair is encoded jointly and scored with a
// single relevance logit, squashed through a sigmoid so scores land in (0,1).
type Reranker struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizer
	maxLen    int
}

// NewReranker loads the cross-encoder model and tokenizer. Loading is
// expensive and should happen once, at store initialization; a load failure
// leaves the store in bi-encoder-only mode.
func NewReranker(cfg Config) (*Reranker, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if cfg.MaxSequence == 0 {
		cfg.MaxSequence = defaultRerankSeqLen
	}

	tok, err := loadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	if err := initRuntime(); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Reranker{
		session:   session,
		tokenizer: tok,
		maxLen:    cfg.MaxSequence,
	}, nil
}

// Rerank scores each candidate against the query. Scores come back in
// candidate order, higher meaning more relevant.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	scores := make([]float64, len(candidates))
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, err := r.score(query, candidate)
		if err != nil {
			return nil, fmt.Errorf("score candidate %d: %w", i, err)
		}
		scores[i] = score
	}
	return scores, nil
}

func (r *Reranker) score(query, candidate string) (float64, error) {
	enc := r.tokenizer.encodePair(query, candidate, r.maxLen)
	output, err := runSession(r.session, enc, r.maxLen)
	if err != nil {
		return 0, err
	}
	defer output.Destroy()

	data := output.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("empty logits output")
	}
	return sigmoid(float64(data[0])), nil
}

// Close releases the ONNX session.
func (r *Reranker) Close() error {
	if r.session != nil {
		return r.session.Destroy()
	}
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
