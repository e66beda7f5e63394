package onnx

import (
	"context"
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	defaultDimensions  = 384
	defaultEmbedSeqLen = 128
)

// Embedder runs a MiniLM-style sentence-embedding model locally through ONNX
// Runtime. Output vectors are mean-pooled over attended tokens and unit
// normalized.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *tokenizer
	dimensions int
	maxLen     int
}

// NewEmbedder loads the model and tokenizer. Loading is expensive and should
// happen once, at store initialization.
func NewEmbedder(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = defaultDimensions
	}
	if cfg.MaxSequence == 0 {
		cfg.MaxSequence = defaultEmbedSeqLen
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
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Embedder{
		session:    session,
		tokenizer:  tok,
		dimensions: cfg.Dimensions,
		maxLen:     cfg.MaxSequence,
	}, nil
}

// Embed converts text into a unit-length embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc := e.tokenizer.encode(text, e.maxLen)
	output, err := runSession(e.session, enc, e.maxLen)
	if err != nil {
		return nil, err
	}
	defer output.Destroy()

	embedding, err := e.pool(output, enc.attentionMask)
	if err != nil {
		return nil, err
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases the ONNX session.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

// pool reduces the model output to a single vector. Models that export a
// pooled [1, dims] output are taken as-is; [1, seq, dims] outputs are
// mean-pooled over the attended tokens.
func (e *Embedder) pool(output *ort.Tensor[float32], attentionMask []int64) ([]float32, error) {
	data := output.GetData()
	shape := output.GetShape()

	switch len(shape) {
	case 2:
		if len(data) < e.dimensions {
			return nil, fmt.Errorf("output dimension mismatch: got %d, expected %d", len(data), e.dimensions)
		}
		embedding := make([]float32, e.dimensions)
		copy(embedding, data[:e.dimensions])
		return embedding, nil

	case 3:
		seqLen, hidden := int(shape[1]), int(shape[2])
		if shape[0] != 1 {
			return nil, fmt.Errorf("expected batch size 1, got %d", shape[0])
		}
		if hidden != e.dimensions {
			return nil, fmt.Errorf("hidden size mismatch: got %d, expected %d", hidden, e.dimensions)
		}

		embedding := make([]float32, hidden)
		var attended float32
		for i := 0; i < seqLen && i < len(attentionMask); i++ {
			if attentionMask[i] == 0 {
				continue
			}
			attended++
			offset := i * hidden
			for j := 0; j < hidden; j++ {
				embedding[j] += data[offset+j]
			}
		}
		if attended == 0 {
			return embedding, nil
		}
		for j := range embedding {
			embedding[j] /= attended
		}
		return embedding, nil

	default:
		return nil, fmt.Errorf("unexpected output shape: %v", shape)
	}
}

// runSession feeds one encoded sequence through a session and returns its
// first output tensor. The caller owns the returned tensor.
func runSession(session *ort.DynamicAdvancedSession, enc encoded, maxLen int) (*ort.Tensor[float32], error) {
	shape := ort.NewShape(1, int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, enc.inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attentionMask, err := ort.NewTensor(shape, enc.attentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attentionMask.Destroy()

	tokenTypeIDs, err := ort.NewTensor(shape, enc.tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDs.Destroy()

	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{inputIDs, attentionMask, tokenTypeIDs}, outputs); err != nil {
		return nil, fmt.Errorf("onnx inference failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("no output tensor returned")
	}

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, fmt.Errorf("unexpected output tensor type")
	}
	return tensor, nil
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
