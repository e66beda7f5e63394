package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
)

// Embedder is a pluggable interface for turning text into a fixed-dimension
// vector. Implementations should be deterministic for a given model version.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EncodeVector encodes a []float32 into a []byte for storage.
func EncodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// DecodeVector decodes a []byte back into a []float32.
func DecodeVector(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, errors.New("invalid vector blob length")
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// Normalize scales vec to unit length in place and returns it. Unit-length
// vectors let cosine similarity reduce to a dot product.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// CosineSimilarity between two equal-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
