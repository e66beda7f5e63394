package memory

import (
	"math"
	"testing"
)

func TestVectorCodecRoundtrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 0, 3.75, math.MaxFloat32}
	decoded, err := DecodeVector(EncodeVector(vec))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("expected %d values, got %d", len(vec), len(decoded))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("value %d: expected %v, got %v", i, vec[i], decoded[i])
		}
	}

	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a truncated blob")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := Normalize([]float32{1, 2, 3})
	if got := CosineSimilarity(a, a); math.Abs(got-1) > 1e-6 {
		t.Errorf("expected self-similarity 1, got %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-6 {
		t.Errorf("expected orthogonal similarity 0, got %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{1}); got != 0 {
		t.Errorf("expected 0 for mismatched lengths, got %v", got)
	}
}
