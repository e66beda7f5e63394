package memory

import (
	"sync"

	"github.com/coder/hnsw"
)

// neighbor is a vector index hit: a memory id plus its cosine similarity to
// the query vector.
type neighbor struct {
	id    string
	score float64
}

// vectorIndex is an in-process HNSW graph over stored embeddings, keyed by
// memory id. The graph is rebuilt from the embeddings table at Initialize and
// kept in sync on every store/delete. hnsw.Graph is not goroutine-safe, so
// every access goes through the mutex.
type vectorIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[string]
}

func newVectorIndex(m, efSearch int) *vectorIndex {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	if m > 0 {
		g.M = m
	}
	if efSearch > 0 {
		g.EfSearch = efSearch
	}
	return &vectorIndex{graph: g}
}

// Add inserts or replaces the vector for a memory id.
func (ix *vectorIndex) Add(id string, vec []float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.graph.Add(hnsw.MakeNode(id, vec))
}

// Remove drops a memory id from the graph. Removing an absent id is a no-op.
func (ix *vectorIndex) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.graph.Delete(id)
}

// Len returns the number of indexed vectors.
func (ix *vectorIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.graph.Len()
}

// Search returns up to k approximate nearest neighbors of vec, ordered by
// cosine similarity descending.
func (ix *vectorIndex) Search(vec []float32, k int) []neighbor {
	if k <= 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	nodes := ix.graph.Search(vec, k)
	neighbors := make([]neighbor, 0, len(nodes))
	for _, n := range nodes {
		neighbors = append(neighbors, neighbor{
			id:    n.Key,
			score: CosineSimilarity(vec, n.Value),
		})
	}
	return neighbors
}
