package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/recallmem/recall/config"
)

// hashEmbedder creates embeddings based on word content to simulate semantic
// similarity: texts with overlapping words get similar embeddings. It is
// deterministic and needs no external services, making it suitable for CI.
type hashEmbedder struct {
	dimensions int
}

func newHashEmbedder(dimensions int) *hashEmbedder {
	return &hashEmbedder{dimensions: dimensions}
}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := strings.Fields(strings.ToLower(text))
	embedding := make([]float32, e.dimensions)
	if len(words) == 0 {
		return embedding, nil
	}

	for _, word := range words {
		h := fnv.New32a()
		if _, err := h.Write([]byte(word)); err != nil {
			return nil, err
		}
		hash := h.Sum32()

		// Each word influences a few dimensions so overlapping vocabularies
		// produce high cosine similarity.
		for i := 0; i < 3; i++ {
			dim := int((hash + uint32(i)*2654435761) % uint32(e.dimensions)) // nolint:gosec // Test code
			embedding[dim] += float32(math.Sin(float64(hash+uint32(i))*0.1) + 1.0)
		}
	}

	return Normalize(embedding), nil
}

// failingEmbedder simulates an unavailable bi-encoder.
type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("model not loaded")
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "memory.db")
	cfg.Reranker.Disabled = true
	return cfg
}

func newTestStore(t *testing.T, cfg config.Config, opts ...Option) *Store {
	t.Helper()
	if len(opts) == 0 {
		opts = []Option{WithEmbedder(newHashEmbedder(64))}
	}
	s := NewStore(cfg, zerolog.Nop(), opts...)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestStoreMemoryRoundtrip(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	stored, err := s.StoreMemory(ctx, StoreRequest{
		Content:    "Chose SQLite over Postgres for the persistence layer.",
		Kind:       KindDecision,
		Importance: ptr(0.9),
		Tags:       []string{"architecture", "storage"},
		Metadata:   map[string]interface{}{"reviewed": true},
	})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("expected a generated id")
	}
	if stored.AccessCount != 0 {
		t.Errorf("expected access count 0, got %d", stored.AccessCount)
	}
	if stored.LastAccessedAt != nil {
		t.Error("expected no last-accessed timestamp before first retrieval")
	}

	recent, err := s.GetRecentMemories(ctx, RecentOptions{Limit: 1})
	if err != nil {
		t.Fatalf("GetRecentMemories: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(recent))
	}

	m := recent[0]
	if m.Content != "Chose SQLite over Postgres for the persistence layer." {
		t.Errorf("content mismatch: %q", m.Content)
	}
	if m.Kind != KindDecision {
		t.Errorf("kind mismatch: %q", m.Kind)
	}
	if math.Abs(m.Importance-0.9) > 1e-9 {
		t.Errorf("importance mismatch: %v", m.Importance)
	}
	if len(m.Tags) != 2 || m.Tags[0] != "architecture" || m.Tags[1] != "storage" {
		t.Errorf("tags mismatch: %v", m.Tags)
	}
	if reviewed, ok := m.Metadata["reviewed"].(bool); !ok || !reviewed {
		t.Errorf("metadata mismatch: %v", m.Metadata)
	}
}

func TestStoreMemoryValidation(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	cases := []struct {
		name string
		req  StoreRequest
	}{
		{"empty content", StoreRequest{Content: "   ", Kind: KindCode}},
		{"oversized content", StoreRequest{Content: strings.Repeat("x", MaxContentLength+1), Kind: KindCode}},
		{"unknown kind", StoreRequest{Content: "hello", Kind: Kind("diary")}},
		{"importance too high", StoreRequest{Content: "hello", Kind: KindCode, Importance: ptr(1.5)}},
		{"importance negative", StoreRequest{Content: "hello", Kind: KindCode, Importance: ptr(-0.1)}},
		{"empty tag", StoreRequest{Content: "hello", Kind: KindCode, Tags: []string{" "}}},
		{"oversized tag", StoreRequest{Content: "hello", Kind: KindCode, Tags: []string{strings.Repeat("t", MaxTagLength+1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.StoreMemory(ctx, tc.req)
			if !IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	// Validation failures must not touch storage.
	recent, err := s.GetRecentMemories(ctx, RecentOptions{})
	if err != nil {
		t.Fatalf("GetRecentMemories: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected empty store after rejected inputs, got %d memories", len(recent))
	}
}

func TestStoreMemoryDefaultImportance(t *testing.T) {
	s := newTestStore(t, testConfig(t))

	m, err := s.StoreMemory(context.Background(), StoreRequest{
		Content: "plain note",
		Kind:    KindContext,
	})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	if math.Abs(m.Importance-DefaultImportance) > 1e-9 {
		t.Errorf("expected default importance %v, got %v", DefaultImportance, m.Importance)
	}
}

func TestStoreMemoryAllowsDuplicateContent(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	first, err := s.StoreMemory(ctx, StoreRequest{Content: "same text", Kind: KindContext})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	second, err := s.StoreMemory(ctx, StoreRequest{Content: "same text", Kind: KindContext})
	if err != nil {
		t.Fatalf("StoreMemory duplicate: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected distinct records for duplicate content")
	}
}

func TestTagsAreSharedAcrossMemories(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	if _, err := s.StoreMemory(ctx, StoreRequest{Content: "first", Kind: KindCode, Tags: []string{"go"}}); err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	if _, err := s.StoreMemory(ctx, StoreRequest{Content: "second", Kind: KindCode, Tags: []string{"go"}}); err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tags WHERE name = 'go'`).Scan(&count); err != nil {
		t.Fatalf("count tags: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one shared tag row, got %d", count)
	}
}

func TestDeleteMemoryIsIdempotent(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	m, err := s.StoreMemory(ctx, StoreRequest{Content: "ephemeral", Kind: KindContext, Tags: []string{"tmp"}})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	if err := s.DeleteMemory(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if err := s.DeleteMemory(ctx, m.ID); err != nil {
		t.Fatalf("second DeleteMemory: %v", err)
	}
	if err := s.DeleteMemory(ctx, "never-issued-id"); err != nil {
		t.Fatalf("DeleteMemory on unknown id: %v", err)
	}

	recent, err := s.GetRecentMemories(ctx, RecentOptions{})
	if err != nil {
		t.Fatalf("GetRecentMemories: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected deleted memory to be absent, got %d", len(recent))
	}

	var embeddings int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&embeddings); err != nil {
		t.Fatalf("count embeddings: %v", err)
	}
	if embeddings != 0 {
		t.Fatalf("expected embedding row to be deleted with its memory, got %d", embeddings)
	}
}

func TestGetRecentMemoriesFilters(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	for _, req := range []StoreRequest{
		{Content: "we decided to ship on friday", Kind: KindDecision, Importance: ptr(0.9)},
		{Content: "func main() {}", Kind: KindCode, Importance: ptr(0.2)},
		{Content: "customer call notes", Kind: KindContext, Importance: ptr(0.5)},
	} {
		if _, err := s.StoreMemory(ctx, req); err != nil {
			t.Fatalf("StoreMemory: %v", err)
		}
	}

	decisions, err := s.GetRecentMemories(ctx, RecentOptions{Kind: KindDecision})
	if err != nil {
		t.Fatalf("GetRecentMemories: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Kind != KindDecision {
		t.Fatalf("expected exactly the decision record, got %v", decisions)
	}

	important, err := s.GetRecentMemories(ctx, RecentOptions{MinImportance: 0.4})
	if err != nil {
		t.Fatalf("GetRecentMemories: %v", err)
	}
	if len(important) != 2 {
		t.Fatalf("expected 2 memories with importance >= 0.4, got %d", len(important))
	}

	if _, err := s.GetRecentMemories(ctx, RecentOptions{Limit: MaxLimit + 1}); !IsValidationError(err) {
		t.Fatalf("expected validation error for oversized limit, got %v", err)
	}
	if _, err := s.GetRecentMemories(ctx, RecentOptions{Limit: -1}); !IsValidationError(err) {
		t.Fatalf("expected validation error for negative limit, got %v", err)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// First owner stores a memory and is never closed, simulating a process
	// killed before Close.
	first := NewStore(cfg, zerolog.Nop(), WithEmbedder(newHashEmbedder(64)))
	if err := first.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	stored, err := first.StoreMemory(ctx, StoreRequest{Content: "survives a crash", Kind: KindContext})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	second := newTestStore(t, cfg)
	recent, err := second.GetRecentMemories(ctx, RecentOptions{})
	if err != nil {
		t.Fatalf("GetRecentMemories after reopen: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != stored.ID {
		t.Fatalf("expected stored memory after reopen, got %v", recent)
	}

	// The vector index is rebuilt from stored embeddings, so search works too.
	results, err := second.SearchMemories(ctx, "survives a crash", SearchOptions{MinSimilarity: ptr(0.0)})
	if err != nil {
		t.Fatalf("SearchMemories after reopen: %v", err)
	}
	if len(results) != 1 || results[0].Memory.ID != stored.ID {
		t.Fatalf("expected stored memory in search results after reopen, got %v", results)
	}
}

func TestLifecycleGuards(t *testing.T) {
	cfg := testConfig(t)
	s := NewStore(cfg, zerolog.Nop(), WithEmbedder(newHashEmbedder(64)))
	ctx := context.Background()

	if _, err := s.StoreMemory(ctx, StoreRequest{Content: "early", Kind: KindContext}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := s.SearchMemories(ctx, "early", SearchOptions{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// Second Initialize warns and succeeds.
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("repeated Initialize: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Second Close warns and succeeds.
	if err := s.Close(); err != nil {
		t.Fatalf("repeated Close: %v", err)
	}

	if _, err := s.GetRecentMemories(ctx, RecentOptions{}); !errors.Is(err, ErrClosing) {
		t.Fatalf("expected ErrClosing after Close, got %v", err)
	}
}

func TestInitializeFailsWithoutEmbedder(t *testing.T) {
	cfg := testConfig(t)
	s := NewStore(cfg, zerolog.Nop(), WithEmbedder(failingEmbedder{}))

	err := s.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected initialization to fail when the embedder is unavailable")
	}
	if !strings.Contains(err.Error(), "embedder unavailable") {
		t.Fatalf("expected embedder-unavailable error, got %v", err)
	}
}

// closableFailingEmbedder records whether the store released it after a
// failed initialization.
type closableFailingEmbedder struct{ closed bool }

func (e *closableFailingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("model not loaded")
}

func (e *closableFailingEmbedder) Close() error {
	e.closed = true
	return nil
}

func TestInitializeFailureReleasesModels(t *testing.T) {
	emb := &closableFailingEmbedder{}
	s := NewStore(testConfig(t), zerolog.Nop(), WithEmbedder(emb))

	if err := s.Initialize(context.Background()); err == nil {
		t.Fatal("expected initialization to fail")
	}
	if !emb.closed {
		t.Error("expected the embedder to be closed after the failure")
	}
	if s.embedder != nil {
		t.Error("expected the embedder field cleared so a retry rebuilds it")
	}
}

func TestCorruptMetadataSurfacesError(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, `INSERT INTO memories
		(id, content, kind, metadata, importance, access_count, created_at, updated_at)
		VALUES ('corrupt', 'x', 'context', '{not json', 0.5, 0, 1, 1)`); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	_, err := s.GetRecentMemories(ctx, RecentOptions{})
	if err == nil {
		t.Fatal("expected corrupted metadata to surface an error")
	}
	if !strings.Contains(err.Error(), "metadata") {
		t.Fatalf("expected a metadata decode error, got %v", err)
	}
}
