package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recallmem/recall/config"
	"github.com/recallmem/recall/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the public facade over the persistent semantic memory store. It
// owns the SQLite database, the vector index, the embedding and reranking
// models, and the lifecycle around them.
//
// A Store serializes its own lifecycle but assumes a single logical owner of
// the underlying database file; two independent Store instances pointed at
// the same file are a deployment error, not something guarded against here.
type Store struct {
	cfg    config.Config
	logger zerolog.Logger

	mu          sync.RWMutex
	initialized bool
	closing     bool
	closed      bool

	db       *sql.DB
	embedder Embedder
	reranker Reranker // nil when unavailable (degraded mode)
	index    *vectorIndex

	touchWG sync.WaitGroup
}

// Option customizes a Store before Initialize runs.
type Option func(*Store)

// WithEmbedder injects a pre-built embedder instead of constructing one from
// configuration during Initialize.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithReranker injects a pre-built reranker instead of constructing one from
// configuration during Initialize.
func WithReranker(r Reranker) Option {
	return func(s *Store) { s.reranker = r }
}

// NewStore creates a Store. No resources are acquired until Initialize.
func NewStore(cfg config.Config, logger zerolog.Logger, opts ...Option) *Store {
	logger = logger.With().Str("component", "memory_store").Logger()
	s := &Store{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize prepares the store for use: it creates the storage directory,
// opens the database, applies schema migrations, loads the embedding model
// (fatal on failure), rebuilds the vector index from stored embeddings, and
// loads the reranking model (non-fatal on failure). Calling Initialize on an
// already-initialized store warns and returns nil.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		s.logger.Warn().Msg("Initialize called on an already-initialized store")
		return nil
	}
	if s.closing || s.closed {
		return ErrClosing
	}

	// Configs built as struct literals leave the tunables at zero; fill them
	// from the compiled defaults before anything reads them.
	if err := config.ApplyDefaults(&s.cfg); err != nil {
		return fmt.Errorf("apply config defaults: %w", err)
	}

	path := s.cfg.Storage.Path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create storage directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return fmt.Errorf("open database %s: %w", path, err)
	}
	// The store serializes access through one connection; this also keeps
	// ":memory:" databases coherent across the pool.
	db.SetMaxOpenConns(1)

	cleanup := func() {
		if cerr := db.Close(); cerr != nil {
			s.logger.Error().Err(cerr).Msg("Failed to close database during initialization cleanup")
		}
	}

	if err := db.PingContext(ctx); err != nil {
		cleanup()
		return fmt.Errorf("ping database %s: %w", path, err)
	}

	if err := migrations.Run(db, s.logger); err != nil {
		cleanup()
		return fmt.Errorf("ensure schema: %w", err)
	}

	if s.embedder == nil {
		embedder, err := newEmbedderFromConfig(s.cfg.Embedder)
		if err != nil {
			cleanup()
			return fmt.Errorf("load embedder: %w", err)
		}
		s.embedder = embedder
	}

	// The store cannot function without the bi-encoder, so probe it before
	// declaring the store ready. The probe retries with exponential backoff
	// to ride out a model backend that is still warming up.
	if err := s.probeEmbedder(ctx); err != nil {
		// Clear the model fields along with their sessions so a retried
		// Initialize rebuilds them instead of probing a destroyed model.
		s.closeModels()
		s.embedder, s.reranker = nil, nil
		cleanup()
		return fmt.Errorf("embedder unavailable: %w", err)
	}

	index := newVectorIndex(s.cfg.Search.IndexM, s.cfg.Search.IndexEfSearch)
	if err := rebuildIndex(ctx, db, index); err != nil {
		s.closeModels()
		s.embedder, s.reranker = nil, nil
		cleanup()
		return fmt.Errorf("rebuild vector index: %w", err)
	}

	if s.reranker == nil && !s.cfg.Reranker.Disabled {
		reranker, err := newRerankerFromConfig(s.cfg.Reranker)
		if err != nil {
			s.logger.Warn().Err(err).
				Msg("Reranking model failed to load; continuing with bi-encoder ranking only")
		} else {
			s.reranker = reranker
		}
	}

	s.db = db
	s.index = index
	s.initialized = true
	s.logger.Info().
		Str("path", path).
		Int("indexed", index.Len()).
		Bool("reranker", s.reranker != nil).
		Msg("Memory store initialized")
	return nil
}

// Close releases the database connection and any in-process model resources.
// It is idempotent: closing an uninitialized or already-closed store warns
// and returns nil. Concurrent Close calls are safe.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.initialized || s.closing || s.closed {
		s.mu.Unlock()
		s.logger.Warn().Msg("Close called on a store that is not open")
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	// Let in-flight access-count updates drain before the connection goes away.
	s.touchWG.Wait()

	var closeErr error
	if err := s.db.Close(); err != nil {
		closeErr = fmt.Errorf("close database: %w", err)
	}
	s.closeModels()

	s.mu.Lock()
	s.closed = true
	s.initialized = false
	// db and index stay set: an operation that passed ready() before the
	// closing flag flipped may still touch them, and a closed *sql.DB fails
	// with an error rather than a nil dereference.
	s.mu.Unlock()

	s.logger.Info().Msg("Memory store closed")
	return closeErr
}

// IsRerankerEnabled reports whether the reranking model loaded and reranking
// is available for searches.
func (s *Store) IsRerankerEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reranker != nil
}

// StoreMemory validates the request, embeds the content, and persists the
// memory row, its embedding, and its tag associations in one transaction.
// The returned record is re-read from storage so storage-computed fields are
// reflected.
func (s *Store) StoreMemory(ctx context.Context, req StoreRequest) (*Memory, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	content := req.Content
	if strings.TrimSpace(content) == "" {
		return nil, validationErr("content", "must not be empty")
	}
	if len(content) > MaxContentLength {
		return nil, validationErr("content", "exceeds %d characters", MaxContentLength)
	}
	if !req.Kind.Valid() {
		return nil, validationErr("kind", "unknown kind %q", req.Kind)
	}
	importance := DefaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	if importance < 0 || importance > 1 {
		return nil, validationErr("importance", "must be between 0 and 1, got %v", importance)
	}
	tags, err := normalizeTags(req.Tags)
	if err != nil {
		return nil, err
	}

	vec, err := s.embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	var metaJSON []byte
	if req.Metadata != nil {
		metaJSON, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	id := uuid.NewString()
	nowUnix := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertMemory := StatementBuilder().
		Insert("memories").
		Columns("id", "content", "kind", "metadata", "importance",
			"access_count", "created_at", "updated_at").
		Values(id, content, string(req.Kind), metaJSON, importance,
			0, nowUnix, nowUnix)
	if err := execBuilder(ctx, tx, insertMemory); err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	insertEmbedding := StatementBuilder().
		Insert("embeddings").
		Columns("memory_id", "vector", "dims").
		Values(id, EncodeVector(vec), len(vec))
	if err := execBuilder(ctx, tx, insertEmbedding); err != nil {
		return nil, fmt.Errorf("insert embedding: %w", err)
	}

	for _, tag := range tags {
		if err := s.attachTag(ctx, tx, id, tag); err != nil {
			return nil, fmt.Errorf("attach tag %q: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit memory: %w", err)
	}

	// Index only after the transaction is durable: a failed insert must never
	// leave a dangling entry in the vector index.
	s.index.Add(id, vec)

	s.logger.Info().
		Str("id", id).
		Str("kind", string(req.Kind)).
		Str("content", truncateString(content, 40)).
		Strs("tags", tags).
		Msg("Memory stored")

	return s.getMemory(ctx, id)
}

// DeleteMemory removes a memory, its embedding, and its tag associations.
// Deleting an unknown id is a successful no-op, which makes cleanup retries
// safe.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return validationErr("id", "must not be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, del := range []sq.DeleteBuilder{
		StatementBuilder().Delete("memory_tags").Where(sq.Eq{"memory_id": id}),
		StatementBuilder().Delete("embeddings").Where(sq.Eq{"memory_id": id}),
		StatementBuilder().Delete("memories").Where(sq.Eq{"id": id}),
	} {
		queryStr, args, err := del.ToSql()
		if err != nil {
			return fmt.Errorf("build delete query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
			return fmt.Errorf("delete memory %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	s.index.Remove(id)
	s.logger.Info().Str("id", id).Msg("Memory deleted")
	return nil
}

// GetRecentMemories returns memories ordered by creation time descending.
// No embedding or reranking is involved.
func (s *Store) GetRecentMemories(ctx context.Context, opts RecentOptions) ([]*Memory, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit == 0 {
		limit = DefaultRecentLimit
	}
	if limit < MinLimit || limit > MaxLimit {
		return nil, validationErr("limit", "must be between %d and %d, got %d", MinLimit, MaxLimit, opts.Limit)
	}
	if opts.MinImportance < 0 || opts.MinImportance > 1 {
		return nil, validationErr("min_importance", "must be between 0 and 1, got %v", opts.MinImportance)
	}
	if opts.Kind != "" && !opts.Kind.Valid() {
		return nil, validationErr("kind", "unknown kind %q", opts.Kind)
	}

	query := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)) //nolint:gosec // limit is bounded above
	if opts.MinImportance > 0 {
		query = query.Where(sq.GtOrEq{"importance": opts.MinImportance})
	}
	if opts.Kind != "" {
		query = query.Where(sq.Eq{"kind": string(opts.Kind)})
	}

	memories, err := s.queryMemories(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query recent memories: %w", err)
	}
	if err := s.loadTags(ctx, memories); err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	return memories, nil
}

// ready fails fast when the store is not in a usable lifecycle state.
func (s *Store) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing || s.closed {
		return ErrClosing
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// embed wraps the configured embedder and guarantees a unit-length vector,
// whatever the backend returns.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return Normalize(vec), nil
}

func (s *Store) probeEmbedder(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	op := func() error {
		_, err := s.embedder.Embed(ctx, "warm-up")
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
}

// attachTag creates the tag row on first use and links it to the memory.
// Tag names are case-sensitive; repeated associations are ignored.
func (s *Store) attachTag(ctx context.Context, tx *sql.Tx, memoryID, tag string) error {
	insertTag := StatementBuilder().
		Insert("tags").
		Columns("name").
		Values(tag).
		Suffix("ON CONFLICT(name) DO NOTHING")
	if err := execBuilder(ctx, tx, insertTag); err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}

	queryStr, args, err := StatementBuilder().
		Select("id").
		From("tags").
		Where(sq.Eq{"name": tag}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build tag lookup: %w", err)
	}
	var tagID int64
	if err := tx.QueryRowContext(ctx, queryStr, args...).Scan(&tagID); err != nil {
		return fmt.Errorf("lookup tag: %w", err)
	}

	link := StatementBuilder().
		Insert("memory_tags").
		Options("OR IGNORE").
		Columns("memory_id", "tag_id").
		Values(memoryID, tagID)
	if err := execBuilder(ctx, tx, link); err != nil {
		return fmt.Errorf("link tag: %w", err)
	}
	return nil
}

// getMemory re-reads a single memory (with tags) from storage.
func (s *Store) getMemory(ctx context.Context, id string) (*Memory, error) {
	query := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		Where(sq.Eq{"id": id})
	memories, err := s.queryMemories(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read memory %s: %w", id, err)
	}
	if len(memories) == 0 {
		return nil, fmt.Errorf("memory %s not found after insert", id)
	}
	if err := s.loadTags(ctx, memories); err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	return memories[0], nil
}

func (s *Store) queryMemories(ctx context.Context, query sq.SelectBuilder) ([]*Memory, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// loadTags fills the Tags field of each memory with one aggregate query.
func (s *Store) loadTags(ctx context.Context, memories []*Memory) error {
	if len(memories) == 0 {
		return nil
	}
	ids := make([]string, len(memories))
	byID := make(map[string]*Memory, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
		byID[m.ID] = m
	}

	queryStr, args, err := StatementBuilder().
		Select("mt.memory_id", "t.name").
		From("memory_tags mt").
		Join("tags t ON t.id = mt.tag_id").
		Where(sq.Eq{"mt.memory_id": ids}).
		OrderBy("t.name").
		ToSql()
	if err != nil {
		return fmt.Errorf("build tag query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	for rows.Next() {
		var memoryID, name string
		if err := rows.Scan(&memoryID, &name); err != nil {
			return err
		}
		if m, ok := byID[memoryID]; ok {
			m.Tags = append(m.Tags, name)
		}
	}
	return rows.Err()
}

func (s *Store) closeModels() {
	if c, ok := s.embedder.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close embedder")
		}
	}
	if c, ok := s.reranker.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close reranker")
		}
	}
}

func rebuildIndex(ctx context.Context, db *sql.DB, index *vectorIndex) error {
	rows, err := db.QueryContext(ctx, `SELECT memory_id, vector FROM embeddings`)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("decode embedding for %s: %w", id, err)
		}
		index.Add(id, vec)
	}
	return rows.Err()
}

func execBuilder(ctx context.Context, tx *sql.Tx, builder sq.InsertBuilder) error {
	queryStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = tx.ExecContext(ctx, queryStr, args...)
	return err
}

// normalizeTags trims tags and validates them against the tag bounds.
// Duplicates collapse to a single association.
func normalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, validationErr("tags", "tag must not be empty")
		}
		if len(tag) > MaxTagLength {
			return nil, validationErr("tags", "tag %q exceeds %d characters", truncateString(tag, 20), MaxTagLength)
		}
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return ":memory:"
	}
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
}

// Helper function to safely truncate strings (for log safety).
func truncateString(s string, n int) string {
	rs := []rune(s)
	if len(rs) > n {
		return string(rs[:n]) + "..."
	}
	return s
}
