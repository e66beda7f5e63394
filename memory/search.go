package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"
)

// SearchMemories runs the two-stage retrieval pipeline:
//
// Stage 1 embeds the query and pulls candidates from the vector index by
// cosine similarity, joined with the relational filters. When reranking will
// run, stage 1 over-fetches (limit x retrieval multiplier) against a relaxed
// similarity threshold, trading precision for recall.
//
// Stage 2 hands (query, candidate content) pairs to the cross-encoder,
// re-sorts by its scores, and truncates to the caller's limit. The reranker's
// ordering is trusted as-is: its scores are not on the bi-encoder similarity
// scale, so the caller's minimum similarity is never re-applied to them.
// A reranker failure mid-call degrades to the stage-1 ordering for that call.
//
// Every memory in the final result set gets its access count bumped
// asynchronously; that bookkeeping can never fail the search.
func (s *Store) SearchMemories(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(query) == "" {
		return nil, validationErr("query", "must not be empty")
	}
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultSearchLimit
	}
	if limit < MinLimit || limit > MaxLimit {
		return nil, validationErr("limit", "must be between %d and %d, got %d", MinLimit, MaxLimit, opts.Limit)
	}
	minSimilarity := DefaultMinSimilarity
	if opts.MinSimilarity != nil {
		minSimilarity = *opts.MinSimilarity
	}
	if minSimilarity < 0 || minSimilarity > 1 {
		return nil, validationErr("min_similarity", "must be between 0 and 1, got %v", minSimilarity)
	}
	multiplier := opts.RetrievalMultiplier
	if multiplier == 0 {
		multiplier = DefaultRetrievalMultiplier
	}
	if multiplier < 1 || multiplier > MaxRetrievalMultiplier {
		return nil, validationErr("retrieval_multiplier", "must be between 1 and %d, got %d", MaxRetrievalMultiplier, opts.RetrievalMultiplier)
	}
	if opts.Kind != "" && !opts.Kind.Valid() {
		return nil, validationErr("kind", "unknown kind %q", opts.Kind)
	}
	tags, err := normalizeTags(opts.Tags)
	if err != nil {
		return nil, err
	}

	queryVec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	reranker := s.reranker
	s.mu.RUnlock()
	useReranker := opts.UseReranker == nil || *opts.UseReranker
	reranking := useReranker && reranker != nil

	stageLimit := limit
	threshold := minSimilarity
	if reranking {
		// Stage 1 now optimizes for recall: fetch more candidates against a
		// relaxed threshold and let the cross-encoder restore precision.
		stageLimit = limit * multiplier
		threshold = math.Max(s.cfg.Search.RelaxFloor, minSimilarity-s.cfg.Search.RelaxDelta)
	}

	s.logger.Debug().
		Str("query", truncateString(query, 40)).
		Int("limit", limit).
		Int("stage_limit", stageLimit).
		Float64("threshold", threshold).
		Bool("reranking", reranking).
		Msg("SearchMemories: retrieving candidates")

	candidates, err := s.retrieveCandidates(ctx, queryVec, opts.Kind, tags, stageLimit, threshold)
	if err != nil {
		return nil, fmt.Errorf("retrieve candidates: %w", err)
	}
	if len(candidates) == 0 {
		return []SearchResult{}, nil
	}

	if reranking {
		contents := lo.Map(candidates, func(r SearchResult, _ int) string {
			return r.Memory.Content
		})
		scores, err := reranker.Rerank(ctx, query, contents)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).
				Msg("Reranking failed; falling back to bi-encoder ordering for this call")
		case len(scores) != len(candidates):
			s.logger.Warn().
				Int("candidates", len(candidates)).
				Int("scores", len(scores)).
				Msg("Reranker returned a mismatched score count; keeping bi-encoder ordering")
		default:
			for i := range candidates {
				candidates[i].Score = scores[i]
			}
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].Score > candidates[j].Score
			})
		}
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	s.touchAccessed(lo.Map(candidates, func(r SearchResult, _ int) string {
		return r.Memory.ID
	}))

	s.logger.Info().
		Int("results", len(candidates)).
		Bool("reranked", reranking).
		Msg("SearchMemories: returning results")
	return candidates, nil
}

// retrieveCandidates is stage 1: nearest neighbors from the vector index,
// intersected with the relational filters, ordered by similarity descending,
// capped at stageLimit and thresholded.
func (s *Store) retrieveCandidates(
	ctx context.Context,
	queryVec []float32,
	kind Kind,
	tags []string,
	stageLimit int,
	threshold float64,
) ([]SearchResult, error) {
	k := stageLimit
	if kind != "" || len(tags) > 0 {
		// Relational filters discard neighbors after the fact, so over-fetch
		// to keep stage 1 full.
		k *= s.cfg.Search.FilterOverfetch
	}
	if total := s.index.Len(); k > total {
		k = total
	}
	if k == 0 {
		return nil, nil
	}

	neighbors := s.index.Search(queryVec, k)
	neighbors = lo.Filter(neighbors, func(n neighbor, _ int) bool {
		return n.score >= threshold
	})
	if len(neighbors) == 0 {
		return nil, nil
	}

	ids := lo.Map(neighbors, func(n neighbor, _ int) string { return n.id })
	query := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		Where(sq.Eq{"id": ids})
	if kind != "" {
		query = query.Where(sq.Eq{"kind": string(kind)})
	}
	if len(tags) > 0 {
		tagMatch := StatementBuilder().
			Select("mt.memory_id").
			From("memory_tags mt").
			Join("tags t ON t.id = mt.tag_id").
			Where(sq.Eq{"t.name": tags})
		query = query.Where(sq.Expr("id IN (?)", tagMatch))
	}

	memories, err := s.queryMemories(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := s.loadTags(ctx, memories); err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	byID := lo.KeyBy(memories, func(m *Memory) string { return m.ID })

	// Walk neighbors in similarity order so the SQL row order never matters.
	results := make([]SearchResult, 0, stageLimit)
	for _, n := range neighbors {
		m, ok := byID[n.id]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Memory: m, Score: n.score})
		if len(results) == stageLimit {
			break
		}
	}
	return results, nil
}

// touchAccessed bumps access counts and last-accessed timestamps for the
// result set. It is fire-and-forget: the search result does not wait on it,
// and failures are logged, never propagated. The WaitGroup registration is
// guarded by the lifecycle lock so Close can drain in-flight updates without
// racing new ones.
func (s *Store) touchAccessed(ids []string) {
	if len(ids) == 0 {
		return
	}

	s.mu.RLock()
	if s.closing || s.closed {
		s.mu.RUnlock()
		return
	}
	s.touchWG.Add(1)
	db := s.db
	s.mu.RUnlock()

	go func() {
		defer s.touchWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		queryStr, args, err := StatementBuilder().
			Update("memories").
			Set("access_count", sq.Expr("access_count + 1")).
			Set("last_accessed_at", time.Now().Unix()).
			Where(sq.Eq{"id": ids}).
			ToSql()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to build access-count update")
			return
		}
		if _, err := db.ExecContext(ctx, queryStr, args...); err != nil {
			s.logger.Warn().Err(err).
				Int("memories", len(ids)).
				Msg("Failed to update access counts")
			return
		}
		s.logger.Debug().Int("memories", len(ids)).Msg("Access counts updated")
	}()
}
