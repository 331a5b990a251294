// Package retrieve runs hybrid search over the chunk store: semantic
// top-k fused with BM25 full-text results.
package retrieve

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mimir-rag/mimir/internal/config"
	"github.com/mimir-rag/mimir/internal/store"
)

// Searcher is the store surface the retriever needs.
type Searcher interface {
	MatchDocuments(ctx context.Context, embedding []float32, matchCount int, threshold float64) ([]store.Match, error)
	SearchFullText(ctx context.Context, query string, matchCount int) ([]store.Match, error)
}

// QueryEmbedder embeds the user question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Options override the configured retrieval defaults per request.
type Options struct {
	// MatchCount caps the fused result size; 0 means the configured default.
	MatchCount int
	// SimilarityThreshold filters the semantic leg; negative means the
	// configured default.
	SimilarityThreshold float64
}

// Retriever fuses semantic and BM25 search results.
type Retriever struct {
	searcher Searcher
	embedder QueryEmbedder
	cfg      config.RetrievalConfig
	logger   *slog.Logger
}

func New(searcher Searcher, embedder QueryEmbedder, cfg config.RetrievalConfig, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{searcher: searcher, embedder: embedder, cfg: cfg, logger: logger}
}

// fused carries a match plus the ranks it held in each source list.
type fused struct {
	match      store.Match
	vectorRank int // position in the semantic result, -1 if absent
	bm25Rank   int // 1-based BM25 rank, 0 if absent
}

// Search embeds the question, queries both legs, and fuses the union by
// (filepath, chunkId). An empty result means no source matched; the
// caller renders its own fallback.
func (r *Retriever) Search(ctx context.Context, question string, opts Options) ([]store.Match, error) {
	matchCount := opts.MatchCount
	if matchCount <= 0 {
		matchCount = r.cfg.MatchCount
	}
	threshold := opts.SimilarityThreshold
	if threshold < 0 {
		threshold = r.cfg.SimilarityThreshold
	}

	embedding, err := r.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, err
	}
	vector, err := r.searcher.MatchDocuments(ctx, embedding, matchCount, threshold)
	if err != nil {
		return nil, err
	}

	var fullText []store.Match
	if r.cfg.EnableHybridSearch {
		fullText, err = r.searcher.SearchFullText(ctx, question, r.cfg.BM25MatchCount)
		if err != nil {
			// BM25 is an enrichment leg; semantic results still stand.
			r.logger.Warn("full-text search failed", "error", err)
			fullText = nil
		}
	}

	results := fuse(vector, fullText)
	if len(results) > matchCount {
		results = results[:matchCount]
	}
	r.logger.Debug("retrieval complete",
		"semantic", len(vector), "bm25", len(fullText), "fused", len(results))
	return results, nil
}

type fuseKey struct {
	filepath string
	chunkID  int
}

// fuse unions both result lists keyed by (filepath, chunkId), keeping the
// best similarity and the BM25 rank when present. Order: similarity
// descending, then BM25 rank descending, then original vector rank, then
// BM25 list position.
func fuse(vector, fullText []store.Match) []store.Match {
	merged := make(map[fuseKey]*fused, len(vector)+len(fullText))
	var order []fuseKey

	for i, m := range vector {
		key := fuseKey{m.Filepath, m.ChunkID}
		merged[key] = &fused{match: m, vectorRank: i}
		order = append(order, key)
	}
	for i, m := range fullText {
		rank := m.BM25Rank
		if rank == 0 {
			rank = i + 1
		}
		key := fuseKey{m.Filepath, m.ChunkID}
		if f, ok := merged[key]; ok {
			f.bm25Rank = rank
			f.match.BM25Rank = rank
			continue
		}
		m.BM25Rank = rank
		merged[key] = &fused{match: m, vectorRank: -1, bm25Rank: rank}
		order = append(order, key)
	}

	entries := make([]*fused, 0, len(order))
	for _, key := range order {
		entries = append(entries, merged[key])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.match.Similarity != b.match.Similarity {
			return a.match.Similarity > b.match.Similarity
		}
		if a.bm25Rank != b.bm25Rank {
			return a.bm25Rank > b.bm25Rank
		}
		if a.vectorRank != b.vectorRank {
			// Rows missing from the vector leg sort after present ones.
			if a.vectorRank == -1 {
				return false
			}
			if b.vectorRank == -1 {
				return true
			}
			return a.vectorRank < b.vectorRank
		}
		return false
	})

	out := make([]store.Match, len(entries))
	for i, f := range entries {
		out[i] = f.match
	}
	return out
}
