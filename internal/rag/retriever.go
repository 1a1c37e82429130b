package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/s4mc0/hbai-go/internal/logging"
	"github.com/s4mc0/hbai-go/internal/metrics"
)

// TwoStageRetriever implements Retriever with an over-fetching dense search
// followed by an optional re-ranking pass. Stage 1 asks the vector store for
// baseTopK candidates, more than the caller needs, because the re-ranker
// orders by true relevance rather than vector similarity. Stage 2 hands the
// candidates to the Reranker when one is configured; when it is absent or its
// call fails, the retriever degrades to the Stage-1 similarity order.
type TwoStageRetriever struct {
	// embedder converts the query text to a dense vector.
	embedder Embedder

	// store performs the Stage-1 similarity search.
	store VectorStore

	// reranker is the optional Stage-2 relevance scorer. Nil disables Stage 2.
	reranker Reranker

	// baseTopK is the Stage-1 candidate count (≥ finalTopN).
	baseTopK int

	// finalTopN is the number of chunks returned to the caller.
	finalTopN int
}

// NewTwoStageRetriever constructs a TwoStageRetriever. reranker may be nil,
// which selects the vector-only strategy at construction time.
func NewTwoStageRetriever(embedder Embedder, store VectorStore, reranker Reranker, baseTopK, finalTopN int) (*TwoStageRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if finalTopN <= 0 {
		return nil, fmt.Errorf("rag: finalTopN must be > 0, got %d", finalTopN)
	}
	if baseTopK < finalTopN {
		return nil, fmt.Errorf("rag: baseTopK (%d) must be >= finalTopN (%d)", baseTopK, finalTopN)
	}
	return &TwoStageRetriever{
		embedder:  embedder,
		store:     store,
		reranker:  reranker,
		baseTopK:  baseTopK,
		finalTopN: finalTopN,
	}, nil
}

// Retrieve runs both stages and returns at most finalTopN chunks, most
// relevant first. Embedding or store failures surface as
// ErrRetrievalUnavailable; re-ranker failures never do.
func (r *TwoStageRetriever) Retrieve(ctx context.Context, query string) ([]ScoredChunk, error) {
	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query: %w: %v", ErrRetrievalUnavailable, err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedder returned no vector for query: %w", ErrRetrievalUnavailable)
	}

	candidates, err := r.store.Search(ctx, embeddings[0], r.baseTopK)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search: %w: %v", ErrRetrievalUnavailable, err)
	}

	// Overlapping windows can surface near-identical spans; keep the best
	// scoring occurrence of each chunk ID before ranking.
	candidates = dedupeByID(candidates)

	if r.reranker == nil {
		return truncate(candidates, r.finalTopN), nil
	}

	reranked, err := r.reranker.Rerank(ctx, query, candidates, r.finalTopN)
	if err != nil {
		logging.FromContext(ctx).Warn("rag: rerank failed, falling back to similarity order",
			slog.Any("error", err),
			slog.Int("candidates", len(candidates)),
		)
		metrics.RerankFallbacks.Inc()
		return truncate(candidates, r.finalTopN), nil
	}

	return truncate(reranked, r.finalTopN), nil
}

// dedupeByID drops duplicate chunk IDs, keeping the first (highest scoring)
// occurrence. Order is preserved.
func dedupeByID(chunks []ScoredChunk) []ScoredChunk {
	seen := make(map[string]bool, len(chunks))
	out := chunks[:0]
	for _, c := range chunks {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// truncate returns at most n chunks from the front of the slice.
func truncate(chunks []ScoredChunk, n int) []ScoredChunk {
	if len(chunks) > n {
		return chunks[:n]
	}
	return chunks
}
