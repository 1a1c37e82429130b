// Package rag defines the retrieval primitives for the handbook assistant:
// chunk storage, vector search, embedding, and relevance re-ranking.
// Concrete implementations (chromem, Qdrant, Cohere, etc.) satisfy these
// interfaces so the session layer never depends on a specific backend.
package rag

import (
	"context"
)

// Chunk is a bounded, page-attributed span of handbook text, the unit of
// retrieval. Chunks are produced once per ingestion run and never mutated.
type Chunk struct {
	// ID is the stable identifier for this chunk, derived from the source
	// and the chunk's position in the segmentation.
	ID string

	// Text is the raw chunk content.
	Text string

	// Page is the 1-based page number containing the chunk's first character.
	Page int

	// Source identifies the document the chunk was drawn from (URL or path).
	Source string

	// Ordinal is the chunk's position in the original segmentation. It is
	// the tie-break key when two chunks score equally at query time.
	Ordinal int
}

// ScoredChunk pairs a Chunk with the relevance score assigned during
// retrieval. Higher is more relevant.
type ScoredChunk struct {
	Chunk

	// Score is the similarity or re-rank relevance score for this chunk.
	Score float32
}

// VectorStore persists chunk embeddings and serves similarity search.
// Query access must be safe from multiple goroutines; Add is a one-time
// exclusive operation performed before any query observes the store.
type VectorStore interface {
	// Add stores a batch of chunks with their pre-computed embeddings.
	// embeddings[i] is the vector for chunks[i].
	Add(ctx context.Context, chunks []Chunk, embeddings [][]float32) error

	// Search returns the topK most similar chunks for the query embedding,
	// most similar first. Equal scores are ordered by chunk Ordinal.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]ScoredChunk, error)

	// Count reports how many chunks the store currently holds. A non-zero
	// count on open means a persisted index exists and ingestion can be
	// skipped.
	Count(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Reranker re-scores an initial candidate set against the query using a
// relevance model that is more accurate than raw vector similarity.
type Reranker interface {
	// Rerank returns at most topN candidates reordered by true relevance,
	// most relevant first.
	Rerank(ctx context.Context, query string, candidates []ScoredChunk, topN int) ([]ScoredChunk, error)
}

// Retriever is the high-level interface used by the session to fetch
// grounding context for a standalone query.
type Retriever interface {
	// Retrieve returns the most relevant chunks for the query, most
	// relevant first.
	Retrieve(ctx context.Context, query string) ([]ScoredChunk, error)
}
