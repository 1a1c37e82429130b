package rag

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"

	"github.com/philippgille/chromem-go"
)

// chunk metadata keys persisted alongside each vector.
const (
	metaPage    = "page"
	metaSource  = "source"
	metaOrdinal = "ordinal"
)

// collectionName is the single chromem collection holding the handbook index.
const collectionName = "handbook"

// ChromemStore implements VectorStore on an embedded chromem-go database.
// In persistent mode every added chunk is durable under the index path and
// reloaded on open, so re-running ingestion against an unchanged handbook
// never re-embeds. The zero-dependency in-memory mode backs tests.
type ChromemStore struct {
	// db is the underlying chromem database.
	db *chromem.DB

	// collection holds the handbook chunks.
	collection *chromem.Collection
}

// NewChromemStore opens (or creates) a persistent chromem store rooted at
// path. A previously persisted index is loaded as-is; callers check Count
// to decide whether ingestion is needed.
func NewChromemStore(path string) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("chromem: open %s: %w", path, err)
	}
	return newChromemStore(db)
}

// NewMemoryStore creates a volatile in-memory chromem store. Used by tests
// and dry runs; nothing is persisted.
func NewMemoryStore() (*ChromemStore, error) {
	return newChromemStore(chromem.NewDB())
}

func newChromemStore(db *chromem.DB) (*ChromemStore, error) {
	// The embedding func is nil because vectors are always supplied
	// explicitly, both on Add and on Search.
	collection, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: get or create collection: %w", err)
	}
	return &ChromemStore{db: db, collection: collection}, nil
}

// Add stores a batch of chunks with their pre-computed embeddings.
// In persistent mode each document is written to disk before Add returns,
// so a completed Add publishes a durable index.
func (s *ChromemStore) Add(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chromem: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	docs := make([]chromem.Document, 0, len(chunks))
	for i, c := range chunks {
		docs = append(docs, chromem.Document{
			ID:        c.ID,
			Content:   c.Text,
			Embedding: embeddings[i],
			Metadata: map[string]string{
				metaPage:    strconv.Itoa(c.Page),
				metaSource:  c.Source,
				metaOrdinal: strconv.Itoa(c.Ordinal),
			},
		})
	}

	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("chromem: add documents: %w", err)
	}
	return nil
}

// Search returns the topK most similar chunks for the query embedding,
// most similar first. Ties are broken by the chunk's original ordinal so
// results are stable across runs.
func (s *ChromemStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("chromem: topK must be > 0, got %d", topK)
	}

	// chromem rejects nResults greater than the collection size.
	if n := s.collection.Count(); topK > n {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, queryEmbedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	chunks := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		c, err := chunkFromMetadata(r.ID, r.Content, r.Metadata)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ScoredChunk{Chunk: c, Score: r.Similarity})
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Ordinal < chunks[j].Ordinal
	})

	return chunks, nil
}

// Count reports the number of chunks in the collection.
func (s *ChromemStore) Count(_ context.Context) (int, error) {
	return s.collection.Count(), nil
}

// Close is a no-op for chromem; writes are flushed per document.
func (s *ChromemStore) Close() error {
	return nil
}

// chunkFromMetadata rebuilds a Chunk from a stored chromem document. A
// missing or malformed page/ordinal means the persisted index is corrupted;
// fail fast rather than serve unattributed results.
func chunkFromMetadata(id, content string, md map[string]string) (Chunk, error) {
	page, err := strconv.Atoi(md[metaPage])
	if err != nil {
		return Chunk{}, fmt.Errorf("chromem: corrupted index: chunk %s has page %q: %w", id, md[metaPage], err)
	}
	ordinal, err := strconv.Atoi(md[metaOrdinal])
	if err != nil {
		return Chunk{}, fmt.Errorf("chromem: corrupted index: chunk %s has ordinal %q: %w", id, md[metaOrdinal], err)
	}
	return Chunk{
		ID:      id,
		Text:    content,
		Page:    page,
		Source:  md[metaSource],
		Ordinal: ordinal,
	}, nil
}
