package rag

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeEmbedder implements Embedder with a fixed vector or a fixed error.
type fakeEmbedder struct {
	// vector is returned for every input text.
	vector []float32
	// err, when set, is returned instead.
	err error
	// calls counts Embed invocations.
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

// fakeStore implements VectorStore returning a canned result set.
type fakeStore struct {
	results []ScoredChunk
	err     error
	// gotTopK records the topK passed to the last Search call.
	gotTopK int
}

func (f *fakeStore) Add(context.Context, []Chunk, [][]float32) error { return nil }

func (f *fakeStore) Search(_ context.Context, _ []float32, topK int) ([]ScoredChunk, error) {
	f.gotTopK = topK
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > topK {
		return f.results[:topK], nil
	}
	return f.results, nil
}

func (f *fakeStore) Count(context.Context) (int, error) { return len(f.results), nil }
func (f *fakeStore) Close() error                       { return nil }

// fakeReranker implements Reranker, either reversing the candidate order
// (a visible reordering) or failing.
type fakeReranker struct {
	err   error
	calls int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, candidates []ScoredChunk, topN int) ([]ScoredChunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	reversed := make([]ScoredChunk, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		reversed = append(reversed, candidates[i])
	}
	if len(reversed) > topN {
		reversed = reversed[:topN]
	}
	return reversed, nil
}

// scored builds a ScoredChunk with the given id, page, and score.
func scored(id string, page int, ordinal int, score float32) ScoredChunk {
	return ScoredChunk{
		Chunk: Chunk{ID: id, Text: "text " + id, Page: page, Ordinal: ordinal, Source: "handbook.pdf"},
		Score: score,
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func Test_NewTwoStageRetriever_Validation(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{vector: []float32{1}}
	store := &fakeStore{}

	cases := []struct {
		name      string
		embedder  Embedder
		store     VectorStore
		baseTopK  int
		finalTopN int
		wantErr   bool
	}{
		{"valid", emb, store, 10, 3, false},
		{"nil embedder", nil, store, 10, 3, true},
		{"nil store", emb, nil, 10, 3, true},
		{"zero topN", emb, store, 10, 0, true},
		{"negative topN", emb, store, 10, -1, true},
		{"topK below topN", emb, store, 2, 3, true},
		{"topK equals topN", emb, store, 3, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewTwoStageRetriever(tc.embedder, tc.store, nil, tc.baseTopK, tc.finalTopN)
			if (err != nil) != tc.wantErr {
				t.Errorf("NewTwoStageRetriever: err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Stage 1 only (no reranker configured)
// ---------------------------------------------------------------------------

func Test_Retrieve_VectorOnly_TruncatesToTopN(t *testing.T) {
	t.Parallel()
	store := &fakeStore{results: []ScoredChunk{
		scored("a", 1, 0, 0.9),
		scored("b", 2, 1, 0.8),
		scored("c", 3, 2, 0.7),
		scored("d", 4, 3, 0.6),
	}}
	r, err := NewTwoStageRetriever(&fakeEmbedder{vector: []float32{1}}, store, nil, 4, 2)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "what is covered?")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if store.gotTopK != 4 {
		t.Errorf("stage 1 should overfetch baseTopK=4, store saw %d", store.gotTopK)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 results, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("want [a b], got [%s %s]", got[0].ID, got[1].ID)
	}
}

func Test_Retrieve_OrderedByDescendingScore(t *testing.T) {
	t.Parallel()
	store := &fakeStore{results: []ScoredChunk{
		scored("a", 1, 0, 0.95),
		scored("b", 2, 1, 0.90),
		scored("c", 3, 2, 0.85),
	}}
	r, err := NewTwoStageRetriever(&fakeEmbedder{vector: []float32{1}}, store, nil, 3, 3)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Score < got[i].Score {
			t.Errorf("results not sorted by descending score at %d: %v < %v", i, got[i-1].Score, got[i].Score)
		}
	}
}

func Test_Retrieve_DeduplicatesByChunkID(t *testing.T) {
	t.Parallel()
	store := &fakeStore{results: []ScoredChunk{
		scored("a", 1, 0, 0.9),
		scored("a", 1, 0, 0.85), // duplicate from an overlapping window
		scored("b", 2, 1, 0.8),
	}}
	r, err := NewTwoStageRetriever(&fakeEmbedder{vector: []float32{1}}, store, nil, 3, 3)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 deduplicated results, got %d", len(got))
	}
	if got[0].ID != "a" || got[0].Score != 0.9 {
		t.Errorf("dedup should keep highest scoring occurrence, got %s score %v", got[0].ID, got[0].Score)
	}
}

// ---------------------------------------------------------------------------
// Stage 2 (reranker)
// ---------------------------------------------------------------------------

func Test_Retrieve_RerankOrderSubstitutesStage1(t *testing.T) {
	t.Parallel()
	store := &fakeStore{results: []ScoredChunk{
		scored("a", 1, 0, 0.9),
		scored("b", 2, 1, 0.8),
		scored("c", 3, 2, 0.7),
	}}
	reranker := &fakeReranker{}
	r, err := NewTwoStageRetriever(&fakeEmbedder{vector: []float32{1}}, store, reranker, 3, 2)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if reranker.calls != 1 {
		t.Fatalf("reranker should be called once, got %d", reranker.calls)
	}
	// fakeReranker reverses, so the rerank order [c b] replaces [a b].
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("want rerank order [c b], got %v", ids(got))
	}
}

func Test_Retrieve_RerankFailureDegradesToStage1(t *testing.T) {
	t.Parallel()
	store := &fakeStore{results: []ScoredChunk{
		scored("a", 1, 0, 0.9),
		scored("b", 2, 1, 0.8),
		scored("c", 3, 2, 0.7),
	}}
	reranker := &fakeReranker{err: errors.New("cohere: HTTP 503")}
	r, err := NewTwoStageRetriever(&fakeEmbedder{vector: []float32{1}}, store, reranker, 3, 2)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("rerank failure must not fail retrieval: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want finalTopN=2 results from stage 1, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("want stage 1 order [a b], got %v", ids(got))
	}
}

func Test_Retrieve_FewerCandidatesThanTopN(t *testing.T) {
	t.Parallel()
	store := &fakeStore{results: []ScoredChunk{scored("a", 1, 0, 0.9)}}
	r, err := NewTwoStageRetriever(&fakeEmbedder{vector: []float32{1}}, store, nil, 5, 3)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("want the single available result, got %d", len(got))
	}
}

// ---------------------------------------------------------------------------
// Failure modes
// ---------------------------------------------------------------------------

func Test_Retrieve_EmbedderFailureIsRetrievalUnavailable(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{err: errors.New("connection refused")}
	r, err := NewTwoStageRetriever(emb, &fakeStore{}, nil, 5, 3)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	_, err = r.Retrieve(context.Background(), "q")
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Errorf("want ErrRetrievalUnavailable, got %v", err)
	}
}

func Test_Retrieve_StoreFailureIsRetrievalUnavailable(t *testing.T) {
	t.Parallel()
	store := &fakeStore{err: fmt.Errorf("index gone")}
	r, err := NewTwoStageRetriever(&fakeEmbedder{vector: []float32{1}}, store, nil, 5, 3)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	_, err = r.Retrieve(context.Background(), "q")
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Errorf("want ErrRetrievalUnavailable, got %v", err)
	}
}

// ids extracts chunk IDs for readable test failure messages.
func ids(chunks []ScoredChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}
