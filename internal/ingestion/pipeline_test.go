package ingestion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/s4mc0/hbai-go/internal/rag"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i]))}
	}
	return out, nil
}

type recordingStore struct {
	count      int
	chunks     []rag.Chunk
	embeddings [][]float32
	addErr     error
}

func (s *recordingStore) Add(_ context.Context, chunks []rag.Chunk, embeddings [][]float32) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.chunks = append(s.chunks, chunks...)
	s.embeddings = append(s.embeddings, embeddings...)
	s.count += len(chunks)
	return nil
}

func (s *recordingStore) Search(_ context.Context, _ []float32, _ int) ([]rag.ScoredChunk, error) {
	return nil, nil
}

func (s *recordingStore) Count(_ context.Context) (int, error) { return s.count, nil }

func (s *recordingStore) Close() error { return nil }

func Test_EnsureIndex_ReusesPersistedIndex(t *testing.T) {
	t.Parallel()
	embedder := &countingEmbedder{}
	store := &recordingStore{count: 42}

	p, err := NewPipeline(embedder, store, nil, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	built, err := p.EnsureIndex(context.Background(), Source{LocalPath: "does-not-exist.pdf"})
	if err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	if built {
		t.Error("a populated store must not trigger a rebuild")
	}
	if embedder.calls != 0 {
		t.Errorf("reuse path made %d embedding calls, want 0", embedder.calls)
	}
}

func Test_Index_EmbedsAndStoresAllChunks(t *testing.T) {
	t.Parallel()
	embedder := &countingEmbedder{}
	store := &recordingStore{}

	p, err := NewPipeline(embedder, store, &Config{ChunkSize: 50, ChunkOverlap: 10, EmbedBatchSize: 2}, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	pages := []Page{{Number: 1, Text: strings.Repeat("handbook ", 30)}}
	if err := p.Index(context.Background(), pages, "hb.pdf"); err != nil {
		t.Fatalf("index: %v", err)
	}

	if len(store.chunks) == 0 {
		t.Fatal("no chunks stored")
	}
	if len(store.chunks) != len(store.embeddings) {
		t.Errorf("stored %d chunks but %d embeddings", len(store.chunks), len(store.embeddings))
	}
	wantCalls := (len(store.chunks) + 1) / 2 // batch size 2
	if embedder.calls != wantCalls {
		t.Errorf("want %d embedding calls for batch size 2, got %d", wantCalls, embedder.calls)
	}
}

func Test_Index_EmbedFailureStoresNothing(t *testing.T) {
	t.Parallel()
	embedder := &countingEmbedder{err: errors.New("model offline")}
	store := &recordingStore{}

	p, err := NewPipeline(embedder, store, nil, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	pages := []Page{{Number: 1, Text: strings.Repeat("a", 2500)}}
	if err := p.Index(context.Background(), pages, "hb.pdf"); err == nil {
		t.Fatal("want error when embedding fails")
	}
	if len(store.chunks) != 0 {
		t.Errorf("failed run stored %d chunks, want 0", len(store.chunks))
	}
}

func Test_Index_EmptyDocumentRejected(t *testing.T) {
	t.Parallel()
	p, err := NewPipeline(&countingEmbedder{}, &recordingStore{}, nil, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	err = p.Index(context.Background(), nil, "hb.pdf")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("want ErrSourceUnavailable for an empty document, got %v", err)
	}
}

func Test_NewPipeline_RejectsBadGeometry(t *testing.T) {
	t.Parallel()
	_, err := NewPipeline(&countingEmbedder{}, &recordingStore{}, &Config{ChunkSize: 100, ChunkOverlap: 100}, nil)
	if err == nil {
		t.Error("overlap equal to chunk size must be rejected at construction")
	}
}

func Test_Fetch_DownloadsAndCaches(t *testing.T) {
	t.Parallel()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if got := r.Header.Get("User-Agent"); !strings.Contains(got, "Mozilla") {
			t.Errorf("want a browser User-Agent, got %q", got)
		}
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "handbook.pdf")
	f := NewFetcher(0)

	if err := f.Fetch(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "%PDF-1.4 fake" {
		t.Errorf("unexpected file contents %q", data)
	}

	// Second fetch must hit the cache, not the server.
	if err := f.Fetch(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}

func Test_Fetch_NonOKStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "handbook.pdf")
	err := NewFetcher(0).Fetch(context.Background(), srv.URL, dest)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("want ErrSourceUnavailable, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("failed fetch must not leave a file at the destination")
	}
}
