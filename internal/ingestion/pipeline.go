package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/s4mc0/hbai-go/internal/metrics"
	"github.com/s4mc0/hbai-go/internal/rag"
)

// Source describes the handbook to be ingested.
type Source struct {
	// URL is the HTTP(S) location of the handbook PDF. Optional when the
	// local copy already exists.
	URL string

	// LocalPath is where the downloaded PDF is cached.
	LocalPath string
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per chunk.
	// Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared between consecutive
	// chunks so spans crossing a split point are not lost.
	// Defaults to 100 if zero.
	ChunkOverlap int

	// EmbedBatchSize is the number of chunk texts sent per embedding call.
	// Defaults to 64 if zero.
	EmbedBatchSize int

	// FetchTimeout bounds the handbook download. Defaults to 60s if zero.
	FetchTimeout time.Duration
}

// Pipeline orchestrates the fetch → extract → segment → embed → add flow
// for a handbook source, skipping all of it when a persisted index already
// covers the document.
type Pipeline struct {
	// embedder converts chunk texts into dense vector embeddings.
	embedder rag.Embedder

	// store receives the embedded chunks.
	store rag.VectorStore

	// fetcher downloads the handbook when no cached copy exists.
	fetcher *Fetcher

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// log emits structured ingestion progress events.
	log *slog.Logger
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
// Invalid chunk geometry is reported here, at startup, not on first use.
func NewPipeline(embedder rag.Embedder, store rag.VectorStore, cfg *Config, log *slog.Logger) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 100
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 64
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("ingestion: invalid chunk geometry: size %d, overlap %d", cfg.ChunkSize, cfg.ChunkOverlap)
	}

	return &Pipeline{
		embedder: embedder,
		store:    store,
		fetcher:  NewFetcher(cfg.FetchTimeout),
		cfg:      cfg,
		log:      log,
	}, nil
}

// EnsureIndex makes the vector store ready to serve queries for the source.
// If the store already holds a persisted index it is reused as-is and no
// embedding call is made. Otherwise the full pipeline runs; the index is
// durably persisted before EnsureIndex returns, so queries never observe a
// half-built index. The returned bool reports whether a build happened.
func (p *Pipeline) EnsureIndex(ctx context.Context, src Source) (bool, error) {
	n, err := p.store.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("ingestion: inspect store: %w", err)
	}
	if n > 0 {
		p.log.Info("ingestion: reusing persisted index", slog.Int("chunks", n))
		return false, nil
	}

	p.log.Info("ingestion: building index",
		slog.String("url", src.URL),
		slog.String("path", src.LocalPath),
	)

	if src.URL != "" {
		if err := p.fetcher.Fetch(ctx, src.URL, src.LocalPath); err != nil {
			return false, err
		}
	}

	pages, err := ExtractPages(src.LocalPath)
	if err != nil {
		return false, err
	}
	p.log.Info("ingestion: extracted pages", slog.Int("pages", len(pages)))

	if err := p.Index(ctx, pages, src.LocalPath); err != nil {
		return false, err
	}
	return true, nil
}

// Index segments the extracted pages, embeds every chunk, and adds the batch
// to the vector store. Any failure aborts with no partial index published.
func (p *Pipeline) Index(ctx context.Context, pages []Page, source string) error {
	chunks, err := Segment(pages, source, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("ingestion: segmentation produced no chunks: %w", ErrSourceUnavailable)
	}
	p.log.Info("ingestion: segmented handbook", slog.Int("chunks", len(chunks)))

	embeddings := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		batch, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("ingestion: embed chunks %d-%d: %w", start, end, err)
		}
		if len(batch) != len(texts) {
			return fmt.Errorf("ingestion: embedder returned %d vectors for %d texts", len(batch), len(texts))
		}
		embeddings = append(embeddings, batch...)
	}

	if err := p.store.Add(ctx, chunks, embeddings); err != nil {
		return fmt.Errorf("ingestion: store chunks: %w", err)
	}

	metrics.ChunksIndexed.Add(float64(len(chunks)))
	p.log.Info("ingestion: index built", slog.Int("chunks", len(chunks)))
	return nil
}
