package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/s4mc0/hbai-go/internal/embedder"
	"github.com/s4mc0/hbai-go/internal/ingestion"
	"github.com/s4mc0/hbai-go/internal/metrics"
	"github.com/s4mc0/hbai-go/internal/provider"
	"github.com/s4mc0/hbai-go/internal/rag"
	"github.com/s4mc0/hbai-go/internal/rerank"
	"github.com/s4mc0/hbai-go/internal/rewrite"
	"github.com/s4mc0/hbai-go/internal/session"
	"github.com/s4mc0/hbai-go/internal/transcript"
)

// ragComponents bundles the pieces of the retrieval pipeline that the chat,
// ask, and ingest commands all need.
type ragComponents struct {
	embedder  rag.Embedder
	store     rag.VectorStore
	retriever rag.Retriever
}

// buildRAG validates the embedding configuration and constructs the
// embedder, vector store, and two-stage retriever from the environment.
// The caller must Close the returned store.
func buildRAG(ctx context.Context, log *slog.Logger) (*ragComponents, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}

	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise embedder: %w", err)
	}

	store, err := buildVectorStore(ctx, log)
	if err != nil {
		return nil, err
	}

	reranker := buildReranker(log)

	topK := getEnvInt("RETRIEVE_TOP_K", 10)
	topN := getEnvInt("RETRIEVE_TOP_N", 3)
	retriever, err := rag.NewTwoStageRetriever(emb, store, reranker, topK, topN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialise retriever: %w", err)
	}

	return &ragComponents{embedder: emb, store: store, retriever: retriever}, nil
}

// buildVectorStore constructs the vector store selected by VECTOR_STORE.
// chromem (the default) persists to a local directory and needs no server;
// qdrant connects to an external cluster.
func buildVectorStore(ctx context.Context, log *slog.Logger) (rag.VectorStore, error) {
	switch backend := getEnvOrDefault("VECTOR_STORE", "chromem"); backend {
	case "chromem":
		path := os.Getenv("INDEX_PATH")
		if path == "" {
			var err error
			path, err = defaultIndexPath()
			if err != nil {
				return nil, err
			}
		}
		store, err := rag.NewChromemStore(path)
		if err != nil {
			return nil, fmt.Errorf("open index at %s: %w", path, err)
		}
		log.Debug("vector store ready", slog.String("backend", "chromem"), slog.String("path", path))
		return store, nil

	case "qdrant":
		host := getEnvOrDefault("QDRANT_HOST", "localhost")
		port := getEnvInt("QDRANT_PORT", 6334)
		vectorSize := uint64(embedder.DefaultDimensions(embedder.ResolveBackend())) //nolint:gosec // dimensions are bounded
		store, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Collection: getEnvOrDefault("QDRANT_COLLECTION", "hbai-handbook"),
			VectorSize: vectorSize,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("connect to Qdrant at %s:%d: %w", host, port, err)
		}
		log.Debug("vector store ready", slog.String("backend", "qdrant"), slog.String("host", host))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown VECTOR_STORE %q (valid: chromem, qdrant)", backend)
	}
}

// buildReranker constructs the Cohere reranker when a COHERE_API_KEY is
// available and RERANK_ENABLED is not explicitly false. Returning nil keeps
// the retriever on plain vector-similarity order.
func buildReranker(log *slog.Logger) rag.Reranker {
	if os.Getenv("RERANK_ENABLED") == "false" {
		return nil
	}
	apiKey := os.Getenv("COHERE_API_KEY")
	if apiKey == "" {
		if os.Getenv("RERANK_ENABLED") == "true" {
			log.Warn("RERANK_ENABLED is true but COHERE_API_KEY is not set, skipping re-ranking")
		}
		return nil
	}
	reranker, err := rerank.NewCohereReranker(&rerank.CohereConfig{
		APIKey: apiKey,
		Model:  os.Getenv("RERANK_MODEL"),
	})
	if err != nil {
		log.Warn("reranker setup failed, using vector search order", slog.Any("error", err))
		return nil
	}
	log.Info("Cohere re-ranking enabled")
	return reranker
}

// ensureIndex makes the vector store ready to serve queries, downloading
// and indexing the handbook on first run.
func ensureIndex(ctx context.Context, comps *ragComponents, log *slog.Logger) error {
	localPath := os.Getenv("HANDBOOK_PATH")
	if localPath == "" {
		var err error
		localPath, err = defaultHandbookPath()
		if err != nil {
			return err
		}
	}

	pipeline, err := ingestion.NewPipeline(comps.embedder, comps.store, &ingestion.Config{
		ChunkSize:    getEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 100),
	}, log)
	if err != nil {
		return fmt.Errorf("create ingestion pipeline: %w", err)
	}

	_, err = pipeline.EnsureIndex(ctx, ingestion.Source{
		URL:       os.Getenv("HANDBOOK_URL"),
		LocalPath: localPath,
	})
	if err != nil {
		return fmt.Errorf("build handbook index: %w", err)
	}
	return nil
}

// buildSession constructs a conversation session on top of the retrieval
// components: chat model, question rewriter, transcript store, and rate
// limiter. The returned cleanup function must be called on exit.
func buildSession(ctx context.Context, comps *ragComponents, log *slog.Logger) (*session.Session, func(), error) {
	chatModel, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialise model provider: %w", err)
	}

	rewriter, err := rewrite.NewRewriter(chatModel)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}

	// Open the transcript store. HBAI_HISTORY_DB overrides the default path
	// (~/.hbai/history.db). Set to "disabled" to disable.
	var records transcript.Store
	dbPath := os.Getenv("HBAI_HISTORY_DB")
	if dbPath != "disabled" {
		if dbPath == "" {
			dbPath, err = transcript.DefaultDBPath()
			if err != nil {
				log.Warn("transcript: could not resolve default DB path, disabling", slog.Any("error", err))
			}
		}
		if dbPath != "" {
			ts, tsErr := transcript.Open(dbPath)
			if tsErr != nil {
				log.Warn("transcript: failed to open store, disabling", slog.Any("error", tsErr))
			} else {
				records = ts
				cleanup = func() { _ = ts.Close() }
				log.Debug("transcript: store opened", slog.String("path", dbPath))
			}
		}
	}

	var limiter *rate.Limiter
	if rpm := getEnvInt("CHAT_RATE_PER_MINUTE", 0); rpm > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}

	sess, err := session.New(&session.Config{
		ChatModel:        chatModel,
		Retriever:        comps.retriever,
		Rewriter:         rewriter,
		Transcript:       records,
		Limiter:          limiter,
		ExitKeyword:      os.Getenv("EXIT_KEYWORD"),
		HandbookName:     os.Getenv("HANDBOOK_NAME"),
		MaxContextTokens: getEnvInt("MODEL_MAX_CONTEXT_TOKENS", 0),
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return sess, cleanup, nil
}

// startMetrics starts the Prometheus /metrics listener when an address is
// configured via the flag or HBAI_METRICS_ADDR.
func startMetrics(addr string, log *slog.Logger) {
	if addr == "" {
		addr = os.Getenv("HBAI_METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.ListenAndServe(addr); err != nil {
			log.Warn("metrics listener stopped", slog.Any("error", err))
		}
	}()
	log.Info("metrics listening", slog.String("addr", addr))
}

// printAnswer writes the answer, its cited pages, and up to three source
// excerpts to w.
func printAnswer(w io.Writer, ans *session.Answer) {
	fmt.Fprintln(w, ans.Text)

	if len(ans.CitedPages) > 0 {
		pages := make([]string, len(ans.CitedPages))
		for i, p := range ans.CitedPages {
			pages[i] = strconv.Itoa(p)
		}
		fmt.Fprintf(w, "\nPages: %s\n", strings.Join(pages, ", "))
	}

	if len(ans.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		shown := ans.Sources
		if len(shown) > 3 {
			shown = shown[:3]
		}
		for _, src := range shown {
			fmt.Fprintf(w, "  [page %d] %s\n", src.Page, snippet(src.Text, 150))
		}
	}
}

// snippet returns the first n bytes of s on a single line.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// defaultIndexPath returns ~/.hbai/index, creating the parent directory.
func defaultIndexPath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "index"), nil
}

// defaultHandbookPath returns ~/.hbai/handbook.pdf, creating the parent
// directory.
func defaultHandbookPath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "handbook.pdf"), nil
}

// dataDir resolves and creates the ~/.hbai data directory.
func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".hbai")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create %s: %w", dir, err)
	}
	return dir, nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
