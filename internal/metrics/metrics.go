// Package metrics registers the Prometheus metrics for the handbook
// assistant and optionally exposes them over HTTP. The chat command starts
// the listener only when --metrics-addr is set; the counters themselves are
// always live so the pipeline code can increment them unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TurnsTotal counts completed conversation turns, partitioned by
	// outcome: "ok", "retrieval_error", or "generation_error".
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hbai",
		Subsystem: "session",
		Name:      "turns_total",
		Help:      "Total number of conversation turns processed, partitioned by outcome.",
	}, []string{"outcome"})

	// RerankFallbacks counts retrievals that degraded to similarity-only
	// ordering because the re-ranking service was unavailable or failed.
	RerankFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hbai",
		Subsystem: "retrieval",
		Name:      "rerank_fallbacks_total",
		Help:      "Total number of retrievals that fell back to vector-similarity ordering.",
	})

	// ChunksIndexed counts chunks embedded and stored during ingestion.
	ChunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hbai",
		Subsystem: "ingest",
		Name:      "chunks_indexed_total",
		Help:      "Total number of handbook chunks embedded and added to the vector store.",
	})

	// RewriteFallbacks counts turns where query reformulation failed and the
	// raw utterance was used as the retrieval query.
	RewriteFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hbai",
		Subsystem: "rewrite",
		Name:      "fallbacks_total",
		Help:      "Total number of turns that retrieved with the unmodified utterance after a rewrite failure.",
	})
)

// ListenAndServe exposes /metrics on addr. It blocks, so callers run it in a
// goroutine; errors are returned for the caller to log.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
