// Package rerank provides the optional second retrieval stage: a relevance
// re-scorer that reorders dense-search candidates against the query. The only
// implementation talks to the Cohere rerank REST API via plain HTTP, no SDK
// dependency is required. Availability is decided once at startup from
// configuration and credential presence; a missing key simply means the
// assistant runs on vector similarity alone.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/s4mc0/hbai-go/internal/rag"
)

// DefaultModel is the Cohere rerank model used when none is configured.
const DefaultModel = "rerank-english-v3.0"

// defaultBaseURL is the production Cohere API base.
const defaultBaseURL = "https://api.cohere.com"

// CohereReranker implements rag.Reranker using the Cohere /v1/rerank
// endpoint. It is safe for concurrent use.
type CohereReranker struct {
	// baseURL is the API base (overridable for tests).
	baseURL string
	// apiKey is the Bearer token.
	apiKey string
	// model is the rerank model name.
	model string
	// client is the shared HTTP client with a bounded timeout.
	client *http.Client
}

// CohereConfig holds the settings for constructing a CohereReranker.
type CohereConfig struct {
	// APIKey is the Cohere API key. Required.
	APIKey string
	// Model is the rerank model name (default: DefaultModel).
	Model string
	// BaseURL overrides the API base URL. Default: https://api.cohere.com.
	BaseURL string
}

// NewCohereReranker constructs a CohereReranker from the given config.
func NewCohereReranker(cfg *CohereConfig) (*CohereReranker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("rerank: COHERE_API_KEY is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &CohereReranker{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// cohereRerankRequest is the JSON body sent to the rerank endpoint.
type cohereRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

// cohereRerankResponse is the JSON body returned from the rerank endpoint.
type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float32 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

// Rerank sends the query and candidate texts to Cohere and returns at most
// topN candidates in relevance order. Failures are returned to the caller,
// which degrades to the similarity order; a rerank error is never fatal.
func (r *CohereReranker) Rerank(ctx context.Context, query string, candidates []rag.ScoredChunk, topN int) ([]rag.ScoredChunk, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}

	payload, err := json.Marshal(cohereRerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result cohereRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Message != "" {
			msg = result.Message
		}
		return nil, fmt.Errorf("rerank: %s", msg)
	}

	out := make([]rag.ScoredChunk, 0, len(result.Results))
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, fmt.Errorf("rerank: index %d out of range [0, %d)", res.Index, len(candidates))
		}
		c := candidates[res.Index]
		c.Score = res.RelevanceScore
		out = append(out, c)
	}
	if len(out) > topN {
		out = out[:topN]
	}

	return out, nil
}
