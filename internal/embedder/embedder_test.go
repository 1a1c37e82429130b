package embedder

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func Test_OllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" {
			t.Errorf("want model nomic-embed-text, got %q", req.Model)
		}
		out := make([][]float32, len(req.Input))
		for i := range req.Input {
			out[i] = []float32{float32(i), 1}
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: out})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text"})
	got, err := e.Embed(context.Background(), []string{"copay rules", "dental coverage"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(got) != 2 || got[1][0] != 1 {
		t.Errorf("unexpected embeddings %v", got)
	}
}

func Test_OllamaEmbedder_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Error: "model not found"})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "missing"})
	if _, err := e.Embed(context.Background(), []string{"x"}); err == nil {
		t.Error("want error on HTTP 500")
	}
}

func Test_OpenAIEmbedder_Embed_ReordersByIndex(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("want bearer auth, got %q", got)
		}
		// Return data out of order; the client must place by index.
		_, _ = w.Write([]byte(`{"data":[
			{"embedding":[2],"index":1},
			{"embedding":[1],"index":0}
		]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "test-key", Model: "text-embedding-3-small"})
	got, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("embeddings not reordered by index: %v", got)
	}
}

func Test_OpenAIEmbedder_AzureURLAndAuth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deployments/embed-deploy/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != "2025-04-01-preview" {
			t.Errorf("missing api-version param, got %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("api-key"); got != "azure-key" {
			t.Errorf("want api-key header, got %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[3],"index":0}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:    srv.URL,
		APIKey:     "azure-key",
		Model:      "embed-deploy",
		Azure:      true,
		APIVersion: "2025-04-01-preview",
	})
	if _, err := e.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("embed: %v", err)
	}
}

func Test_NewFromEnv_UnknownBackend(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "carrier-pigeon")
	if _, err := NewFromEnv(context.Background()); err == nil {
		t.Error("unknown backend must be rejected")
	}
}

func Test_Validate(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	t.Run("openai without key fails", func(t *testing.T) {
		t.Setenv("EMBEDDING_PROVIDER", "openai")
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("EMBEDDING_API_KEY", "")
		if err := Validate(log); err == nil {
			t.Error("want error for openai backend without any API key")
		}
	})

	t.Run("openai with inherited key passes", func(t *testing.T) {
		t.Setenv("EMBEDDING_PROVIDER", "openai")
		t.Setenv("OPENAI_API_KEY", "sk-test")
		if err := Validate(log); err != nil {
			t.Errorf("validate: %v", err)
		}
	})

	t.Run("ollama needs no credentials", func(t *testing.T) {
		t.Setenv("EMBEDDING_PROVIDER", "ollama")
		if err := Validate(log); err != nil {
			t.Errorf("validate: %v", err)
		}
	})
}

func Test_LooksLikeChatModel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		model string
		want  bool
	}{
		{"nomic-embed-text", false},
		{"text-embedding-3-small", false},
		{"gpt-4o", true},
		{"llama3.2", true},
		{"Mistral-7B", true},
	}
	for _, tc := range cases {
		if got := looksLikeChatModel(tc.model); got != tc.want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}
