package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"conductor/internal/config"
)

func TestEmbeddingClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", got)
		}

		var req struct {
			Model      string   `json:"model"`
			Input      []string `json:"input"`
			Dimensions int      `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Expected a JSON body, got %v", err)
		}
		if req.Model != "test-embed" {
			t.Errorf("Expected model test-embed, got %q", req.Model)
		}
		if len(req.Input) != 2 {
			t.Errorf("Expected 2 inputs, got %d", len(req.Input))
		}
		if req.Dimensions != 4 {
			t.Errorf("Expected 4 dimensions, got %d", req.Dimensions)
		}

		// Vectors returned out of order; index places them.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"embedding":[0.5,0.6,0.7,0.8],"index":1},
			{"embedding":[0.1,0.2,0.3,0.4],"index":0}
		]}`))
	}))
	defer server.Close()

	client := NewEmbeddingClient(config.EmbeddingConfig{
		BaseURL:    server.URL,
		APIKey:     "test-key",
		Model:      "test-embed",
		Dimensions: 4,
	})

	vectors, err := client.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("Expected 2 vectors, got %d", len(vectors))
	}
	if vectors[0][0] != 0.1 || vectors[1][0] != 0.5 {
		t.Errorf("Expected index-ordered vectors, got %v", vectors)
	}
}

func TestEmbeddingClientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewEmbeddingClient(config.EmbeddingConfig{BaseURL: server.URL, Model: "test-embed"})

	if _, err := client.Embed(context.Background(), []string{"text"}); err == nil {
		t.Error("Expected an error for a 503 response")
	}
}

func TestEmbeddingClientCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"embedding":[0.1],"index":0}]}`))
	}))
	defer server.Close()

	client := NewEmbeddingClient(config.EmbeddingConfig{BaseURL: server.URL, Model: "test-embed"})

	if _, err := client.Embed(context.Background(), []string{"one", "two"}); err == nil {
		t.Error("Expected an error when vector count mismatches input count")
	}
}
