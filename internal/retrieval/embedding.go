package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"conductor/internal/config"
	"conductor/internal/provider"
)

// Embedder turns texts into dense vectors. The Postgres retriever embeds
// each incoming query through one.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingClient calls an OpenAI-compatible embeddings endpoint over HTTP.
type EmbeddingClient struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewEmbeddingClient creates a client from config. A zero timeout defaults
// to 10s.
func NewEmbeddingClient(cfg config.EmbeddingConfig) *EmbeddingClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EmbeddingClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		httpClient: provider.BuildHTTPClient(timeout),
	}
}

// Embed returns one vector per input text, in input order.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embedReq := map[string]any{
		"model": c.model,
		"input": texts,
	}
	if c.dimensions > 0 {
		embedReq["dimensions"] = c.dimensions
	}

	body, err := json.Marshal(embedReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding API error: %s - %s", resp.Status, string(bodyBytes))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(result.Data))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, fmt.Errorf("embedding API returned out-of-range index %d", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}
