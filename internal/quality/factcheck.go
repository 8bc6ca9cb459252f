package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"conductor/internal/config"
	"conductor/internal/provider"
)

const (
	defaultStaticFactScore  = 0.8
	defaultFactCheckTimeout = 5 * time.Second
)

// FactChecker verifies the claims of a response and returns a score in
// [0,1]. Implementations may call external services.
type FactChecker interface {
	CheckFacts(ctx context.Context, query, response string, claims []string) (float64, error)
}

// StaticFactChecker returns a fixed placeholder score. It is the default
// when no verification endpoint is configured.
type StaticFactChecker struct {
	score float64
}

// NewStaticFactChecker creates a static checker. A non-positive score
// defaults to 0.8.
func NewStaticFactChecker(score float64) *StaticFactChecker {
	if score <= 0 {
		score = defaultStaticFactScore
	}
	return &StaticFactChecker{score: score}
}

// CheckFacts returns the configured score for any input.
func (s *StaticFactChecker) CheckFacts(ctx context.Context, query, response string, claims []string) (float64, error) {
	return s.score, nil
}

// factCheckReplySchema is what a verification endpoint must return before
// its score is trusted.
var factCheckReplySchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"score"},
	"properties": map[string]interface{}{
		"score": map[string]interface{}{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"verdicts": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"claim":     map[string]interface{}{"type": "string"},
					"supported": map[string]interface{}{"type": "boolean"},
				},
			},
		},
	},
}

// HTTPFactChecker posts claims to an external verification endpoint and
// validates the reply against factCheckReplySchema. Transport failures and
// malformed replies surface as errors; the caller decides how to degrade.
type HTTPFactChecker struct {
	url        string
	schema     gojsonschema.JSONLoader
	httpClient *http.Client
}

// NewHTTPFactChecker creates a checker for cfg.FactCheckURL. A zero timeout
// defaults to 5s.
func NewHTTPFactChecker(cfg config.QualityConfig) *HTTPFactChecker {
	timeout := cfg.FactCheckTimeout
	if timeout <= 0 {
		timeout = defaultFactCheckTimeout
	}
	return &HTTPFactChecker{
		url:        cfg.FactCheckURL,
		schema:     gojsonschema.NewGoLoader(factCheckReplySchema),
		httpClient: provider.BuildHTTPClient(timeout),
	}
}

// CheckFacts posts the claims and returns the endpoint's score.
func (h *HTTPFactChecker) CheckFacts(ctx context.Context, query, response string, claims []string) (float64, error) {
	payload := map[string]any{
		"query":    query,
		"response": response,
		"claims":   claims,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("fact check API error: %s - %s", resp.Status, string(bodyBytes))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("reading fact check reply: %w", err)
	}

	result, err := gojsonschema.Validate(h.schema, gojsonschema.NewStringLoader(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("fact check schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, verr := range result.Errors() {
			errs = append(errs, verr.String())
		}
		return 0, fmt.Errorf("fact check reply does not match schema: %s", strings.Join(errs, "; "))
	}

	var reply struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return 0, fmt.Errorf("parsing fact check reply: %w", err)
	}
	return reply.Score, nil
}
