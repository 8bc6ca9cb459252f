// Package retrieval adapts pluggable document retrievers to the orchestrator.
// The adapter enforces tenant isolation and the minimum-score filter and
// assembles the grounding context; the retrieval algorithm itself stays
// behind the domain.Retriever interface. In-memory and Postgres/pgvector
// retrievers ship in this package.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"conductor/internal/domain"
	"conductor/internal/telemetry"
)

// contextDelimiter separates chunk texts in the assembled context string.
const contextDelimiter = "\n\n---\n\n"

const defaultTopK = 10

// Adapter wraps a retriever with the orchestrator-side contract.
type Adapter struct {
	retriever domain.Retriever
	metrics   *telemetry.Metrics
	logger    telemetry.Logger
}

// NewAdapter creates an adapter over retriever.
func NewAdapter(retriever domain.Retriever, metrics *telemetry.Metrics, logger telemetry.Logger) *Adapter {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Adapter{retriever: retriever, metrics: metrics, logger: logger}
}

// Retrieve fetches up to topK chunks for the tenant's query, drops chunks
// scoring below minScore, and joins the survivors into a single context
// string. The returned chunks are ordered by score descending and must not
// be mutated by callers.
func (a *Adapter) Retrieve(ctx context.Context, tenantID, query string, topK int, minScore float64) (*domain.RetrievalResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, domain.NewError(domain.ErrInvalidRequest, "retrieval requires a tenant id")
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	start := time.Now()
	chunks, err := a.retriever.Query(ctx, tenantID, query, topK)
	if err != nil {
		return nil, err
	}

	filtered := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Score >= minScore {
			filtered = append(filtered, c)
		}
	}

	// Retrievers promise non-increasing scores; re-sort in case one lies.
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})

	texts := make([]string, len(filtered))
	for i, c := range filtered {
		texts[i] = c.Text
	}

	elapsed := time.Since(start)
	if a.metrics != nil {
		a.metrics.RecordRetrieval(elapsed, len(filtered))
	}
	a.logger.Debug("retrieval finished",
		"tenant_id", tenantID,
		"returned", len(filtered),
		"dropped", len(chunks)-len(filtered),
		"elapsed_ms", elapsed.Milliseconds(),
	)

	return &domain.RetrievalResult{
		Chunks:    filtered,
		Total:     len(filtered),
		Context:   strings.Join(texts, contextDelimiter),
		ElapsedMs: elapsed.Milliseconds(),
	}, nil
}
