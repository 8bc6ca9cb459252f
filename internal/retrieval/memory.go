package retrieval

import (
	"context"
	"sort"
	"sync"

	"conductor/internal/domain"
	"conductor/internal/textutil"
)

// MemoryRetriever is an in-memory corpus with deterministic token-overlap
// scoring: a document's score is the fraction of the query's content words
// it contains. Intended for tests and the demo configuration.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs map[string][]domain.Chunk
}

// NewMemoryRetriever creates an empty corpus.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{docs: make(map[string][]domain.Chunk)}
}

// Add stores documents under a tenant. Scores on the way in are ignored;
// they are recomputed per query.
func (r *MemoryRetriever) Add(tenantID string, chunks ...domain.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[tenantID] = append(r.docs[tenantID], chunks...)
}

// Query scores the tenant's documents against the query and returns the topK
// best, score descending. Insertion order breaks ties.
func (r *MemoryRetriever) Query(ctx context.Context, tenantID, text string, topK int) ([]domain.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	docs := r.docs[tenantID]
	r.mu.RUnlock()

	queryWords := textutil.ContentWords(text)

	scored := make([]domain.Chunk, 0, len(docs))
	for _, doc := range docs {
		score := textutil.OverlapFraction(queryWords, textutil.ContentWords(doc.Text))
		if score <= 0 {
			continue
		}
		c := doc
		c.Score = score
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}
