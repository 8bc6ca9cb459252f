package crag

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"conductor/internal/domain"
	"conductor/internal/retrieval"
)

// fakeRetriever replays scripted retrievals in order and records each query
// text it receives.
type fakeRetriever struct {
	mu      sync.Mutex
	replies []retrievalReply
	queries []string
}

type retrievalReply struct {
	chunks []domain.Chunk
	err    error
}

func (f *fakeRetriever) Query(ctx context.Context, tenantID, text string, topK int) ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	if len(f.replies) == 0 {
		return nil, domain.NewError(domain.ErrBackendUnavailable, "unscripted retrieval for %q", text)
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply.chunks, reply.err
}

func chunk(id, text string, score float64) domain.Chunk {
	return domain.Chunk{ID: id, Text: text, Score: score}
}

func newTestMultiHop(r domain.Retriever, maxSteps int) *MultiHop {
	return NewMultiHop(retrieval.NewAdapter(r, nil, nil), maxSteps, 10, 0.2, nil, nil)
}

func multiHopEval() domain.CRAGEvaluation {
	return domain.CRAGEvaluation{
		QueryID:           "q-1",
		ShouldUseMultiHop: true,
		ReasoningType:     domain.ReasoningMultiHop,
	}
}

func TestMultiHopFollowsSubQueries(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1",
		chunk("ing", "The ingestion pipeline batches records into fixed windows.", 0),
		chunk("sto", "The storage layer compacts segments nightly.", 0),
	)
	hop := newTestMultiHop(mem, 5)
	subs := []string{
		"How does the ingestion pipeline batch records?",
		"How does the storage layer compact segments?",
	}

	var groundings []string
	synth := func(ctx context.Context, stepQuery, grounding string) (string, error) {
		groundings = append(groundings, grounding)
		if strings.Contains(stepQuery, "ingestion") {
			return "The ingestion pipeline batches records into windows.", nil
		}
		return "The pipeline feed path: how ingestion hands storage layer batches.", nil
	}

	steps, err := hop.Run(context.Background(), domain.Query{TenantID: "tenant-1"},
		"how does the ingestion pipeline feed the storage layer", multiHopEval(), subs, synth)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("Expected 2 steps, got %d", len(steps))
	}
	if steps[0].StepNumber != 1 || steps[1].StepNumber != 2 {
		t.Errorf("Expected steps numbered 1 and 2, got %d and %d", steps[0].StepNumber, steps[1].StepNumber)
	}
	if steps[0].Query != subs[0] || steps[1].Query != subs[1] {
		t.Errorf("Expected sub-queries in order, got %q then %q", steps[0].Query, steps[1].Query)
	}
	if len(steps[0].RetrievedDocs) != 1 || steps[0].RetrievedDocs[0].ID != "ing" {
		t.Errorf("Expected step 1 to retrieve the ingestion chunk, got %v", steps[0].RetrievedDocs)
	}
	if len(steps[1].RetrievedDocs) != 1 || steps[1].RetrievedDocs[0].ID != "sto" {
		t.Errorf("Expected step 2 to retrieve the storage chunk, got %v", steps[1].RetrievedDocs)
	}
	if !strings.Contains(groundings[0], "batches records into fixed windows") {
		t.Errorf("Expected step 1 grounding from retrieval, got %q", groundings[0])
	}
	// Overlap 3/5 boosted by 1.2.
	if math.Abs(steps[0].Confidence-0.72) > 1e-9 {
		t.Errorf("Expected step confidence 0.72, got %.4f", steps[0].Confidence)
	}
}

func TestMultiHopSkipsRepeatedSubQueries(t *testing.T) {
	fake := &fakeRetriever{replies: []retrievalReply{
		{chunks: []domain.Chunk{chunk("ing", "The ingestion pipeline batches records into fixed windows.", 0.9)}},
	}}
	hop := newTestMultiHop(fake, 5)
	subs := []string{
		"How does the ingestion pipeline batch records?",
		"How does the ingestion pipeline batch records",
	}

	synth := func(ctx context.Context, stepQuery, grounding string) (string, error) {
		return "Here is how the ingestion pipeline batch records flow.", nil
	}

	steps, err := hop.Run(context.Background(), domain.Query{TenantID: "tenant-1"},
		"how does the ingestion pipeline batch records", multiHopEval(), subs, synth)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("Expected the repeated sub-query skipped, got %d steps", len(steps))
	}
	if len(fake.queries) != 1 {
		t.Errorf("Expected a single retrieval, got %v", fake.queries)
	}
}

func TestMultiHopStopsWhenKnowledgeComplete(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1",
		chunk("ing", "The ingestion pipeline batches events into five minute windows.", 0),
		chunk("cmp", "Storage compaction merges closed windows into sorted segments.", 0),
	)
	hop := newTestMultiHop(mem, 5)

	synth := func(ctx context.Context, stepQuery, grounding string) (string, error) {
		return "To explain: the ingestion pipeline feeds the storage compaction.", nil
	}

	steps, err := hop.Run(context.Background(), domain.Query{TenantID: "tenant-1"},
		"explain the ingestion pipeline and the storage compaction", multiHopEval(), nil, synth)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("Expected completeness to end the run after 1 step, got %d", len(steps))
	}
	if len(steps[0].RetrievedDocs) != 2 {
		t.Errorf("Expected both chunks retrieved, got %v", steps[0].RetrievedDocs)
	}
}

func TestMultiHopStopsAtMaxSteps(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1", chunk("sch", "The scheduler assigns shards to workers.", 0))
	hop := newTestMultiHop(mem, 2)

	synth := func(ctx context.Context, stepQuery, grounding string) (string, error) {
		return "nothing relevant found here", nil
	}

	steps, err := hop.Run(context.Background(), domain.Query{TenantID: "tenant-1"},
		"how does the scheduler assign shards", multiHopEval(), nil, synth)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("Expected the step cap to hold, got %d steps", len(steps))
	}
	if !strings.Contains(steps[1].Query, "(focus on: how, scheduler, assign)") {
		t.Errorf("Expected a follow-up focused on uncovered terms, got %q", steps[1].Query)
	}
}

func TestMultiHopFirstStepFailureFails(t *testing.T) {
	fake := &fakeRetriever{replies: []retrievalReply{
		{err: domain.NewError(domain.ErrBackendUnavailable, "vector store down")},
	}}
	hop := newTestMultiHop(fake, 5)

	synth := func(ctx context.Context, stepQuery, grounding string) (string, error) {
		t.Fatal("synthesizer must not run when retrieval fails")
		return "", nil
	}

	steps, err := hop.Run(context.Background(), domain.Query{TenantID: "tenant-1"},
		"how does the scheduler assign shards", multiHopEval(), nil, synth)
	if err == nil {
		t.Fatal("Expected first-step failure to fail the run")
	}
	if !domain.IsKind(err, domain.ErrBackendUnavailable) {
		t.Errorf("Expected backend-unavailable, got %v", err)
	}
	if steps != nil {
		t.Errorf("Expected no steps, got %v", steps)
	}
}

func TestMultiHopLaterStepFailureKeepsEarlierSteps(t *testing.T) {
	fake := &fakeRetriever{replies: []retrievalReply{
		{chunks: []domain.Chunk{chunk("a", "The scheduler assigns shards to workers.", 0.9)}},
		{err: domain.NewError(domain.ErrBackendUnavailable, "vector store down")},
	}}
	hop := newTestMultiHop(fake, 5)
	subs := []string{"how are shards assigned", "how are shards rebalanced"}

	synth := func(ctx context.Context, stepQuery, grounding string) (string, error) {
		return "partial answer", nil
	}

	steps, err := hop.Run(context.Background(), domain.Query{TenantID: "tenant-1"},
		"how does the scheduler manage shards", multiHopEval(), subs, synth)
	if err != nil {
		t.Fatalf("Expected the run to keep earlier steps, got %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("Expected 1 step, got %d", len(steps))
	}
	if steps[0].Query != subs[0] {
		t.Errorf("Expected the first sub-query, got %q", steps[0].Query)
	}
}

func TestMultiHopCancellationSurfaces(t *testing.T) {
	fake := &fakeRetriever{replies: []retrievalReply{
		{chunks: []domain.Chunk{chunk("a", "The scheduler assigns shards to workers.", 0.9)}},
	}}
	hop := newTestMultiHop(fake, 5)
	subs := []string{"how are shards assigned", "how are shards rebalanced"}

	ctx, cancel := context.WithCancel(context.Background())
	synth := func(ctx context.Context, stepQuery, grounding string) (string, error) {
		cancel()
		return "first answer", nil
	}

	steps, err := hop.Run(ctx, domain.Query{TenantID: "tenant-1"},
		"how does the scheduler manage shards", multiHopEval(), subs, synth)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancellation to surface, got %v", err)
	}
	if len(steps) != 1 {
		t.Errorf("Expected the completed step back, got %d", len(steps))
	}
}
