package crag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/quality"
	"conductor/internal/resilience"
	"conductor/internal/retrieval"
)

// fakeGateway replays scripted completions in order and captures every
// request it receives.
type fakeGateway struct {
	mu       sync.Mutex
	replies  []gatewayReply
	requests []domain.CompletionRequest
}

type gatewayReply struct {
	result *domain.CompletionResult
	err    error
}

func newFakeGateway(replies ...gatewayReply) *fakeGateway {
	return &fakeGateway{replies: replies}
}

func reply(content string) gatewayReply {
	return gatewayReply{result: &domain.CompletionResult{
		Content:      content,
		ModelID:      "syn-1",
		FinishReason: domain.FinishStop,
		Usage:        domain.Usage{InputTokens: 40, OutputTokens: 20},
	}}
}

func (f *fakeGateway) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return nil, domain.NewError(domain.ErrBackendUnavailable, "unscripted completion")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.result, r.err
}

func (f *fakeGateway) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	return nil, domain.NewError(domain.ErrBackendUnavailable, "stream not scripted")
}

func (f *fakeGateway) captured() []domain.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CompletionRequest(nil), f.requests...)
}

func newTestCoordinator(gw *fakeGateway, retriever domain.Retriever) *Coordinator {
	cfg := config.Default()
	cfg.Retrieval.MinScore = 0.2
	executor := resilience.NewExecutor(gw, nil, nil, cfg.Resilience, nil, nil)
	var adapter *retrieval.Adapter
	if retriever != nil {
		adapter = retrieval.NewAdapter(retriever, nil, nil)
	}
	checker := quality.NewChecker(cfg.Quality, nil, nil, nil)
	return NewCoordinator(cfg, executor, adapter, checker, nil, nil)
}

func synthRequest(q domain.Query) domain.Request {
	return domain.Request{Query: q, Temperature: 0.7, MaxTokens: 2048}
}

func synthDecision() domain.RoutingDecision {
	return domain.RoutingDecision{
		Model: domain.ModelConfig{
			ModelID: "syn-1",
			Backend: domain.BackendAnthropic,
			Tier:    domain.TierBalanced,
		},
	}
}

func TestRunDirectSynthesis(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1", chunk("pay", "The checkout service validates payment tokens before capture.", 0))
	gw := newFakeGateway(reply(
		"The checkout service validates payment tokens before capture, according to the docs."))
	coord := newTestCoordinator(gw, mem)

	outcome, err := coord.Run(context.Background(),
		synthRequest(query("Describe the checkout service payment validation.")),
		synthDecision(), "req-1")
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if outcome.Result == nil || !strings.Contains(outcome.Result.Content, "checkout service") {
		t.Fatalf("Expected the synthesized answer, got %+v", outcome.Result)
	}
	if outcome.Refinement != nil {
		t.Errorf("Clean query must not be refined, got %+v", outcome.Refinement)
	}
	if len(outcome.Steps) != 0 {
		t.Errorf("Single-hop query must not reason in steps, got %d", len(outcome.Steps))
	}
	if len(outcome.Chunks) != 1 || outcome.Chunks[0].ID != "pay" {
		t.Errorf("Expected the payment chunk, got %v", outcome.Chunks)
	}

	calls := gw.captured()
	if len(calls) != 1 {
		t.Fatalf("Expected one completion, got %d", len(calls))
	}
	if calls[0].TenantID != "tenant-1" || calls[0].RequestID != "req-1" {
		t.Errorf("Request identity not carried: %+v", calls[0])
	}
	if !strings.Contains(calls[0].System, "Reference passages:") ||
		!strings.Contains(calls[0].System, "validates payment tokens") {
		t.Errorf("Expected grounded system prompt, got %q", calls[0].System)
	}
	last := calls[0].Messages[len(calls[0].Messages)-1]
	if last.Role != domain.RoleUser || last.Content != "Describe the checkout service payment validation." {
		t.Errorf("Expected the query as the last user turn, got %+v", last)
	}

	if outcome.Quality == nil {
		t.Fatal("Expected a quality report")
	}
	if outcome.Quality.Recommendation != domain.RecommendApprove {
		t.Errorf("Expected approval, got %s (confidence %.2f)",
			outcome.Quality.Recommendation, outcome.Quality.Confidence)
	}
	if outcome.FlaggedForReview {
		t.Error("Grounded answer must not be flagged")
	}
}

func TestRunRefinesAmbiguousQuery(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1", chunk("can", "The canary deployment failed because the new build exhausted memory.", 0))
	gw := newFakeGateway(reply(
		"The canary deployment failed because the new build exhausted memory, according to the rollout log."))
	coord := newTestCoordinator(gw, mem)

	q := query("Why did it fail?", userTurn("What is the canary deployment?"))
	outcome, err := coord.Run(context.Background(), synthRequest(q), synthDecision(), "req-2")
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}

	if !hasIssue(outcome.Evaluation.Issues, domain.IssueAmbiguous, domain.SeverityHigh) {
		t.Fatalf("Expected the ambiguity flagged, got %v", outcome.Evaluation.Issues)
	}
	ref := outcome.Refinement
	if ref == nil || ref.Strategy != domain.StrategyClarification {
		t.Fatalf("Expected a clarification refinement, got %+v", ref)
	}
	if ref.Original != "Why did it fail?" || ref.Refined != "Why did canary deployment fail?" {
		t.Errorf("Refinement texts wrong: %q -> %q", ref.Original, ref.Refined)
	}
	if !strings.Contains(ref.Reasoning, ref.Original) || !strings.Contains(ref.Reasoning, ref.Refined) {
		t.Errorf("Reasoning must record both texts, got %q", ref.Reasoning)
	}

	calls := gw.captured()
	if len(calls) != 1 {
		t.Fatalf("Expected one completion, got %d", len(calls))
	}
	if len(calls[0].Messages) != 2 {
		t.Fatalf("Expected history plus the refined turn, got %v", calls[0].Messages)
	}
	if calls[0].Messages[0].Content != "What is the canary deployment?" {
		t.Errorf("History not preserved: %+v", calls[0].Messages[0])
	}
	if calls[0].Messages[1].Content != "Why did canary deployment fail?" {
		t.Errorf("Expected the refined query downstream, got %q", calls[0].Messages[1].Content)
	}
}

func TestFlattenStepChunksDropsNearDuplicates(t *testing.T) {
	steps := []domain.ReasoningStep{
		{
			StepNumber: 1,
			RetrievedDocs: []domain.Chunk{
				chunk("a1", "The billing ledger records every charge with a tenant scope.", 0.9),
			},
		},
		{
			StepNumber: 2,
			RetrievedDocs: []domain.Chunk{
				chunk("b7", "The billing ledger records every charge with a tenant scope!", 0.8),
				chunk("b8", "Ledger exports run nightly into the warehouse.", 0.7),
			},
		},
	}

	flat := flattenStepChunks(steps)
	if len(flat) != 2 {
		t.Fatalf("Expected the re-retrieved passage dropped, got %v", flat)
	}
	if flat[0].ID != "a1" || flat[1].ID != "b8" {
		t.Errorf("Expected first-seen order a1 then b8, got %v", flat)
	}
}

func TestRunMultiHopReasons(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1",
		chunk("ing", "The ingestion pipeline batches events into five minute windows.", 0),
		chunk("cmp", "Storage compaction merges closed windows into sorted segments.", 0),
	)
	gw := newFakeGateway(
		reply("To explain: the ingestion pipeline batches events and the storage compaction merges windows."),
		reply("The ingestion pipeline batches events into windows, and storage compaction merges them into sorted segments, according to the design."),
	)
	coord := newTestCoordinator(gw, mem)

	outcome, err := coord.Run(context.Background(),
		synthRequest(query("Explain the ingestion pipeline and the storage compaction.")),
		synthDecision(), "req-3")
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(outcome.Steps) != 1 {
		t.Fatalf("Expected one reasoning step, got %d", len(outcome.Steps))
	}
	if len(outcome.Chunks) != 2 {
		t.Errorf("Expected both chunks carried through, got %v", outcome.Chunks)
	}

	calls := gw.captured()
	if len(calls) != 2 {
		t.Fatalf("Expected step synthesis plus final synthesis, got %d calls", len(calls))
	}
	if calls[0].MaxTokens != stepMaxTokens {
		t.Errorf("Expected the step token cap, got %d", calls[0].MaxTokens)
	}
	if !strings.Contains(calls[0].System, "follow-up reasoning step") {
		t.Errorf("Expected the step framing, got %q", calls[0].System)
	}
	if !strings.Contains(calls[0].System, "five minute windows") {
		t.Errorf("Expected step grounding from retrieval, got %q", calls[0].System)
	}
	if calls[1].MaxTokens != 2048 {
		t.Errorf("Expected the request token budget, got %d", calls[1].MaxTokens)
	}
	if !strings.Contains(calls[1].System, "Step 1 (") {
		t.Errorf("Expected the findings digest as grounding, got %q", calls[1].System)
	}
	if outcome.FlaggedForReview {
		t.Error("Grounded multi-hop answer must not be flagged")
	}
}

func TestRunRetrievalFailureDegrades(t *testing.T) {
	fake := &fakeRetriever{replies: []retrievalReply{
		{err: domain.NewError(domain.ErrBackendUnavailable, "vector store down")},
	}}
	gw := newFakeGateway(reply(
		"The billing ledger records charges per tenant, according to the finance guide."))
	coord := newTestCoordinator(gw, fake)

	outcome, err := coord.Run(context.Background(),
		synthRequest(query("Describe the billing ledger.")), synthDecision(), "req-4")
	if err != nil {
		t.Fatalf("Expected degraded success, got %v", err)
	}
	if len(outcome.Chunks) != 0 {
		t.Errorf("Expected no grounding chunks, got %v", outcome.Chunks)
	}

	calls := gw.captured()
	if len(calls) != 1 {
		t.Fatalf("Expected one completion, got %d", len(calls))
	}
	if calls[0].System != "" {
		t.Errorf("Expected an ungrounded synthesis, got system prompt %q", calls[0].System)
	}
	if outcome.FlaggedForReview {
		t.Error("Retrieval-less answer must not be flagged by default")
	}
}

func TestRunSynthesisFailureSurfaces(t *testing.T) {
	gw := newFakeGateway(gatewayReply{err: &domain.Error{
		Kind:    domain.ErrQuotaExhausted,
		Backend: domain.BackendAnthropic,
		Message: "quota spent",
	}})
	coord := newTestCoordinator(gw, nil)

	outcome, err := coord.Run(context.Background(),
		synthRequest(query("Describe the billing ledger.")), synthDecision(), "req-5")
	if err == nil {
		t.Fatal("Expected synthesis failure to surface")
	}
	if !domain.IsKind(err, domain.ErrSynthesisFailed) {
		t.Errorf("Expected synthesis-failed, got %v", err)
	}
	if outcome != nil {
		t.Errorf("Expected no outcome, got %+v", outcome)
	}
}

func TestRunCancellationSurfaces(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1", chunk("led", "The billing ledger records charges per tenant.", 0))
	gw := newFakeGateway()
	coord := newTestCoordinator(gw, mem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := coord.Run(ctx,
		synthRequest(query("Describe the billing ledger.")), synthDecision(), "req-6")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancellation to surface, got %v", err)
	}
	if outcome != nil {
		t.Errorf("Expected no outcome, got %+v", outcome)
	}
	if len(gw.captured()) != 0 {
		t.Error("No completion must run after cancellation")
	}
}

func TestRunFlagsHallucination(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1", chunk("led", "The billing ledger records charges per tenant.", 0))
	gw := newFakeGateway(reply(
		"The moon is made of green cheese. Unicorns reconcile the nightly totals."))
	coord := newTestCoordinator(gw, mem)

	outcome, err := coord.Run(context.Background(),
		synthRequest(query("Describe the billing ledger.")), synthDecision(), "req-7")
	if err != nil {
		t.Fatalf("Quality gate must not fail the request, got %v", err)
	}
	if outcome.Quality == nil || !outcome.Quality.IsHallucination {
		t.Fatalf("Expected a hallucination verdict, got %+v", outcome.Quality)
	}
	if outcome.Quality.Recommendation != domain.RecommendReject {
		t.Errorf("Expected rejection, got %s", outcome.Quality.Recommendation)
	}
	if len(outcome.Quality.Unsupported) != 2 {
		t.Errorf("Expected both claims unsupported, got %v", outcome.Quality.Unsupported)
	}
	if !outcome.FlaggedForReview {
		t.Error("Expected the response flagged for review")
	}
	if outcome.Result == nil {
		t.Error("Flagged responses are still returned")
	}
}
