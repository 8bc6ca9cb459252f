package orchestrator

import (
	"context"
	"strings"
	"testing"

	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/retrieval"
)

// streamScript builds the event sequence a provider stream produces for the
// given chunk texts: the chunks, a usage event, and the terminal completion.
func streamScript(chunks ...string) []domain.StreamEvent {
	var content strings.Builder
	events := make([]domain.StreamEvent, 0, len(chunks)+2)
	for _, c := range chunks {
		content.WriteString(c)
		events = append(events, domain.TextChunk{Text: c})
	}
	usage := domain.Usage{InputTokens: 40, OutputTokens: 20, CostUSD: 0.0004}
	events = append(events, domain.UsageEvent{Usage: usage})
	events = append(events, domain.CompletionEvent{Result: &domain.CompletionResult{
		Content:      content.String(),
		ModelID:      "fast-1",
		Backend:      domain.BackendAnthropic,
		FinishReason: domain.FinishStop,
		Usage:        usage,
	}})
	return events
}

func collect(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var got []domain.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	return got
}

// splitStream partitions a collected event sequence into its chunk texts and
// the trailing usage and completion events, failing on anything out of order.
func splitStream(t *testing.T, events []domain.StreamEvent) ([]string, domain.Usage, *domain.CompletionResult) {
	t.Helper()
	var texts []string
	var usage domain.Usage
	var sawUsage bool
	var result *domain.CompletionResult
	for i, ev := range events {
		switch ev := ev.(type) {
		case domain.TextChunk:
			if sawUsage || result != nil {
				t.Fatalf("Text chunk at %d after the usage or terminal event", i)
			}
			texts = append(texts, ev.Text)
		case domain.UsageEvent:
			if sawUsage || result != nil {
				t.Fatalf("Duplicate or late usage event at %d", i)
			}
			usage = ev.Usage
			sawUsage = true
		case domain.CompletionEvent:
			if result != nil {
				t.Fatalf("Duplicate completion event at %d", i)
			}
			result = ev.Result
		case domain.ErrorEvent:
			t.Fatalf("Unexpected error event at %d: %v", i, ev.Err)
		}
	}
	if !sawUsage {
		t.Fatal("Expected a usage event before the terminal event")
	}
	if result == nil {
		t.Fatal("Expected a terminal completion event")
	}
	if _, ok := events[len(events)-1].(domain.CompletionEvent); !ok {
		t.Fatalf("Stream must end on the completion event, got %T", events[len(events)-1])
	}
	return texts, usage, result
}

func TestStreamCompleteRejectsInvalidRequest(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(t, directConfig(), gw, nil, nil)

	events, err := svc.StreamComplete(context.Background(),
		domain.Request{Query: domain.Query{Text: "  ", TenantID: "tenant-1"}})
	if !domain.IsKind(err, domain.ErrInvalidRequest) {
		t.Fatalf("Expected invalid-request, got %v", err)
	}
	if events != nil {
		t.Error("Expected no event channel on rejection")
	}
	if calls := gw.captured(); len(calls) != 0 {
		t.Errorf("Rejected stream must not reach the gateway, got %d calls", len(calls))
	}
}

func TestStreamCompleteDeliversChunksThenResult(t *testing.T) {
	gw := &fakeGateway{streams: [][]domain.StreamEvent{streamScript(
		"The tenant is ",
		"an isolated account scope with 3 quotas [1], according to the admin guide.",
	)}}
	svc := newTestService(t, directConfig(), gw, nil, nil)

	events, err := svc.StreamComplete(context.Background(), request("What is a tenant?"))
	if err != nil {
		t.Fatalf("Expected a stream, got %v", err)
	}
	texts, usage, result := splitStream(t, collect(t, events))

	if len(texts) != 2 {
		t.Fatalf("Expected the two scripted chunks, got %v", texts)
	}
	if joined := strings.Join(texts, ""); joined != result.Content {
		t.Errorf("Chunk concatenation must equal the final content:\ngot  %q\nwant %q",
			joined, result.Content)
	}
	if usage.OutputTokens != 20 {
		t.Errorf("Expected usage forwarded, got %+v", usage)
	}
	if result.Metadata["request_id"] == "" {
		t.Error("Expected a minted request id in the metadata")
	}
	if _, ok := result.Metadata["disclaimer"]; ok {
		t.Error("Confident response must not carry a disclaimer")
	}
}

func TestStreamCompleteAppendsDisclaimerChunk(t *testing.T) {
	gw := &fakeGateway{streams: [][]domain.StreamEvent{streamScript(
		"I think it might possibly be the cache, ",
		"maybe the stale invalidation path.",
	)}}
	svc := newTestService(t, directConfig(), gw, nil, nil)

	events, err := svc.StreamComplete(context.Background(), request("What is a tenant?"))
	if err != nil {
		t.Fatalf("Expected a stream, got %v", err)
	}
	texts, _, result := splitStream(t, collect(t, events))

	if len(texts) != 3 {
		t.Fatalf("Expected two scripted chunks plus the disclaimer, got %v", texts)
	}
	if last := texts[len(texts)-1]; last != "\n\n"+strongDisclaimer {
		t.Errorf("Expected the disclaimer as the final chunk, got %q", last)
	}
	if joined := strings.Join(texts, ""); joined != result.Content {
		t.Errorf("Chunk concatenation must equal the final content:\ngot  %q\nwant %q",
			joined, result.Content)
	}
	if result.Metadata["disclaimer"] != "true" {
		t.Error("Expected the disclaimer metadata marker")
	}
}

func TestStreamCompleteCorrectivePath(t *testing.T) {
	mem := retrieval.NewMemoryRetriever()
	mem.Add("tenant-1", domain.Chunk{
		ID:   "pay",
		Text: "The checkout service validates payment tokens before capture.",
	})
	gw := &fakeGateway{streams: [][]domain.StreamEvent{streamScript(
		"The checkout service validates payment tokens ",
		"before capture, according to the docs.",
	)}}
	cfg := config.Default()
	cfg.Retrieval.MinScore = 0.2
	svc := newTestService(t, cfg, gw, mem, nil)

	events, err := svc.StreamComplete(context.Background(),
		request("Describe the checkout service payment validation."))
	if err != nil {
		t.Fatalf("Expected a stream, got %v", err)
	}
	texts, _, result := splitStream(t, collect(t, events))

	calls := gw.captured()
	if len(calls) != 1 {
		t.Fatalf("Expected one stream call, got %d", len(calls))
	}
	if !strings.Contains(calls[0].System, "Reference passages:") {
		t.Errorf("Expected grounded system prompt, got %q", calls[0].System)
	}

	if result.Metadata["quality_recommendation"] != string(domain.RecommendApprove) {
		t.Errorf("Expected quality approval, got %q", result.Metadata["quality_recommendation"])
	}
	if !strings.HasSuffix(result.Content, weakDisclaimer) {
		t.Errorf("Expected the weak disclaimer, got %q", result.Content)
	}
	if joined := strings.Join(texts, ""); joined != result.Content {
		t.Errorf("Chunk concatenation must equal the final content:\ngot  %q\nwant %q",
			joined, result.Content)
	}
}

func TestStreamCompleteSurfacesCascadeFailure(t *testing.T) {
	quotaScript := func(b domain.Backend) []domain.StreamEvent {
		return []domain.StreamEvent{domain.ErrorEvent{Err: &domain.Error{
			Kind:    domain.ErrQuotaExhausted,
			Backend: b,
			Message: "quota spent",
		}}}
	}
	gw := &fakeGateway{streams: [][]domain.StreamEvent{
		quotaScript(domain.BackendAnthropic),
		quotaScript(domain.BackendOpenAI),
	}}
	svc := newTestService(t, directConfig(), gw, nil, nil)

	events, err := svc.StreamComplete(context.Background(), request("What is a tenant?"))
	if err != nil {
		t.Fatalf("Stream setup must not fail eagerly, got %v", err)
	}
	got := collect(t, events)

	if len(got) != 1 {
		t.Fatalf("Expected a single error event, got %d events", len(got))
	}
	errEv, ok := got[0].(domain.ErrorEvent)
	if !ok {
		t.Fatalf("Expected an error event, got %T", got[0])
	}
	if !domain.IsKind(errEv.Err, domain.ErrSynthesisFailed) {
		t.Errorf("Expected synthesis-failed after the cascade, got %v", errEv.Err)
	}
	if calls := gw.captured(); len(calls) != 2 {
		t.Errorf("Expected two stream attempts, got %d", len(calls))
	}
}
