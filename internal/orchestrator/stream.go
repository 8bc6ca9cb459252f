package orchestrator

import (
	"context"
	"time"

	"conductor/internal/crag"
	"conductor/internal/domain"
	"conductor/internal/telemetry"

	"github.com/google/uuid"
)

// streamBuffer sizes the wrapped event channel so post-processing never
// stalls a fast producer.
const streamBuffer = 100

// StreamComplete runs the same pipeline as Complete but delivers the response
// incrementally. The returned channel carries text chunks in generation
// order, at most one usage event, and exactly one terminal CompletionEvent or
// ErrorEvent, then closes. Concatenating the chunk texts of a successful
// stream equals the final result content, disclaimer included.
func (s *Service) StreamComplete(ctx context.Context, req domain.Request) (<-chan domain.StreamEvent, error) {
	started := time.Now()
	requestID := uuid.New().String()
	log := s.logger.With("request_id", requestID, "tenant_id", req.Query.TenantID)

	if err := validate(req); err != nil {
		return nil, err
	}
	s.applyDefaults(&req)

	complexity := s.router.Analyze(req.Query)
	decision, err := s.router.RouteScored(req.Query, complexity)
	if err != nil {
		log.Error("routing failed", "error", err.Error())
		return nil, err
	}

	var recorder *telemetry.RequestRecorder
	if s.metrics != nil {
		recorder = s.metrics.NewRequestRecorder("StreamComplete",
			decision.Model.ModelID, string(decision.Model.Backend), req.Query.TenantID)
	}

	// The pre-synthesis phases run eagerly; only synthesis itself streams.
	var outcome *crag.Outcome
	creq := s.directRequest(req, requestID)
	if s.corrective() {
		outcome, creq, err = s.pipeline.Prepare(ctx, req, decision, requestID)
		if err != nil {
			if recorder != nil {
				recorder.RecordError(string(domain.KindOf(err)))
			}
			log.Error("stream preparation failed",
				"kind", string(domain.KindOf(err)),
				"error", err.Error(),
			)
			return nil, err
		}
	}

	events, err := s.executor.ExecuteStream(ctx, decision, creq)
	if err != nil {
		if recorder != nil {
			recorder.RecordError(string(domain.KindOf(err)))
		}
		return nil, err
	}

	return s.wrapStream(ctx, events, streamState{
		history:    req.Query.History,
		requestID:  requestID,
		complexity: complexity,
		outcome:    outcome,
		recorder:   recorder,
		started:    started,
		log:        log,
	}), nil
}

// streamState carries the per-request context the wrapping goroutine needs to
// finish the response once the terminal event arrives.
type streamState struct {
	history    []domain.Message
	requestID  string
	complexity domain.ComplexityScore
	outcome    *crag.Outcome
	recorder   *telemetry.RequestRecorder
	started    time.Time
	log        telemetry.Logger
}

// wrapStream forwards executor events and finishes the response on the
// terminal event: quality grading, confidence scoring, and the disclaimer
// appended as one final text chunk so chunk concatenation still equals the
// result content. The usage event is held back until the disclaimer chunk is
// out, preserving the documented event order.
func (s *Service) wrapStream(ctx context.Context, events <-chan domain.StreamEvent, st streamState) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent, streamBuffer)

	go func() {
		defer close(out)
		if s.metrics != nil {
			defer s.metrics.StreamStarted()()
		}

		var usage *domain.UsageEvent

		for event := range events {
			switch ev := event.(type) {
			case domain.TextChunk:
				if !send(ctx, out, ev) {
					return
				}

			case domain.UsageEvent:
				usage = &ev

			case domain.ErrorEvent:
				if st.recorder != nil {
					st.recorder.RecordError(string(domain.KindOf(ev.Err)))
				}
				st.log.Error("stream failed",
					"kind", string(domain.KindOf(ev.Err)),
					"error", ev.Err.Error(),
				)
				send(ctx, out, ev)
				return

			case domain.CompletionEvent:
				result := ev.Result
				if st.outcome != nil {
					st.outcome.Result = result
					s.pipeline.Grade(ctx, st.requestID, st.history, st.outcome)
				}
				score, note := s.finish(result, st.requestID, st.complexity, st.outcome)
				if note != "" {
					if !send(ctx, out, domain.TextChunk{Text: "\n\n" + note}) {
						return
					}
				}
				if usage != nil {
					usage.Usage = result.Usage
					if !send(ctx, out, *usage) {
						return
					}
				}
				if st.recorder != nil {
					st.recorder.RecordSuccess(result.Usage.InputTokens, result.Usage.OutputTokens,
						result.Usage.CacheReadTokens, result.Usage.CacheWriteTokens, result.Usage.CostUSD)
				}
				st.log.Info("stream finished",
					"model", result.ModelID,
					"backend", string(result.Backend),
					"complexity", string(st.complexity.Level),
					"confidence", score,
					"latency_ms", time.Since(st.started).Milliseconds(),
					"cost_usd", result.Usage.CostUSD,
				)
				send(ctx, out, domain.CompletionEvent{Result: result})
				return
			}
		}
	}()

	return out
}

// send delivers one event unless the consumer's context ends first.
func send(ctx context.Context, out chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
