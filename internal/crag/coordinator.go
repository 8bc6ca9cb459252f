package crag

import (
	"context"
	"fmt"
	"strings"

	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/quality"
	"conductor/internal/resilience"
	"conductor/internal/retrieval"
	"conductor/internal/telemetry"
	"conductor/internal/textutil"
)

// stepMaxTokens bounds intermediate reasoning answers; they feed the final
// synthesis prompt, not the caller.
const stepMaxTokens = 512

// groundedSystemPrompt frames the final synthesis around retrieved passages.
const groundedSystemPrompt = "Answer using the reference passages below. " +
	"Cite a passage (for example \"[1]\" or \"according to <source>\") whenever it supports a statement. " +
	"If the passages do not cover the question, say so explicitly."

// stepSystemPrompt frames one intermediate reasoning step.
const stepSystemPrompt = "Answer the question concisely using the reference passages below. " +
	"This answer feeds a follow-up reasoning step, so keep it factual and short."

// Outcome is everything the pipeline produced for one request: the synthesis
// result plus the observability trail of the phases around it.
type Outcome struct {
	Result           *domain.CompletionResult
	Evaluation       domain.CRAGEvaluation
	Refinement       *domain.Refinement
	Steps            []domain.ReasoningStep
	Chunks           []domain.Chunk
	Quality          *domain.QualityReport
	FlaggedForReview bool
}

// ActiveQuery returns the query text synthesis answered: the refined text
// when refinement applied, the original otherwise.
func (o *Outcome) ActiveQuery() string {
	if o.Refinement != nil {
		return o.Refinement.Refined
	}
	return o.Evaluation.OriginalQuery
}

// Coordinator drives the five-phase corrective pipeline: evaluate the query,
// refine it when weak, reason over multiple hops when the shape demands it,
// retrieve and synthesize, then grade the response. Every phase before
// synthesis degrades in place on failure; only synthesis errors, cancellation,
// and deadlines reach the caller.
type Coordinator struct {
	evaluator *Evaluator
	refiner   *Refiner
	multihop  *MultiHop
	executor  *resilience.Executor
	retriever *retrieval.Adapter
	quality   *quality.Checker
	scorer    *quality.Scorer
	cfg       *config.Config
	metrics   *telemetry.Metrics
	logger    telemetry.Logger
}

// NewCoordinator wires the pipeline. A nil retriever disables the retrieval
// and multi-hop phases; a nil checker disables the quality gate.
func NewCoordinator(cfg *config.Config, executor *resilience.Executor, retriever *retrieval.Adapter, checker *quality.Checker, metrics *telemetry.Metrics, logger telemetry.Logger) *Coordinator {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	evaluator := NewEvaluator()
	evaluator.setBands(cfg.Confidence.HighThreshold,
		cfg.Confidence.MediumThreshold, cfg.Confidence.LowThreshold)
	return &Coordinator{
		evaluator: evaluator,
		refiner:   NewRefiner(evaluator, cfg.CRAG.MaxRefinementAttempts),
		multihop: NewMultiHop(retriever, cfg.CRAG.MaxReasoningSteps,
			cfg.Retrieval.TopK, cfg.Retrieval.MinScore, metrics, logger),
		executor:  executor,
		retriever: retriever,
		quality:   checker,
		scorer:    quality.NewScorer(cfg.Quality.RAGASConcurrency, metrics, logger),
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run executes the pipeline for one request using the routing decision made
// upstream. The request's generation options must already carry their
// defaults.
func (c *Coordinator) Run(ctx context.Context, req domain.Request, decision domain.RoutingDecision, requestID string) (*Outcome, error) {
	outcome, creq, err := c.Prepare(ctx, req, decision, requestID)
	if err != nil {
		return nil, err
	}

	// Phase 5a: synthesize. Failures here surface.
	result, err := c.executor.Execute(ctx, decision, creq)
	if err != nil {
		c.recordPhase("synthesize", "degraded")
		return nil, err
	}
	outcome.Result = result
	c.recordPhase("synthesize", "ok")

	c.Grade(ctx, requestID, req.Query.History, outcome)
	return outcome, nil
}

// Prepare runs every phase before synthesis: evaluate, refine, multi-hop, and
// retrieve. It returns the partially filled outcome together with the
// provider request synthesis must execute. Streaming callers run that request
// themselves and call Grade once the stream completes.
func (c *Coordinator) Prepare(ctx context.Context, req domain.Request, decision domain.RoutingDecision, requestID string) (*Outcome, domain.CompletionRequest, error) {
	log := c.logger.With("request_id", requestID)
	outcome := &Outcome{}

	// Phase 1: evaluate. Pure heuristics, never fails.
	eval := c.evaluator.Evaluate(req.Query)
	outcome.Evaluation = eval
	c.recordPhase("evaluate", "ok")
	log.Debug("query evaluated",
		"confidence", eval.Confidence,
		"level", string(eval.ConfidenceLevel),
		"reasoning_type", string(eval.ReasoningType),
		"issues", describeIssues(eval.Issues),
	)

	// Phase 2: refine.
	activeQuery := eval.OriginalQuery
	switch {
	case !eval.ShouldRefine || c.cfg.CRAG.MaxRefinementAttempts == 0:
		c.recordPhase("refine", "skipped")
	default:
		ref := c.refiner.Refine(req.Query, eval)
		if ref.Strategy == "" {
			c.recordPhase("refine", "degraded")
			log.Warn("refinement produced no rewrite, using original query")
			break
		}
		outcome.Refinement = &ref
		activeQuery = ref.Refined
		c.recordPhase("refine", "ok")
		if c.metrics != nil {
			c.metrics.RecordRefinement(string(ref.Strategy))
		}
		log.Info("query refined",
			"strategy", string(ref.Strategy),
			"original", ref.Original,
			"refined", ref.Refined,
			"confidence", ref.Confidence,
		)
	}

	// Phase 3: multi-hop reasoning.
	var grounding string
	if c.shouldMultiHop(eval) {
		steps, err := c.runMultiHop(ctx, req, decision, requestID, eval, activeQuery, outcome.Refinement)
		switch {
		case err != nil && terminalErr(ctx, err):
			return nil, domain.CompletionRequest{}, err
		case err != nil:
			c.recordPhase("multihop", "degraded")
			log.Warn("multi-hop reasoning failed, falling back to single retrieval",
				"error", err.Error())
		default:
			outcome.Steps = steps
			outcome.Chunks = flattenStepChunks(steps)
			grounding = findingsDigest(steps)
			c.recordPhase("multihop", "ok")
			log.Info("multi-hop reasoning complete", "steps", len(steps))
		}
	} else {
		c.recordPhase("multihop", "skipped")
	}

	// Phase 4: single retrieval when multi-hop did not ground the query.
	if grounding == "" && c.retriever != nil {
		result, err := c.retriever.Retrieve(ctx, req.Query.TenantID, activeQuery,
			c.cfg.Retrieval.TopK, c.cfg.Retrieval.MinScore)
		switch {
		case err != nil && terminalErr(ctx, err):
			return nil, domain.CompletionRequest{}, err
		case err != nil:
			c.recordPhase("retrieve", "degraded")
			log.Warn("retrieval failed, synthesizing without grounding", "error", err.Error())
		default:
			outcome.Chunks = result.Chunks
			grounding = result.Context
			c.recordPhase("retrieve", "ok")
		}
	} else {
		c.recordPhase("retrieve", "skipped")
	}

	creq := c.buildSynthesisRequest(req, requestID, activeQuery, grounding, outcome)
	return outcome, creq, nil
}

// Grade applies the quality gate to the synthesized result. Advisory only;
// the response is returned either way.
func (c *Coordinator) Grade(ctx context.Context, requestID string, history []domain.Message, outcome *Outcome) {
	if outcome == nil || outcome.Result == nil {
		return
	}
	c.scoreRetrieval(ctx, outcome)
	if c.quality == nil {
		c.recordPhase("quality", "skipped")
		return
	}
	report := c.quality.Check(ctx, outcome.Result.Content, outcome.ActiveQuery(), history, outcome.Chunks)
	outcome.Quality = &report
	outcome.FlaggedForReview = report.IsHallucination && c.cfg.Quality.AutoFlagLowConfidence
	c.recordPhase("quality", "ok")
	if outcome.FlaggedForReview {
		c.logger.With("request_id", requestID).Warn("response flagged for review",
			"quality_confidence", report.Confidence,
			"recommendation", string(report.Recommendation),
		)
	}
}

// scoreRetrieval grades the grounded exchanges with the RAGAS-style metrics:
// the final synthesis plus, after multi-hop reasoning, every step's
// intermediate exchange. The scores feed histograms and logs only; nothing
// gates on them, and ungrounded exchanges are not scored.
func (c *Coordinator) scoreRetrieval(ctx context.Context, outcome *Outcome) {
	samples := retrievalSamples(outcome)
	if len(samples) == 0 {
		return
	}
	if _, err := c.scorer.ScoreBatch(ctx, samples); err != nil {
		c.logger.Debug("retrieval scoring skipped", "error", err.Error())
	}
}

func retrievalSamples(outcome *Outcome) []quality.Sample {
	var samples []quality.Sample
	if len(outcome.Chunks) > 0 {
		samples = append(samples, quality.Sample{
			Query:    outcome.ActiveQuery(),
			Response: outcome.Result.Content,
			Contexts: chunkTexts(outcome.Chunks),
		})
	}
	for _, step := range outcome.Steps {
		if step.IntermediateAnswer == "" || len(step.RetrievedDocs) == 0 {
			continue
		}
		samples = append(samples, quality.Sample{
			Query:    step.Query,
			Response: step.IntermediateAnswer,
			Contexts: chunkTexts(step.RetrievedDocs),
		})
	}
	return samples
}

func chunkTexts(chunks []domain.Chunk) []string {
	texts := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		texts = append(texts, ch.Text)
	}
	return texts
}

// shouldMultiHop gates the reasoning phase: the query shape must demand it,
// the evaluation must be confident enough to trust the plan, and a retriever
// must exist.
func (c *Coordinator) shouldMultiHop(eval domain.CRAGEvaluation) bool {
	return eval.ShouldUseMultiHop &&
		eval.Confidence >= c.cfg.CRAG.MultiHopThreshold &&
		c.retriever != nil
}

// runMultiHop executes the reasoning run with a synthesizer bound to this
// request's decision and options.
func (c *Coordinator) runMultiHop(ctx context.Context, req domain.Request, decision domain.RoutingDecision, requestID string, eval domain.CRAGEvaluation, activeQuery string, ref *domain.Refinement) ([]domain.ReasoningStep, error) {
	var subQueries []string
	if ref != nil {
		subQueries = ref.SubQueries
	}

	synth := func(ctx context.Context, stepQuery, stepGrounding string) (string, error) {
		creq := domain.CompletionRequest{
			TenantID:    req.Query.TenantID,
			RequestID:   requestID,
			Messages:    []domain.Message{{Role: domain.RoleUser, Content: stepQuery}},
			System:      composeSystem(stepSystemPrompt, stepGrounding, ""),
			Temperature: req.Temperature,
			MaxTokens:   stepMaxTokens,
		}
		result, err := c.executor.Execute(ctx, decision, creq)
		if err != nil {
			return "", err
		}
		return result.Content, nil
	}

	return c.multihop.Run(ctx, req.Query, activeQuery, eval, subQueries, synth)
}

// buildSynthesisRequest assembles the provider request for the final answer:
// full conversation history, the (possibly refined) query as the last user
// turn, and grounding plus any refinement context in the system prompt.
func (c *Coordinator) buildSynthesisRequest(req domain.Request, requestID, activeQuery, grounding string, outcome *Outcome) domain.CompletionRequest {
	messages := make([]domain.Message, 0, len(req.Query.History)+1)
	messages = append(messages, req.Query.History...)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: activeQuery})

	var added string
	if outcome.Refinement != nil {
		added = outcome.Refinement.AddedContext
	}

	return domain.CompletionRequest{
		TenantID:      req.Query.TenantID,
		RequestID:     requestID,
		Messages:      messages,
		System:        composeSystem(groundedSystemPrompt, grounding, added),
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		EnableCaching: req.EnableCaching,
	}
}

// composeSystem builds a system prompt from the instruction framing, the
// retrieved grounding, and refinement-added conversation context. With no
// grounding and no context it returns empty so ungrounded requests stay
// plain.
func composeSystem(framing, grounding, added string) string {
	if grounding == "" && added == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(framing)
	if added != "" {
		b.WriteString("\n\nConversation context:\n")
		b.WriteString(added)
	}
	if grounding != "" {
		b.WriteString("\n\nReference passages:\n")
		b.WriteString(grounding)
	}
	return b.String()
}

// findingsDigest folds the reasoning steps into grounding text for the final
// synthesis.
func findingsDigest(steps []domain.ReasoningStep) string {
	var b strings.Builder
	for i, step := range steps {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Step %d (%s): %s", step.StepNumber, step.Query, step.IntermediateAnswer)
	}
	return b.String()
}

// nearDuplicateChunkThreshold is the word-level Jaccard similarity above
// which two chunks count as the same passage even under different IDs.
const nearDuplicateChunkThreshold = 0.9

// flattenStepChunks collects every step's retrieved chunks, deduplicated by
// ID and by near-identical text, preserving first-seen order. Steps often
// re-retrieve the same passage under a different ID when their queries
// overlap.
func flattenStepChunks(steps []domain.ReasoningStep) []domain.Chunk {
	seen := make(map[string]bool)
	var chunks []domain.Chunk
	for _, step := range steps {
		for _, ch := range step.RetrievedDocs {
			if ch.ID != "" && seen[ch.ID] {
				continue
			}
			if nearDuplicateChunk(ch.Text, chunks) {
				continue
			}
			seen[ch.ID] = true
			chunks = append(chunks, ch)
		}
	}
	return chunks
}

func nearDuplicateChunk(text string, kept []domain.Chunk) bool {
	for _, k := range kept {
		if textutil.Jaccard(text, k.Text) >= nearDuplicateChunkThreshold {
			return true
		}
	}
	return false
}

// terminalErr reports whether err must surface: the parent context ended, or
// the error carries a cancellation or deadline kind.
func terminalErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch domain.KindOf(err) {
	case domain.ErrCancelled, domain.ErrDeadlineExceeded:
		return true
	}
	return false
}

func (c *Coordinator) recordPhase(phase, result string) {
	if c.metrics != nil {
		c.metrics.RecordCRAGPhase(phase, result)
	}
}
