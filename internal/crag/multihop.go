package crag

import (
	"context"
	"fmt"
	"strings"

	"conductor/internal/domain"
	"conductor/internal/retrieval"
	"conductor/internal/telemetry"
	"conductor/internal/textutil"
)

// completenessThreshold is the fraction of the query's content words that the
// accumulated knowledge must cover before the run terminates early.
const completenessThreshold = 0.8

// focusTermLimit caps how many uncovered terms a derived follow-up query
// carries.
const focusTermLimit = 3

// stepConfidenceBoost scales the average retrieval score into a step
// confidence, clamped to [0,1].
const stepConfidenceBoost = 1.2

// repeatQueryThreshold is the Levenshtein similarity above which a step query
// counts as a repeat of an earlier one.
const repeatQueryThreshold = 0.9

// StepSynthesizer produces the intermediate answer for one reasoning step
// from the step query and its retrieved grounding.
type StepSynthesizer func(ctx context.Context, stepQuery, grounding string) (string, error)

// MultiHop runs sequential retrieve-and-synthesize cycles for queries that
// need more than one lookup. Steps are strictly ordered: step N+1 starts only
// after step N has terminated.
type MultiHop struct {
	retriever *retrieval.Adapter
	maxSteps  int
	topK      int
	minScore  float64
	metrics   *telemetry.Metrics
	logger    telemetry.Logger
}

// NewMultiHop creates a multi-hop runner over the retriever.
func NewMultiHop(retriever *retrieval.Adapter, maxSteps, topK int, minScore float64, metrics *telemetry.Metrics, logger telemetry.Logger) *MultiHop {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if maxSteps < 1 {
		maxSteps = 1
	}
	return &MultiHop{
		retriever: retriever,
		maxSteps:  maxSteps,
		topK:      topK,
		minScore:  minScore,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run executes up to maxSteps reasoning steps for activeQuery. Sub-queries
// from a decomposition rewrite seed the step sequence; past them, follow-up
// queries target the query terms the accumulated knowledge has not covered
// yet. A step query that repeats an earlier step, allowing small wording
// drift, consumes its step without retrieving again. The run ends early once
// the knowledge is judged complete, the reasoning shape needs only one hop,
// or no uncovered terms remain.
//
// A failure in the first step fails the run so the caller can degrade to
// single retrieval. A failure in a later step ends the run with the steps
// gathered so far. Cancellation and deadlines always surface.
func (m *MultiHop) Run(ctx context.Context, q domain.Query, activeQuery string, eval domain.CRAGEvaluation, subQueries []string, synth StepSynthesizer) ([]domain.ReasoningStep, error) {
	log := m.logger.With("query_id", eval.QueryID)

	var steps []domain.ReasoningStep
	var knowledge strings.Builder

	for n := 1; n <= m.maxSteps; n++ {
		if err := ctx.Err(); err != nil {
			return steps, err
		}

		stepQuery, ok := m.nextQuery(n, activeQuery, subQueries, knowledge.String())
		if !ok {
			break
		}
		if repeatsEarlierStep(stepQuery, steps) {
			log.Debug("skipping repeated step query", "step", n, "query", stepQuery)
			continue
		}

		result, err := m.retriever.Retrieve(ctx, q.TenantID, stepQuery, m.topK, m.minScore)
		if err != nil {
			if ctx.Err() != nil {
				return steps, err
			}
			if n == 1 {
				return nil, err
			}
			log.Warn("reasoning step retrieval failed, ending run",
				"step", n, "error", err.Error())
			break
		}

		confidence := clamp01(avgChunkScore(result.Chunks) * stepConfidenceBoost)

		answer, err := synth(ctx, stepQuery, result.Context)
		if err != nil {
			if ctx.Err() != nil {
				return steps, err
			}
			if n == 1 {
				return nil, err
			}
			log.Warn("reasoning step synthesis failed, ending run",
				"step", n, "error", err.Error())
			break
		}

		steps = append(steps, domain.ReasoningStep{
			StepNumber:         n,
			Query:              stepQuery,
			RetrievedDocs:      result.Chunks,
			IntermediateAnswer: answer,
			Confidence:         confidence,
			Reasoning: fmt.Sprintf("step %d: %d chunks retrieved, confidence %.2f",
				n, len(result.Chunks), confidence),
		})
		if knowledge.Len() > 0 {
			knowledge.WriteString("\n")
		}
		knowledge.WriteString(answer)

		if eval.ReasoningType == domain.ReasoningSingleHop {
			break
		}
		if n >= len(subQueries) && answerComplete(activeQuery, knowledge.String()) {
			log.Debug("knowledge complete, ending run", "steps", n)
			break
		}
	}

	if m.metrics != nil {
		m.metrics.RecordReasoningSteps(len(steps))
	}
	if len(steps) == 0 {
		return nil, domain.NewError(domain.ErrBackendUnavailable, "reasoning produced no steps")
	}
	return steps, nil
}

// nextQuery picks the query for step n: the pending sub-query when one
// remains, the active query for the first free-form step, then follow-ups
// focused on uncovered terms.
func (m *MultiHop) nextQuery(n int, activeQuery string, subQueries []string, knowledge string) (string, bool) {
	if n <= len(subQueries) {
		return subQueries[n-1], true
	}
	if n == 1 {
		return activeQuery, true
	}
	uncovered := uncoveredTerms(activeQuery, knowledge)
	if len(uncovered) == 0 {
		return "", false
	}
	return fmt.Sprintf("%s (focus on: %s)", activeQuery, strings.Join(uncovered, ", ")), true
}

// repeatsEarlierStep reports whether candidate is a near-duplicate of a query
// an executed step already asked.
func repeatsEarlierStep(candidate string, steps []domain.ReasoningStep) bool {
	lower := strings.ToLower(candidate)
	for _, step := range steps {
		if textutil.Similarity(lower, strings.ToLower(step.Query)) >= repeatQueryThreshold {
			return true
		}
	}
	return false
}

// uncoveredTerms returns up to focusTermLimit content words of the query that
// the accumulated knowledge does not mention.
func uncoveredTerms(query, knowledge string) []string {
	known := make(map[string]bool)
	for _, w := range textutil.ContentWords(knowledge) {
		known[w] = true
	}
	var missing []string
	seen := make(map[string]bool)
	for _, w := range textutil.ContentWords(query) {
		if known[w] || seen[w] {
			continue
		}
		seen[w] = true
		missing = append(missing, w)
		if len(missing) == focusTermLimit {
			break
		}
	}
	return missing
}

// answerComplete judges whether the accumulated knowledge covers the query:
// the fraction of the query's content words present in the knowledge must
// reach the completeness threshold.
func answerComplete(query, knowledge string) bool {
	if strings.TrimSpace(knowledge) == "" {
		return false
	}
	coverage := textutil.OverlapFraction(
		textutil.ContentWords(query),
		textutil.ContentWords(knowledge),
	)
	return coverage >= completenessThreshold
}

func avgChunkScore(chunks []domain.Chunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	var sum float64
	for _, c := range chunks {
		sum += c.Score
	}
	return sum / float64(len(chunks))
}
