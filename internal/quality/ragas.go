package quality

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"conductor/internal/telemetry"
	"conductor/internal/textutil"
)

const defaultScorerConcurrency = 4

// Sample is one retrieval-grounded exchange to score. GroundTruth is
// optional and only feeds context recall.
type Sample struct {
	Query       string
	Response    string
	Contexts    []string
	GroundTruth string
}

// Scores holds the five RAGAS-style metrics, each in [0,1]. They feed
// histograms and logs only; nothing gates on them.
type Scores struct {
	Faithfulness     float64
	AnswerRelevancy  float64
	ContextRelevancy float64
	ContextPrecision float64
	ContextRecall    float64
}

// Scorer computes RAGAS-style metrics with the same keyword-surface
// heuristics the Checker uses.
type Scorer struct {
	concurrency int
	metrics     *telemetry.Metrics
	logger      telemetry.Logger
}

// NewScorer creates a scorer. A non-positive concurrency defaults to 4.
func NewScorer(concurrency int, metrics *telemetry.Metrics, logger telemetry.Logger) *Scorer {
	if concurrency <= 0 {
		concurrency = defaultScorerConcurrency
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Scorer{concurrency: concurrency, metrics: metrics, logger: logger}
}

// Score grades a single sample.
func (s *Scorer) Score(sample Sample) Scores {
	queryWords := textutil.ContentWords(sample.Query)
	responseWords := textutil.ContentWords(sample.Response)
	contextWords := textutil.ContentWords(strings.Join(sample.Contexts, " "))

	faithfulness, _ := alignmentScore(extractClaims(sample.Response), contextWords)

	scores := Scores{
		Faithfulness:     faithfulness,
		AnswerRelevancy:  answerRelevancy(queryWords, responseWords),
		ContextRelevancy: contextRelevancy(sample.Contexts, queryWords),
		ContextPrecision: contextPrecision(sample.Contexts, queryWords),
		ContextRecall:    contextRecall(sample.GroundTruth, contextWords),
	}
	s.observe(scores)
	return scores
}

// ScoreBatch grades samples with bounded concurrency. Results keep the
// input order.
func (s *Scorer) ScoreBatch(ctx context.Context, samples []Sample) ([]Scores, error) {
	results := make([]Scores, len(samples))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, sample := range samples {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = s.Score(sample)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Scorer) observe(scores Scores) {
	if s.metrics != nil {
		s.metrics.RecordRAGASScore("faithfulness", scores.Faithfulness)
		s.metrics.RecordRAGASScore("answer_relevancy", scores.AnswerRelevancy)
		s.metrics.RecordRAGASScore("context_relevancy", scores.ContextRelevancy)
		s.metrics.RecordRAGASScore("context_precision", scores.ContextPrecision)
		s.metrics.RecordRAGASScore("context_recall", scores.ContextRecall)
	}
	s.logger.Debug("ragas sample scored",
		"faithfulness", scores.Faithfulness,
		"answer_relevancy", scores.AnswerRelevancy,
		"context_relevancy", scores.ContextRelevancy,
		"context_precision", scores.ContextPrecision,
		"context_recall", scores.ContextRecall)
}

// answerRelevancy measures how much of the query's content the response
// covers. A query with no content words has nothing to cover.
func answerRelevancy(queryWords, responseWords []string) float64 {
	if len(queryWords) == 0 {
		return 1.0
	}
	return textutil.OverlapFraction(queryWords, responseWords)
}

// contextRelevancy is the fraction of context sentences that touch the
// query at all.
func contextRelevancy(contexts, queryWords []string) float64 {
	if len(contexts) == 0 || len(queryWords) == 0 {
		return 0
	}
	total, relevant := 0, 0
	for _, c := range contexts {
		for _, sentence := range textutil.Sentences(c) {
			total++
			if textutil.OverlapFraction(queryWords, textutil.ContentWords(sentence)) > 0 {
				relevant++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(relevant) / float64(total)
}

// contextPrecision is the fraction of retrieved contexts that cover more
// than half of the query's content words.
func contextPrecision(contexts, queryWords []string) float64 {
	if len(contexts) == 0 || len(queryWords) == 0 {
		return 0
	}
	relevant := 0
	for _, c := range contexts {
		if textutil.OverlapFraction(queryWords, textutil.ContentWords(c)) > supportThreshold {
			relevant++
		}
	}
	return float64(relevant) / float64(len(contexts))
}

// contextRecall measures how much of the ground truth the contexts cover.
// Without ground truth it reports zero.
func contextRecall(groundTruth string, contextWords []string) float64 {
	truthWords := textutil.ContentWords(groundTruth)
	if len(truthWords) == 0 {
		return 0
	}
	return textutil.OverlapFraction(truthWords, contextWords)
}
