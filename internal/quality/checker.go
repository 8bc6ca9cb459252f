// Package quality grades responses against their retrieval context and
// conversation history: knowledge-base alignment, citation coverage,
// consistency with prior turns, and an optional external fact check. It
// flags likely hallucinations but never fails a request.
package quality

import (
	"context"
	"strings"

	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/telemetry"
	"conductor/internal/textutil"
)

const (
	weightKnowledgeBase = 0.4
	weightCitation      = 0.3
	weightConsistency   = 0.2
	weightFactCheck     = 0.1

	defaultHallucinationThreshold = 0.6

	// approveThreshold is the evidence level at which a response passes
	// without review.
	approveThreshold = 0.7

	// minClaimLength filters out fragments too short to carry a checkable
	// claim.
	minClaimLength = 20

	// supportThreshold is the keyword-overlap fraction above which a claim
	// counts as supported by the retrieved context.
	supportThreshold = 0.5

	// contradictionOverlap is the shared-content fraction above which two
	// statements are close enough to compare for negation mismatch.
	contradictionOverlap = 0.6

	contradictionPenalty = 0.2
)

// Checker scores one response at a time. It holds no per-request state and
// is safe for concurrent use.
type Checker struct {
	hallucinationThreshold float64
	requireCitations       bool
	minimumCitations       int
	staticFactScore        float64
	factChecker            FactChecker
	metrics                *telemetry.Metrics
	logger                 telemetry.Logger
}

// NewChecker builds a Checker from config. A nil factChecker gets the
// static placeholder scorer.
func NewChecker(cfg config.QualityConfig, factChecker FactChecker, metrics *telemetry.Metrics, logger telemetry.Logger) *Checker {
	threshold := cfg.HallucinationThreshold
	if threshold <= 0 {
		threshold = defaultHallucinationThreshold
	}
	staticScore := cfg.StaticFactScore
	if staticScore <= 0 {
		staticScore = defaultStaticFactScore
	}
	if factChecker == nil {
		factChecker = NewStaticFactChecker(staticScore)
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Checker{
		hallucinationThreshold: threshold,
		requireCitations:       cfg.RequireCitations,
		minimumCitations:       cfg.MinimumCitations,
		staticFactScore:        staticScore,
		factChecker:            factChecker,
		metrics:                metrics,
		logger:                 logger,
	}
}

// Check grades response against the retrieved chunks and the prior
// assistant turns in history. An unreachable fact checker degrades to the
// static score instead of failing the check.
func (c *Checker) Check(ctx context.Context, response, query string, history []domain.Message, chunks []domain.Chunk) domain.QualityReport {
	claims := extractClaims(response)

	kbScore, unsupported := alignmentScore(claims, chunkWords(chunks))
	citation := c.citationScore(response)
	consistency := consistencyScore(response, history)
	fact := c.factScore(ctx, query, response, claims)

	confidence := weightKnowledgeBase*kbScore +
		weightCitation*citation +
		weightConsistency*consistency +
		weightFactCheck*fact

	report := domain.QualityReport{
		Evidence: domain.QualityEvidence{
			KnowledgeBase: kbScore,
			Citation:      citation,
			Consistency:   consistency,
			FactCheck:     fact,
		},
		Confidence:      confidence,
		IsHallucination: confidence < c.hallucinationThreshold,
		Unsupported:     unsupported,
	}
	switch {
	case report.IsHallucination:
		report.Recommendation = domain.RecommendReject
	case confidence >= approveThreshold:
		report.Recommendation = domain.RecommendApprove
	default:
		report.Recommendation = domain.RecommendFlag
	}

	if c.metrics != nil {
		c.metrics.RecordQuality(confidence, string(report.Recommendation), report.IsHallucination)
	}
	c.logger.Debug("quality check",
		"confidence", confidence,
		"recommendation", string(report.Recommendation),
		"claims", len(claims),
		"unsupported", len(unsupported))
	return report
}

// extractClaims pulls the checkable statements out of a response:
// declarative sentences long enough to carry a claim.
func extractClaims(response string) []string {
	var claims []string
	for _, s := range textutil.DeclarativeSentences(response) {
		if len(s) > minClaimLength {
			claims = append(claims, s)
		}
	}
	return claims
}

// chunkWords returns the content words of all chunk texts combined.
func chunkWords(chunks []domain.Chunk) []string {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	return textutil.ContentWords(strings.Join(texts, " "))
}

// alignmentScore grades claims against the context words. With no context
// or no claims there is nothing to contradict and the item passes.
func alignmentScore(claims, contextWords []string) (float64, []string) {
	if len(contextWords) == 0 || len(claims) == 0 {
		return 1.0, nil
	}
	supported := 0
	var unsupported []string
	for _, claim := range claims {
		if textutil.OverlapFraction(textutil.ContentWords(claim), contextWords) > supportThreshold {
			supported++
		} else {
			unsupported = append(unsupported, claim)
		}
	}
	return float64(supported) / float64(len(claims)), unsupported
}

func (c *Checker) citationScore(response string) float64 {
	if !c.requireCitations {
		return 1.0
	}
	if textutil.CitationCount(response) >= c.minimumCitations {
		return 1.0
	}
	return 0.0
}

// consistencyScore penalizes each contradiction against a prior assistant
// turn: a statement pair sharing most of its content words where exactly
// one side is negated.
func consistencyScore(response string, history []domain.Message) float64 {
	var prior []string
	for _, msg := range history {
		if msg.Role == domain.RoleAssistant {
			prior = append(prior, textutil.DeclarativeSentences(msg.Content)...)
		}
	}
	if len(prior) == 0 {
		return 1.0
	}

	contradictions := 0
	for _, current := range textutil.DeclarativeSentences(response) {
		currentNegated := textutil.ContainsNegation(current)
		for _, previous := range prior {
			if textutil.SharedContentFraction(current, previous) <= contradictionOverlap {
				continue
			}
			if currentNegated != textutil.ContainsNegation(previous) {
				contradictions++
			}
		}
	}
	score := 1.0 - contradictionPenalty*float64(contradictions)
	if score < 0 {
		return 0
	}
	return score
}

func (c *Checker) factScore(ctx context.Context, query, response string, claims []string) float64 {
	score, err := c.factChecker.CheckFacts(ctx, query, response, claims)
	if err != nil {
		c.logger.Warn("fact check failed, using static score", "error", err)
		return c.staticFactScore
	}
	return score
}
