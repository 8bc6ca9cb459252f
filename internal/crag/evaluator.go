// Package crag implements the corrective retrieval pipeline: query
// evaluation, heuristic refinement, multi-hop reasoning, grounded synthesis,
// and a final quality gate. Pre-synthesis phases degrade gracefully; only
// synthesis failures, cancellation, and deadlines surface to the caller.
package crag

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"conductor/internal/domain"
	"conductor/internal/textutil"
)

// Evaluation confidence penalties. Each detected issue subtracts its penalty
// from a 1.0 base; the result is clamped to [0,1].
const (
	penaltyAmbiguousHigh   = 0.40
	penaltyAmbiguousMedium = 0.25
	penaltyTooBroad        = 0.20
	penaltyTooNarrow       = 0.15
	penaltyMalformedHigh   = 0.50
	penaltyMalformedMedium = 0.15
)

// narrownessWordLimit and narrownessConnectiveLimit bound the over-constrained
// query heuristic: longer than the word limit, or stacking more connectives
// than the connective limit, flags the query as too narrow.
const (
	narrownessWordLimit       = 20
	narrownessConnectiveLimit = 3
)

// danglingPronouns are references that need an antecedent to resolve.
var danglingPronouns = []string{
	"it", "this", "that", "they", "them", "these", "those",
}

// interrogatives cannot anchor a pronoun; they are excluded when counting
// antecedent candidates.
var interrogatives = map[string]bool{
	"what": true, "why": true, "how": true, "when": true, "where": true,
	"which": true, "who": true, "whom": true, "whose": true,
}

var breadthMarkers = []string{
	"everything", "all", "general", "overview", "anything", "broadly",
}

var evalHedgingTerms = []string{
	"maybe", "possibly", "might", "perhaps", "not sure", "unclear", "somehow",
}

var comparativeCues = []string{
	"compare", "comparison", "versus", "vs", "difference", "differences",
	"better", "worse", "tradeoff", "trade-off", "pros and cons",
}

var temporalCues = []string{
	"before", "after", "when", "timeline", "history", "since", "until",
	"evolution", "evolved", "changed over",
}

var causalCues = []string{
	"why", "because", "cause", "caused", "reason", "leads to", "lead to",
	"results in", "result in", "due to",
}

var aggregativeCues = []string{
	"how many", "count", "total", "average", "sum", "list all", "aggregate",
	"percentage", "most common",
}

var hopConnectives = []string{"and", "then", "also", "as well as", "along with"}

// scruffyPattern flags repairable surface noise: runs of whitespace or
// stuttered punctuation. Scruffy queries stay answerable but go through a
// correction pass first.
var scruffyPattern = regexp.MustCompile(`\s{2,}|[?!.,][?!.,]`)

var (
	pronounPatterns     = textutil.CompileTerms(danglingPronouns)
	breadthPatterns     = textutil.CompileTerms(breadthMarkers)
	evalHedgingPatterns = textutil.CompileTerms(evalHedgingTerms)
	comparativePatterns = textutil.CompileTerms(comparativeCues)
	temporalPatterns    = textutil.CompileTerms(temporalCues)
	causalPatterns      = textutil.CompileTerms(causalCues)
	aggregativePatterns = textutil.CompileTerms(aggregativeCues)
	connectivePatterns  = textutil.CompileTerms(hopConnectives)
	andConnective       = textutil.CompileTerms([]string{"and"})
)

// Evaluator judges raw queries before retrieval: it scores answerability
// confidence from surface heuristics, derives concrete issues, and classifies
// the reasoning shape. Beyond the confidence band floors it holds no state;
// identical text always produces identical verdicts apart from the minted
// query ID.
type Evaluator struct {
	high   float64
	medium float64
	low    float64
}

// NewEvaluator creates a query evaluator with the default confidence bands.
// Queries scoring below the medium band are refined before retrieval.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		high:   domain.DefaultHighConfidence,
		medium: domain.DefaultMediumConfidence,
		low:    domain.DefaultLowConfidence,
	}
}

// setBands overrides the confidence band floors. Non-positive floors keep
// their defaults.
func (e *Evaluator) setBands(high, medium, low float64) {
	if high > 0 {
		e.high = high
	}
	if medium > 0 {
		e.medium = medium
	}
	if low > 0 {
		e.low = low
	}
}

// Evaluate produces the first-phase verdict for a query.
func (e *Evaluator) Evaluate(q domain.Query) domain.CRAGEvaluation {
	text := strings.TrimSpace(q.LastUserMessage())
	lower := strings.ToLower(text)

	issues := detectIssues(text, lower)
	confidence := confidenceFor(issues)
	reasoningType := classifyReasoning(lower)

	return domain.CRAGEvaluation{
		QueryID:           uuid.New().String(),
		OriginalQuery:     text,
		Confidence:        confidence,
		ConfidenceLevel:   domain.LevelForConfidence(confidence, e.high, e.medium, e.low),
		ShouldRefine:      e.shouldRefine(confidence, issues),
		ShouldUseMultiHop: reasoningType != domain.ReasoningSingleHop,
		ReasoningType:     reasoningType,
		Issues:            issues,
		Recommendations:   recommendStrategies(issues),
	}
}

// detectIssues runs the four issue heuristics in a fixed order so the issue
// list is deterministic.
func detectIssues(text, lower string) []domain.Issue {
	var issues []domain.Issue

	if malformed(text) {
		issues = append(issues, domain.Issue{Type: domain.IssueMalformed, Severity: domain.SeverityHigh})
		return issues
	}

	if scruffyPattern.MatchString(text) {
		issues = append(issues, domain.Issue{Type: domain.IssueMalformed, Severity: domain.SeverityMedium})
	}

	if severity, ok := ambiguity(text, lower); ok {
		issues = append(issues, domain.Issue{Type: domain.IssueAmbiguous, Severity: severity})
	}

	if n := textutil.CountMatches(lower, breadthPatterns); n > 0 {
		severity := domain.SeverityMedium
		if n > 1 {
			severity = domain.SeverityHigh
		}
		issues = append(issues, domain.Issue{Type: domain.IssueTooBroad, Severity: severity})
	}

	words := textutil.WordCount(text)
	connectives := textutil.CountMatches(lower, andConnective)
	if words > narrownessWordLimit || connectives > narrownessConnectiveLimit {
		severity := domain.SeverityLow
		if words > narrownessWordLimit && connectives > narrownessConnectiveLimit {
			severity = domain.SeverityMedium
		}
		issues = append(issues, domain.Issue{Type: domain.IssueTooNarrow, Severity: severity})
	}

	return issues
}

// malformed flags queries the pipeline cannot work with at all: empty, too
// short to carry intent, or holding no letters.
func malformed(text string) bool {
	if len(text) < 3 {
		return true
	}
	for _, r := range text {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// ambiguity flags dangling pronouns and hedging. A pronoun with no concrete
// subject to bind to (fewer than two anchor words in the whole query) is a
// high-severity defect; pronouns alongside real subjects, or hedging terms,
// are medium.
func ambiguity(text, lower string) (domain.IssueSeverity, bool) {
	pronouns := textutil.CountMatches(lower, pronounPatterns)
	hedges := textutil.CountMatches(lower, evalHedgingPatterns)
	if pronouns == 0 && hedges == 0 {
		return "", false
	}
	if pronouns > 0 && len(anchorWords(text)) < 2 {
		return domain.SeverityHigh, true
	}
	return domain.SeverityMedium, true
}

// anchorWords returns the content words of text that could serve as a
// pronoun antecedent or a clarification subject.
func anchorWords(text string) []string {
	words := textutil.ContentWords(text)
	out := words[:0]
	for _, w := range words {
		if !interrogatives[w] {
			out = append(out, w)
		}
	}
	return out
}

// confidenceFor converts the issue list into an answerability confidence.
func confidenceFor(issues []domain.Issue) float64 {
	confidence := 1.0
	for _, issue := range issues {
		switch issue.Type {
		case domain.IssueMalformed:
			if issue.Severity == domain.SeverityHigh {
				confidence -= penaltyMalformedHigh
			} else {
				confidence -= penaltyMalformedMedium
			}
		case domain.IssueAmbiguous:
			if issue.Severity == domain.SeverityHigh {
				confidence -= penaltyAmbiguousHigh
			} else {
				confidence -= penaltyAmbiguousMedium
			}
		case domain.IssueTooBroad:
			confidence -= penaltyTooBroad
		case domain.IssueTooNarrow:
			confidence -= penaltyTooNarrow
		}
	}
	return clamp01(confidence)
}

// shouldRefine triggers on confidence below the medium band or any issue
// above low severity.
func (e *Evaluator) shouldRefine(confidence float64, issues []domain.Issue) bool {
	if confidence < e.medium {
		return true
	}
	for _, issue := range issues {
		if issue.Severity == domain.SeverityHigh || issue.Severity == domain.SeverityMedium {
			return true
		}
	}
	return false
}

// classifyReasoning maps lexical cues to a reasoning shape. Specific shapes
// win over the generic multi-hop fallback; a query with neither cues nor
// clause structure is single-hop.
func classifyReasoning(lower string) domain.ReasoningType {
	switch {
	case textutil.MatchesAny(lower, comparativePatterns):
		return domain.ReasoningComparative
	case textutil.MatchesAny(lower, temporalPatterns):
		return domain.ReasoningTemporal
	case textutil.MatchesAny(lower, causalPatterns):
		return domain.ReasoningCausal
	case textutil.MatchesAny(lower, aggregativePatterns):
		return domain.ReasoningAggregative
	}
	if textutil.MatchesAny(lower, connectivePatterns) ||
		strings.ContainsAny(lower, ",;") {
		return domain.ReasoningMultiHop
	}
	return domain.ReasoningSingleHop
}

// recommendStrategies maps issues to rewrite tactics, ordered by the fixed
// application priority and deduplicated.
func recommendStrategies(issues []domain.Issue) []domain.RefinementStrategy {
	seen := make(map[domain.RefinementStrategy]bool)
	var recs []domain.RefinementStrategy
	add := func(strategies ...domain.RefinementStrategy) {
		for _, s := range strategies {
			if !seen[s] {
				seen[s] = true
				recs = append(recs, s)
			}
		}
	}

	for _, issue := range issues {
		switch issue.Type {
		case domain.IssueMalformed:
			add(domain.StrategyCorrection)
		case domain.IssueAmbiguous:
			add(domain.StrategyClarification, domain.StrategyContextualization)
		case domain.IssueTooBroad:
			add(domain.StrategyDecomposition, domain.StrategySimplification)
		case domain.IssueTooNarrow:
			add(domain.StrategySimplification, domain.StrategyExpansion)
		}
	}

	return sortByPriority(recs)
}

// strategyPriority is the fixed application order for refinement strategies.
var strategyPriority = []domain.RefinementStrategy{
	domain.StrategyCorrection,
	domain.StrategyClarification,
	domain.StrategyDecomposition,
	domain.StrategySimplification,
	domain.StrategyExpansion,
	domain.StrategyContextualization,
}

func sortByPriority(strategies []domain.RefinementStrategy) []domain.RefinementStrategy {
	if len(strategies) < 2 {
		return strategies
	}
	present := make(map[domain.RefinementStrategy]bool, len(strategies))
	for _, s := range strategies {
		present[s] = true
	}
	ordered := make([]domain.RefinementStrategy, 0, len(strategies))
	for _, s := range strategyPriority {
		if present[s] {
			ordered = append(ordered, s)
		}
	}
	return ordered
}

func describeIssues(issues []domain.Issue) string {
	if len(issues) == 0 {
		return "no issues"
	}
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, fmt.Sprintf("%s (%s)", issue.Type, issue.Severity))
	}
	return strings.Join(parts, ", ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
