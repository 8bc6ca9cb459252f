// Package confidence scores completed responses from surface features alone:
// hedging language, specificity signals, internal consistency, and factual
// grounding markers. The score drives tier escalation and low-confidence
// disclaimers; no external call is made.
package confidence

import (
	"fmt"
	"strings"

	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/textutil"
)

// Indicator weights for the final score.
const (
	weightUncertainty = 0.30
	weightSpecificity = 0.30
	weightConsistency = 0.20
	weightFactuality  = 0.20

	// DefaultEscalationThreshold is the score below which a response on a
	// non-powerful tier escalates to a stronger model.
	DefaultEscalationThreshold = 0.7
)

var hedgingTokens = []string{
	"maybe", "possibly", "might", "could", "perhaps", "likely", "probably",
	"seems", "appears", "may", "uncertain", "not sure", "unclear",
	"don't know", "cannot confirm",
}

var hedgingPhrases = []string{
	"i think", "i believe", "in my opinion", "it seems", "it appears",
	"as far as i know", "to my understanding", "from what i can tell",
}

var confidenceIndicatorTerms = []string{
	"definitely", "certainly", "absolutely", "clearly", "specifically",
	"exactly", "precisely", "confirmed", "verified",
}

var vagueTerms = []string{"thing", "stuff", "something", "anything", "everything"}

var contrastiveMarkers = []string{
	"however", "but", "although", "on the other hand", "conversely",
	"in contrast",
}

var selfCorrectionMarkers = []string{
	"actually", "rather", "correction", "more accurately",
}

var opinionMarkers = []string{
	"in my opinion", "i think", "i believe", "i feel", "personally",
}

var (
	hedgingTokenPatterns  = textutil.CompileTerms(hedgingTokens)
	hedgingPhrasePatterns = textutil.CompileTerms(hedgingPhrases)
	indicatorPatterns     = textutil.CompileTerms(confidenceIndicatorTerms)
	vaguePatterns         = textutil.CompileTerms(vagueTerms)
	contrastivePatterns   = textutil.CompileTerms(contrastiveMarkers)
	correctionPatterns    = textutil.CompileTerms(selfCorrectionMarkers)
	opinionPatterns       = textutil.CompileTerms(opinionMarkers)
)

// Evaluator computes post-hoc confidence metrics for response text. It holds
// the escalation threshold and the disclaimer bands; identical text always
// scores identically.
type Evaluator struct {
	escalationThreshold float64
	weakDisclaimerBand  float64
}

// NewEvaluator creates an evaluator from the confidence settings.
// Non-positive thresholds take the defaults.
func NewEvaluator(cfg config.ConfidenceConfig) *Evaluator {
	e := &Evaluator{
		escalationThreshold: cfg.EscalationThreshold,
		weakDisclaimerBand:  cfg.HighThreshold,
	}
	if e.escalationThreshold <= 0 {
		e.escalationThreshold = DefaultEscalationThreshold
	}
	if e.weakDisclaimerBand <= 0 {
		e.weakDisclaimerBand = domain.DefaultHighConfidence
	}
	return e
}

// Evaluate scores a response produced on the given tier. Escalation is only
// requested when a higher tier exists to escalate to.
func (e *Evaluator) Evaluate(text string, tier domain.Tier) domain.ConfidenceMetrics {
	lower := strings.ToLower(text)

	indicators := domain.ConfidenceIndicators{
		Uncertainty: uncertaintyScore(lower),
		Specificity: specificityScore(text, lower),
		Consistency: consistencyScore(lower),
		Factuality:  factualityScore(text, lower),
	}

	score := weightUncertainty*indicators.Uncertainty +
		weightSpecificity*indicators.Specificity +
		weightConsistency*indicators.Consistency +
		weightFactuality*indicators.Factuality

	return domain.ConfidenceMetrics{
		Score:              score,
		Indicators:         indicators,
		RequiresEscalation: score < e.escalationThreshold && tier != domain.TierPowerful,
		Reasoning:          describeIndicators(score, indicators),
	}
}

// Threshold returns the escalation threshold in use.
func (e *Evaluator) Threshold() float64 { return e.escalationThreshold }

// Disclaimer returns the low-confidence disclaimer to append for a score, or
// empty when none is warranted. Scores below the escalation threshold get the
// strong form; scores below the high-confidence band get the weak form.
// Disclaimers supplement the response text, never replace it.
func (e *Evaluator) Disclaimer(score float64) string {
	switch {
	case score < e.escalationThreshold:
		return "Note: this response has low confidence and may contain inaccuracies. Please verify important details independently."
	case score < e.weakDisclaimerBand:
		return "Note: parts of this response may benefit from independent verification."
	default:
		return ""
	}
}

// uncertaintyScore penalizes hedging: every hedge token costs 0.1 and every
// hedge phrase 0.2, saturating at a 0.5 penalty.
func uncertaintyScore(lower string) float64 {
	tokens := textutil.CountMatches(lower, hedgingTokenPatterns)
	phrases := textutil.CountMatches(lower, hedgingPhrasePatterns)
	penalty := 0.1 * float64(tokens+2*phrases)
	if penalty > 0.5 {
		penalty = 0.5
	}
	return 1 - penalty
}

// specificityScore rewards concrete signals over vague language.
func specificityScore(text, lower string) float64 {
	s := 0.5

	digits := 0.05 * float64(textutil.DigitRuns(text))
	if digits > 0.20 {
		digits = 0.20
	}
	s += digits

	if textutil.HasCodeBlock(text) {
		s += 0.15
	}

	citations := 0.05 * float64(textutil.CitationCount(text))
	if citations > 0.15 {
		citations = 0.15
	}
	s += citations

	s += 0.03 * float64(textutil.CountMatches(lower, indicatorPatterns))
	s -= 0.05 * float64(textutil.CountMatches(lower, vaguePatterns))

	return clamp01(s)
}

// consistencyScore penalizes heavy contrast and self-correction.
func consistencyScore(lower string) float64 {
	s := 0.8
	if textutil.CountMatches(lower, contrastivePatterns) > 3 {
		s -= 0.2
	}
	s -= 0.1 * float64(textutil.CountMatches(lower, correctionPatterns))
	return clamp01(s)
}

// factualityScore rewards citations and numeric grounding, penalizes
// opinion.
func factualityScore(text, lower string) float64 {
	s := 0.5

	citations := 0.1 * float64(textutil.CitationCount(text))
	if citations > 0.3 {
		citations = 0.3
	}
	s += citations

	numbers := 0.05 * float64(textutil.DigitRuns(text))
	if numbers > 0.2 {
		numbers = 0.2
	}
	s += numbers

	s -= 0.1 * float64(textutil.CountMatches(lower, opinionPatterns))

	return clamp01(s)
}

func describeIndicators(score float64, ind domain.ConfidenceIndicators) string {
	return fmt.Sprintf("confidence %.2f (uncertainty %.2f, specificity %.2f, consistency %.2f, factuality %.2f)",
		score, ind.Uncertainty, ind.Specificity, ind.Consistency, ind.Factuality)
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
