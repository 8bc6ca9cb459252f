package routing

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"conductor/internal/domain"
	"conductor/internal/textutil"
)

// Factor weights. The five factors are each normalized to [0,1] before
// weighting; the weighted sum is therefore also in [0,1].
const (
	weightEntityCount    = 0.30
	weightDepth          = 0.25
	weightSpecificity    = 0.20
	weightTechnicalTerms = 0.15
	weightAmbiguity      = 0.10
)

// shortCircuitScore is the fixed score assigned to simple factual queries,
// bypassing the weighted aggregation entirely.
const shortCircuitScore = 0.2

// technicalVocabulary is the closed set of single-word technical terms.
var technicalVocabulary = []string{
	"algorithm", "api", "architecture", "authentication", "backend",
	"bandwidth", "blockchain", "cache", "cloud", "compiler", "concurrency",
	"container", "cryptography", "database", "deployment", "devops",
	"docker", "encryption", "endpoint", "enterprise", "firewall",
	"framework", "frontend", "graphql", "http", "infrastructure", "json",
	"kernel", "kubernetes", "latency", "microservice", "middleware",
	"network", "oauth", "orchestration", "protocol", "query", "runtime",
	"saas", "scalability", "schema", "sdk", "serverless", "sql", "tcp",
	"telemetry", "throughput", "tls", "virtualization", "webhook",
}

// compoundTerms is the closed set of two-word technical terms.
var compoundTerms = []string{
	"machine learning", "neural network", "deep learning", "load balancer",
	"message queue", "data pipeline", "distributed system", "version control",
	"continuous integration", "continuous deployment", "dependency injection",
	"garbage collection", "rate limiting", "circuit breaker", "service mesh",
	"natural language", "operating system", "source code", "unit test",
	"pull request",
}

var multiStepIndicators = []string{
	"first", "then", "finally", "step by step", "walk through",
	"explain how", "what happens when", "because",
}

var conjunctions = []string{"and", "or", "but"}

var vagueTerms = []string{"thing", "stuff", "something", "anything", "everything"}

var specificMarkers = []string{"exactly", "specifically", "precisely", "particular"}

var hedgingTerms = []string{
	"maybe", "possibly", "might", "could", "perhaps", "not sure", "unclear",
}

var whWords = []string{"what", "when", "where", "who", "whom", "whose", "which", "why", "how"}

// visionKeywords route a query to a vision-capable model when any appears in
// the last user message.
var visionKeywords = []string{
	"image", "picture", "photo", "screenshot", "diagram", "visual",
	"see", "look at", "show me", "what's in",
}

// creativeKeywords detect open-ended generative asks that benefit from a
// creative-capable model within the chosen tier.
var creativeKeywords = []string{
	"create", "write", "draft", "compose", "design", "brainstorm",
	"imagine", "story", "poem", "slogan", "campaign", "marketing",
}

// simpleFactualPatterns short-circuit scoring: direct factual lookups,
// yes/no questions, and definition requests.
var simpleFactualPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(what|when|where|who|which)\s+(is|are|was|were)\b`),
	regexp.MustCompile(`^(is|are|was|were|am|do|does|did|can|could|will|would|should|has|have)\b`),
	regexp.MustCompile(`^define\s+\S+`),
}

var (
	technicalPatterns  = textutil.CompileTerms(technicalVocabulary)
	compoundPatterns   = textutil.CompileTerms(compoundTerms)
	multiStepPatterns  = textutil.CompileTerms(multiStepIndicators)
	conjunctionPattern = textutil.CompileTerms(conjunctions)
	vaguePatterns      = textutil.CompileTerms(vagueTerms)
	specificPatterns   = textutil.CompileTerms(specificMarkers)
	hedgingPatterns    = textutil.CompileTerms(hedgingTerms)
	whPatterns         = textutil.CompileTerms(whWords)
	visionPatterns     = textutil.CompileTerms(visionKeywords)
	creativePatterns   = textutil.CompileTerms(creativeKeywords)
)

// Analyzer scores query complexity from surface features alone. It holds no
// state; identical text always produces identical scores.
type Analyzer struct{}

// NewAnalyzer creates a complexity analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze computes the weighted complexity score for a query. Matching runs
// on the NFKC-normalized text so fullwidth and oddly spaced input scores the
// same as plain ASCII.
func (a *Analyzer) Analyze(q domain.Query) domain.ComplexityScore {
	trimmed := strings.TrimSpace(q.Text)
	lower := textutil.Normalize(q.Text)

	if matchesSimplePattern(lower) {
		return domain.ComplexityScore{
			Level:     domain.LevelForScore(shortCircuitScore),
			Score:     shortCircuitScore,
			Reasoning: "simple factual pattern, scoring short-circuited",
		}
	}

	factors := domain.ComplexityFactors{
		EntityCount:    entityCountFactor(trimmed),
		Depth:          depthFactor(lower),
		Specificity:    specificityFactor(lower),
		TechnicalTerms: technicalTermsFactor(lower),
		Ambiguity:      ambiguityFactor(lower),
	}

	score := weightEntityCount*factors.EntityCount +
		weightDepth*factors.Depth +
		weightSpecificity*factors.Specificity +
		weightTechnicalTerms*factors.TechnicalTerms +
		weightAmbiguity*factors.Ambiguity

	return domain.ComplexityScore{
		Level:     domain.LevelForScore(score),
		Score:     score,
		Factors:   factors,
		Reasoning: describeFactors(score, factors),
	}
}

// RequiresVision reports whether the last user message asks about visual
// content, or the caller hinted so.
func RequiresVision(q domain.Query) bool {
	if q.Hints.RequiresVision {
		return true
	}
	return textutil.MatchesAny(q.LastUserMessage(), visionPatterns)
}

// RequiresCreativity reports whether the query is an open-ended generative
// ask (drafting, ideation, storytelling).
func RequiresCreativity(q domain.Query) bool {
	return textutil.MatchesAny(q.Text, creativePatterns)
}

func matchesSimplePattern(lower string) bool {
	for _, p := range simpleFactualPatterns {
		if p.MatchString(lower) {
			return true
		}
	}
	return false
}

// entityCountFactor counts proper nouns (capitalized tokens longer than one
// rune), technical vocabulary hits, and compound technical terms. Clamped to
// 5 and normalized.
func entityCountFactor(text string) float64 {
	count := 0
	for _, token := range strings.Fields(text) {
		token = strings.Trim(token, `.,!?;:"'()[]{}`)
		if utf8.RuneCountInString(token) < 2 {
			continue
		}
		first, _ := utf8.DecodeRuneInString(token)
		if unicode.IsUpper(first) {
			count++
		}
	}
	count += textutil.CountMatches(text, technicalPatterns)
	count += textutil.CountMatches(text, compoundPatterns)

	return clampNorm(float64(count), 5)
}

// depthFactor sums multi-step indicators, one point per three clause
// separators (commas, semicolons, conjunctions), and one point per question
// mark beyond the first. Clamped to 5 and normalized.
func depthFactor(lower string) float64 {
	steps := textutil.CountMatches(lower, multiStepPatterns)

	separators := strings.Count(lower, ",") + strings.Count(lower, ";") +
		textutil.CountMatches(lower, conjunctionPattern)
	steps += separators / 3

	if extra := strings.Count(lower, "?") - 1; extra > 0 {
		steps += extra
	}

	return clampNorm(float64(steps), 5)
}

// specificityFactor rewards vagueness: 0.5 base, +0.20 per vague term,
// -0.10 per specific marker, -0.15 when the query contains any digit.
func specificityFactor(lower string) float64 {
	v := 0.5
	v += 0.20 * float64(textutil.CountMatches(lower, vaguePatterns))
	v -= 0.10 * float64(textutil.CountMatches(lower, specificPatterns))
	if strings.ContainsAny(lower, "0123456789") {
		v -= 0.15
	}
	return clamp01(v)
}

// technicalTermsFactor counts vocabulary and compound hits, clamped to 3.
func technicalTermsFactor(lower string) float64 {
	count := textutil.CountMatches(lower, technicalPatterns) +
		textutil.CountMatches(lower, compoundPatterns)
	return clampNorm(float64(count), 3)
}

// ambiguityFactor adds 0.15 per hedging token and 0.20 when the query piles
// up more than two WH-question words.
func ambiguityFactor(lower string) float64 {
	v := 0.15 * float64(textutil.CountMatches(lower, hedgingPatterns))
	if textutil.CountMatches(lower, whPatterns) > 2 {
		v += 0.20
	}
	return clamp01(v)
}

func describeFactors(score float64, f domain.ComplexityFactors) string {
	parts := make([]string, 0, 5)
	if f.EntityCount > 0 {
		parts = append(parts, fmt.Sprintf("entities %.2f", f.EntityCount))
	}
	if f.Depth > 0 {
		parts = append(parts, fmt.Sprintf("depth %.2f", f.Depth))
	}
	parts = append(parts, fmt.Sprintf("specificity %.2f", f.Specificity))
	if f.TechnicalTerms > 0 {
		parts = append(parts, fmt.Sprintf("technical %.2f", f.TechnicalTerms))
	}
	if f.Ambiguity > 0 {
		parts = append(parts, fmt.Sprintf("ambiguity %.2f", f.Ambiguity))
	}
	return fmt.Sprintf("weighted score %.2f (%s)", score, strings.Join(parts, ", "))
}

func clampNorm(v, max float64) float64 {
	if v > max {
		v = max
	}
	if v < 0 {
		v = 0
	}
	return v / max
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
