package crag

import (
	"fmt"
	"regexp"
	"strings"

	"conductor/internal/domain"
	"conductor/internal/textutil"
)

// historyDigestLimit caps how much of a prior turn contextualization folds
// into AddedContext.
const historyDigestLimit = 240

// subjectWordLimit caps how many content words form the antecedent subject.
const subjectWordLimit = 4

var (
	whitespaceRuns  = regexp.MustCompile(`\s+`)
	punctuationRuns = regexp.MustCompile(`([?!.,])[?!.,]+`)
	parentheticals  = regexp.MustCompile(`\([^)]*\)`)
	pronounTokens   = regexp.MustCompile(`(?i)\b(?:it|this|that|they|them|these|those)\b`)
	clauseSplitter  = regexp.MustCompile(`(?i)\s+(?:and then|and also|and|then|also|as well as)\s+|\s*[;,]\s*`)
)

// fillerLeadIns are polite wrappers stripped by simplification.
var fillerLeadIns = []string{
	"please ", "can you ", "could you ", "would you ",
	"i would like to know ", "i want to know ", "i was wondering ",
	"tell me ", "help me understand ",
}

// abbreviations expanded by the expansion strategy. Keys must be lowercase.
var abbreviations = map[string]string{
	"k8s":    "kubernetes",
	"db":     "database",
	"auth":   "authentication",
	"repo":   "repository",
	"config": "configuration",
	"env":    "environment",
	"perf":   "performance",
	"infra":  "infrastructure",
	"docs":   "documentation",
	"prod":   "production",
	"dist":   "distributed",
	"msg":    "message",
}

var abbreviationPattern = compileAbbreviations()

func compileAbbreviations() *regexp.Regexp {
	keys := make([]string, 0, len(abbreviations))
	for k := range abbreviations {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(keys, "|") + `)\b`)
}

// rewrite is the output of one strategy application.
type rewrite struct {
	text         string
	subQueries   []string
	addedContext string
	note         string
}

// Refiner rewrites low-confidence queries before retrieval. Strategies are
// applied in the evaluator's recommended order; every applied rewrite is
// re-evaluated, and the loop stops once confidence improves past the medium
// threshold or over the pre-refinement baseline.
type Refiner struct {
	evaluator   *Evaluator
	maxAttempts int
}

// NewRefiner creates a refiner that applies at most maxAttempts rewrites.
func NewRefiner(evaluator *Evaluator, maxAttempts int) *Refiner {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Refiner{evaluator: evaluator, maxAttempts: maxAttempts}
}

// Refine applies the recommended strategies to the evaluated query. Rewrites
// compose: each applied strategy operates on the previous result. The
// returned Refinement is the best rewrite seen; when no strategy applies it
// echoes the original with the baseline confidence.
func (r *Refiner) Refine(q domain.Query, eval domain.CRAGEvaluation) domain.Refinement {
	original := eval.OriginalQuery
	if original == "" {
		original = strings.TrimSpace(q.LastUserMessage())
	}

	strategies := eval.Recommendations
	if len(strategies) == 0 {
		strategies = strategyPriority
	}

	best := domain.Refinement{
		Original:   original,
		Refined:    original,
		Confidence: eval.Confidence,
		Reasoning:  "no applicable strategy, query unchanged",
	}

	current := original
	attempts := 0
	for _, strategy := range strategies {
		if attempts >= r.maxAttempts {
			break
		}
		rw, applied := r.apply(strategy, current, q)
		if !applied {
			continue
		}
		attempts++
		current = rw.text

		confidence := r.reEvaluate(rw, q)
		candidate := domain.Refinement{
			Original:     original,
			Refined:      rw.text,
			Strategy:     strategy,
			SubQueries:   rw.subQueries,
			AddedContext: rw.addedContext,
			Confidence:   confidence,
			Reasoning: fmt.Sprintf("%s: %q -> %q (confidence %.2f -> %.2f)",
				strategy, original, rw.text, eval.Confidence, confidence),
		}
		if confidence >= best.Confidence {
			best = candidate
		}
		if confidence > eval.Confidence || confidence >= r.evaluator.medium {
			break
		}
	}

	return best
}

// reEvaluate scores a rewrite. Context added by a strategy counts toward the
// score since it resolves references the bare text cannot.
func (r *Refiner) reEvaluate(rw rewrite, q domain.Query) float64 {
	probe := rw.text
	if rw.addedContext != "" {
		probe = probe + " " + rw.addedContext
	}
	verdict := r.evaluator.Evaluate(domain.Query{
		Text:     probe,
		TenantID: q.TenantID,
	})
	return verdict.Confidence
}

// apply dispatches one strategy. The bool reports whether the strategy was
// applicable and actually changed something.
func (r *Refiner) apply(strategy domain.RefinementStrategy, text string, q domain.Query) (rewrite, bool) {
	switch strategy {
	case domain.StrategyCorrection:
		return applyCorrection(text)
	case domain.StrategyClarification:
		return applyClarification(text, q.History)
	case domain.StrategyDecomposition:
		return applyDecomposition(text)
	case domain.StrategySimplification:
		return applySimplification(text)
	case domain.StrategyExpansion:
		return applyExpansion(text)
	case domain.StrategyContextualization:
		return applyContextualization(text, q.History)
	}
	return rewrite{}, false
}

// applyCorrection repairs surface defects: whitespace runs, stuttered
// punctuation, stray leading/trailing separators.
func applyCorrection(text string) (rewrite, bool) {
	fixed := whitespaceRuns.ReplaceAllString(text, " ")
	fixed = punctuationRuns.ReplaceAllString(fixed, "$1")
	fixed = strings.Trim(fixed, " ,;")
	if fixed == text || fixed == "" {
		return rewrite{}, false
	}
	return rewrite{text: fixed, note: "normalized punctuation and spacing"}, true
}

// applyClarification binds dangling pronouns to the dominant subject of the
// most recent conversation turn. Without a usable antecedent the strategy is
// not applicable.
func applyClarification(text string, history []domain.Message) (rewrite, bool) {
	subject := historySubject(history)
	if subject == "" {
		return rewrite{}, false
	}
	clarified := pronounTokens.ReplaceAllString(text, subject)
	if clarified == text {
		clarified = text + " regarding " + subject
	}
	return rewrite{text: clarified, note: "bound references to " + subject}, true
}

// applyDecomposition splits a compound query into focused sub-queries. The
// first sub-query becomes the working text; the full list feeds multi-hop
// reasoning.
func applyDecomposition(text string) (rewrite, bool) {
	parts := clauseSplitter.Split(text, -1)
	var subs []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if textutil.WordCount(part) >= 2 {
			subs = append(subs, part)
		}
	}
	if len(subs) < 2 {
		return rewrite{}, false
	}
	return rewrite{
		text:       subs[0],
		subQueries: subs,
		note:       fmt.Sprintf("split into %d sub-queries", len(subs)),
	}, true
}

// applySimplification strips polite lead-ins and parentheticals, then cuts an
// over-long query down to its first clause.
func applySimplification(text string) (rewrite, bool) {
	simplified := text
	lower := strings.ToLower(simplified)
	for _, filler := range fillerLeadIns {
		if strings.HasPrefix(lower, filler) {
			simplified = simplified[len(filler):]
			lower = strings.ToLower(simplified)
		}
	}
	simplified = parentheticals.ReplaceAllString(simplified, "")
	simplified = strings.TrimSpace(whitespaceRuns.ReplaceAllString(simplified, " "))

	if textutil.WordCount(simplified) > narrownessWordLimit {
		if parts := clauseSplitter.Split(simplified, 2); len(parts) > 1 {
			head := strings.TrimSpace(parts[0])
			if textutil.WordCount(head) >= 3 {
				simplified = head
			}
		}
	}

	if simplified == text || simplified == "" {
		return rewrite{}, false
	}
	return rewrite{text: simplified, note: "stripped filler and trailing clauses"}, true
}

// applyExpansion expands terse shorthand into full retrieval-friendly terms.
func applyExpansion(text string) (rewrite, bool) {
	expanded := abbreviationPattern.ReplaceAllStringFunc(text, func(match string) string {
		if full, ok := abbreviations[strings.ToLower(match)]; ok {
			return full
		}
		return match
	})
	if expanded == text {
		return rewrite{}, false
	}
	return rewrite{text: expanded, note: "expanded shorthand terms"}, true
}

// applyContextualization keeps the text as-is and rides the recent
// conversation along as added context for retrieval and synthesis.
func applyContextualization(text string, history []domain.Message) (rewrite, bool) {
	if len(history) == 0 {
		return rewrite{}, false
	}
	var turns []string
	start := len(history) - 2
	if start < 0 {
		start = 0
	}
	for _, msg := range history[start:] {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if runes := []rune(content); len(runes) > historyDigestLimit {
			content = string(runes[:historyDigestLimit])
		}
		turns = append(turns, string(msg.Role)+": "+content)
	}
	if len(turns) == 0 {
		return rewrite{}, false
	}
	return rewrite{
		text:         text,
		addedContext: strings.Join(turns, "\n"),
		note:         "attached recent conversation context",
	}, true
}

// historySubject extracts the dominant subject of the latest turn that has
// anchor words, newest first.
func historySubject(history []domain.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		words := anchorWords(history[i].Content)
		if len(words) == 0 {
			continue
		}
		if len(words) > subjectWordLimit {
			words = words[:subjectWordLimit]
		}
		return strings.Join(words, " ")
	}
	return ""
}
