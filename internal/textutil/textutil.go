// Package textutil provides the shared text heuristics used by the
// complexity, confidence, quality, and CRAG components: normalization,
// tokenization, and similarity scoring. All functions are pure.
package textutil

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

var (
	wordPattern       = regexp.MustCompile(`[a-z0-9]+(?:'[a-z]+)?`)
	digitRunPattern   = regexp.MustCompile(`\d+(?:\.\d+)?`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	sentenceBoundary  = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

	citationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\[\d+\]`),
		regexp.MustCompile(`(?i)\(source:[^)]*\)`),
		regexp.MustCompile(`(?i)\baccording to\b`),
		regexp.MustCompile(`(?i)\bbased on\b`),
		regexp.MustCompile(`(?i)\bas stated in\b`),
		regexp.MustCompile(`(?i)\breferenced in\b`),
	}
)

// stopwords is the closed set excluded from content-word comparisons.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "of": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "with": true,
	"and": true, "or": true, "but": true, "it": true, "its": true,
	"this": true, "that": true, "these": true, "those": true, "as": true,
	"by": true, "from": true, "has": true, "have": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"can": true, "could": true, "should": true, "i": true, "you": true,
	"he": true, "she": true, "we": true, "they": true, "there": true,
	"their": true, "them": true, "then": true, "than": true, "so": true,
	"if": true, "not": true, "no": true,
}

// negationMarkers flag a statement as negated for contradiction detection.
var negationMarkers = []string{
	"not ", "n't ", "n't.", "never ", "no ", "cannot ", "without ",
	"isn't", "aren't", "wasn't", "weren't", "doesn't", "don't", "didn't",
	"won't", "can't", "couldn't", "shouldn't",
}

// Normalize applies NFKC compatibility normalization, lowercases, strips
// invisible characters, and collapses whitespace runs to single spaces.
func Normalize(input string) string {
	result := norm.NFKC.String(input)
	result = strings.ToLower(result)
	result = stripInvisible(result)
	result = whitespacePattern.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// stripInvisible removes zero-width and control characters that survive NFKC.
func stripInvisible(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != ' ' && r != '\t' && r != '\n' {
			continue
		}
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u200e', '\u200f', '\u2060', '\ufeff':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Tokenize splits text into lowercase word tokens.
func Tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// ContentWords returns the tokens of text with stopwords removed.
func ContentWords(text string) []string {
	tokens := Tokenize(text)
	out := tokens[:0]
	for _, tok := range tokens {
		if !stopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

// WordCount counts word tokens in text.
func WordCount(text string) int {
	return len(Tokenize(text))
}

// Sentences splits text into sentences on terminal punctuation. Leading and
// trailing whitespace is trimmed from every sentence; empty pieces are
// dropped.
func Sentences(text string) []string {
	pieces := sentenceBoundary.Split(text, -1)
	var out []string
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DeclarativeSentences returns the sentences of text that do not end in a
// question mark. Trailing text without terminal punctuation counts as a
// statement.
func DeclarativeSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		sentence := strings.TrimSpace(text[start:loc[0]])
		terminator := text[loc[0]:loc[1]]
		start = loc[1]
		if sentence == "" || strings.Contains(terminator, "?") {
			continue
		}
		out = append(out, sentence)
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

// DigitRuns counts the numeric sequences (integers or decimals) in text.
func DigitRuns(text string) int {
	return len(digitRunPattern.FindAllString(text, -1))
}

// CompileTerms builds case-insensitive word-boundary matchers, one per term.
// Multi-word terms match as phrases. Intended for package-level term sets.
func CompileTerms(terms []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(terms))
	for i, term := range terms {
		patterns[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
	}
	return patterns
}

// CountMatches sums the match counts of all patterns against text.
func CountMatches(text string, patterns []*regexp.Regexp) int {
	total := 0
	for _, p := range patterns {
		total += len(p.FindAllStringIndex(text, -1))
	}
	return total
}

// MatchesAny reports whether any pattern matches text.
func MatchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// ContainsNegation reports whether the statement carries a negation marker.
// The check pads the statement so markers match at both ends.
func ContainsNegation(statement string) bool {
	padded := " " + strings.ToLower(statement) + " "
	for _, marker := range negationMarkers {
		if strings.Contains(padded, marker) {
			return true
		}
	}
	return false
}

// OverlapFraction computes the fraction of a's distinct tokens that also
// appear in b. Returns 0 when a is empty.
func OverlapFraction(a, b []string) float64 {
	if len(a) == 0 {
		return 0
	}
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		setB[w] = true
	}
	setA := make(map[string]bool, len(a))
	matched := 0
	for _, w := range a {
		if setA[w] {
			continue
		}
		setA[w] = true
		if setB[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(setA))
}

// Jaccard computes word-level Jaccard similarity of two texts.
func Jaccard(a, b string) float64 {
	wordsA := Tokenize(a)
	wordsB := Tokenize(b)
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1.0
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0.0
	}

	setA := make(map[string]bool, len(wordsA))
	for _, w := range wordsA {
		setA[w] = true
	}
	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsB {
		setB[w] = true
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// Similarity computes Levenshtein similarity of two strings as
// 1 - distance/maxLen, in [0,1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(distance)/float64(maxLen)
}

// CitationCount counts citation-like markers: bracketed references,
// parenthesized sources, and attribution phrases.
func CitationCount(text string) int {
	n := 0
	for _, p := range citationPatterns {
		n += len(p.FindAllStringIndex(text, -1))
	}
	return n
}

// HasCodeBlock reports whether text contains a fenced code block delimiter.
func HasCodeBlock(text string) bool {
	return strings.Contains(text, "```")
}

// SharedContentFraction computes the fraction of shared distinct content
// words relative to the smaller statement. Used for contradiction candidate
// pairing.
func SharedContentFraction(a, b string) float64 {
	wordsA := ContentWords(a)
	wordsB := ContentWords(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(wordsA))
	for _, w := range wordsA {
		setA[w] = true
	}
	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsB {
		setB[w] = true
	}

	shared := 0
	for w := range setA {
		if setB[w] {
			shared++
		}
	}
	smaller := len(setA)
	if len(setB) < smaller {
		smaller = len(setB)
	}
	return float64(shared) / float64(smaller)
}
