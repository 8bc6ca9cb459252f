package provider

import (
	"strings"

	"conductor/internal/domain"
)

// Prompt-cache economics. Cache writes are billed at a premium over the
// regular input rate and cache reads at a steep discount; both multipliers
// follow the published backend pricing.
const (
	cacheWriteMultiplier = 1.25
	cacheReadMultiplier  = 0.10

	// minCacheableTokens is the smallest estimated token count a system
	// prompt tail must reach before segmenting it is worth a cache write.
	minCacheableTokens = 1024
)

// EstimateTokens approximates the token count of a text as len/4. Good
// enough for cacheability decisions; billing uses the backend's own counts.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Segment is one section of a segmented system prompt. Cacheable segments
// are marked for the backend's cache-control slot.
type Segment struct {
	Text      string
	Cacheable bool
}

// SegmentSystemPrompt splits a system prompt into prompt-cache segments.
// The prompt must contain at least two paragraph-separated sections and the
// tail section must meet the minimum cacheable size; otherwise nil is
// returned and the caller sends the prompt unsegmented.
func SegmentSystemPrompt(system string) []Segment {
	parts := strings.Split(system, "\n\n")

	sections := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			sections = append(sections, p)
		}
	}
	if len(sections) < 2 {
		return nil
	}

	tail := sections[len(sections)-1]
	if EstimateTokens(tail) < minCacheableTokens {
		return nil
	}

	segments := make([]Segment, len(sections))
	for i, s := range sections {
		segments[i] = Segment{Text: s}
	}
	segments[len(segments)-1].Cacheable = true
	return segments
}

// CachedCost prices a completion with cache economics applied: regular input
// at the base rate, cache writes at the write premium, cache reads at the
// read discount, output at the output rate.
func CachedCost(usage domain.Usage, model domain.ModelConfig) float64 {
	in := model.InputCostPer1M
	out := model.OutputCostPer1M
	return float64(usage.InputTokens)/1e6*in +
		float64(usage.CacheWriteTokens)/1e6*in*cacheWriteMultiplier +
		float64(usage.CacheReadTokens)/1e6*in*cacheReadMultiplier +
		float64(usage.OutputTokens)/1e6*out
}

// UncachedCost prices the same completion as if every input token had been
// charged at the regular rate.
func UncachedCost(usage domain.Usage, model domain.ModelConfig) float64 {
	totalInput := usage.InputTokens + usage.CacheReadTokens + usage.CacheWriteTokens
	return float64(totalInput)/1e6*model.InputCostPer1M +
		float64(usage.OutputTokens)/1e6*model.OutputCostPer1M
}

// Savings is the amount caching saved on this completion. Negative when the
// request paid a cache-write premium without an offsetting read.
func Savings(usage domain.Usage, model domain.ModelConfig) float64 {
	return UncachedCost(usage, model) - CachedCost(usage, model)
}
