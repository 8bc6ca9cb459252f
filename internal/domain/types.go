// Package domain defines core domain types for the conductor query orchestrator.
package domain

import (
	"context"
	"strings"
	"time"
)

// =============================================================================
// Backend Types
// =============================================================================

// Backend identifies one of the generative backends the orchestrator can call.
type Backend string

const (
	BackendAnthropic Backend = "anthropic"
	BackendOpenAI    Backend = "openai"
	BackendBedrock   Backend = "bedrock"
)

// Backends lists every supported backend in registry order.
func Backends() []Backend {
	return []Backend{BackendAnthropic, BackendOpenAI, BackendBedrock}
}

// ParseBackend parses a backend string, accepting common aliases.
func ParseBackend(s string) (Backend, bool) {
	switch s {
	case "anthropic", "claude":
		return BackendAnthropic, true
	case "openai", "gpt":
		return BackendOpenAI, true
	case "bedrock", "aws", "aws-bedrock":
		return BackendBedrock, true
	}
	return "", false
}

// Tier is a capability/cost band spanning one or more models.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierPowerful Tier = "powerful"
)

// Tiers lists every tier from cheapest to most capable.
func Tiers() []Tier {
	return []Tier{TierFast, TierBalanced, TierPowerful}
}

// ParseTier parses a tier string.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "fast":
		return TierFast, true
	case "balanced":
		return TierBalanced, true
	case "powerful":
		return TierPowerful, true
	}
	return "", false
}

// Rank orders tiers from cheapest (0) to most capable (2). Unknown tiers rank
// below fast.
func (t Tier) Rank() int {
	switch t {
	case TierFast:
		return 0
	case TierBalanced:
		return 1
	case TierPowerful:
		return 2
	}
	return -1
}

// Capability tags what a model can do beyond plain text completion.
type Capability string

const (
	CapabilityText     Capability = "text"
	CapabilityCode     Capability = "code"
	CapabilityVision   Capability = "vision"
	CapabilityCreative Capability = "creative"
	CapabilityExpert   Capability = "expert"
)

// ModelConfig describes one model in the process-wide registry. The registry
// is immutable after construction; ModelConfig values are copied, never
// shared.
type ModelConfig struct {
	Tier                Tier
	Backend             Backend
	ModelID             string
	MaxTokens           int
	InputCostPer1M      float64
	OutputCostPer1M     float64
	AvgLatencyMs        int
	Capabilities        []Capability
	SupportsPromptCache bool
}

// HasCapability reports whether the model carries the given capability tag.
func (m ModelConfig) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// =============================================================================
// Request Types
// =============================================================================

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation. History keeps insertion order,
// oldest first; the ordering is semantically significant.
type Message struct {
	Role    Role
	Content string
}

// Hints carry caller-provided routing preferences.
type Hints struct {
	RequiresCodeGen bool
	RequiresVision  bool
	PreferCheap     bool
}

// Query is the immutable input record for one orchestrated request.
type Query struct {
	Text      string
	TenantID  string
	SessionID string
	History   []Message
	Hints     Hints
}

// LastUserMessage returns the most recent user turn: the query text itself,
// or the latest user entry in history when the text is blank.
func (q Query) LastUserMessage() string {
	if strings.TrimSpace(q.Text) != "" {
		return q.Text
	}
	for i := len(q.History) - 1; i >= 0; i-- {
		if q.History[i].Role == RoleUser {
			return q.History[i].Content
		}
	}
	return q.Text
}

// Request is the orchestrator entrypoint: a query plus generation options.
// Zero-valued options take the documented defaults at dispatch time.
type Request struct {
	Query         Query
	Temperature   float64 // default 0.7
	MaxTokens     int     // default 2048
	EnableCaching bool
}

// CompletionRequest is the provider-facing request after routing: the model
// is already selected and the system prompt, if any, has been separated out.
type CompletionRequest struct {
	ModelID       string
	TenantID      string
	RequestID     string
	Messages      []Message
	System        string
	Temperature   float64
	MaxTokens     int
	EnableCaching bool
}

// =============================================================================
// Complexity Types
// =============================================================================

// ComplexityLevel classifies a query into one of three bands.
type ComplexityLevel string

const (
	ComplexitySimple   ComplexityLevel = "simple"
	ComplexityModerate ComplexityLevel = "moderate"
	ComplexityComplex  ComplexityLevel = "complex"
)

// LevelForScore maps a score to its level: <0.3 simple, <0.6 moderate, else
// complex.
func LevelForScore(score float64) ComplexityLevel {
	switch {
	case score < 0.3:
		return ComplexitySimple
	case score < 0.6:
		return ComplexityModerate
	default:
		return ComplexityComplex
	}
}

// ComplexityFactors are the five normalized [0,1] inputs to the weighted
// score.
type ComplexityFactors struct {
	EntityCount    float64
	Depth          float64
	Specificity    float64
	TechnicalTerms float64
	Ambiguity      float64
}

// ComplexityScore is the analyzer output. Level is always derived from Score
// via the fixed thresholds.
type ComplexityScore struct {
	Level     ComplexityLevel
	Score     float64
	Factors   ComplexityFactors
	Reasoning string
}

// =============================================================================
// Routing Types
// =============================================================================

// RoutingDecision is the router output: the selected model, an ordered
// fallback chain, and bookkeeping for observability. The chain never contains
// the primary and has no duplicates.
type RoutingDecision struct {
	Model         ModelConfig
	Reasoning     string
	EstimatedCost float64
	FallbackChain []ModelConfig
}

// =============================================================================
// Completion Types
// =============================================================================

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishToolCalls     FinishReason = "tool-calls"
)

// Usage carries token accounting for one completion. InputTokens counts
// regular-rate input only; cache reads and writes are tracked separately and
// priced per the cache economics.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
}

// CompletionResult is the terminal value of a completion, streamed or not.
type CompletionResult struct {
	Content      string
	Backend      Backend
	ModelID      string
	FinishReason FinishReason
	Usage        Usage
	Metadata     map[string]string
}

// SetMetadata attaches a key-value pair, allocating the map on first use.
func (r *CompletionResult) SetMetadata(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// =============================================================================
// Confidence Types
// =============================================================================

// ConfidenceIndicators are the four heuristic sub-scores, each in [0,1].
type ConfidenceIndicators struct {
	Uncertainty float64
	Specificity float64
	Consistency float64
	Factuality  float64
}

// ConfidenceMetrics is the post-hoc confidence evaluation of a response text.
type ConfidenceMetrics struct {
	Score              float64
	Indicators         ConfidenceIndicators
	RequiresEscalation bool
	Reasoning          string
}

// =============================================================================
// CRAG Types
// =============================================================================

// ConfidenceLevel bands a CRAG evaluation confidence.
type ConfidenceLevel string

const (
	ConfidenceHigh    ConfidenceLevel = "high"
	ConfidenceMedium  ConfidenceLevel = "medium"
	ConfidenceLow     ConfidenceLevel = "low"
	ConfidenceVeryLow ConfidenceLevel = "very-low"
)

// Default confidence band floors.
const (
	DefaultHighConfidence   = 0.8
	DefaultMediumConfidence = 0.6
	DefaultLowConfidence    = 0.4
)

// LevelForConfidence bands a confidence value with the given floors.
// Non-positive floors take the defaults: >=0.8 high, >=0.6 medium, >=0.4 low,
// else very-low.
func LevelForConfidence(confidence, high, medium, low float64) ConfidenceLevel {
	if high <= 0 {
		high = DefaultHighConfidence
	}
	if medium <= 0 {
		medium = DefaultMediumConfidence
	}
	if low <= 0 {
		low = DefaultLowConfidence
	}
	switch {
	case confidence >= high:
		return ConfidenceHigh
	case confidence >= medium:
		return ConfidenceMedium
	case confidence >= low:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

// ReasoningType classifies how a query must be answered.
type ReasoningType string

const (
	ReasoningSingleHop   ReasoningType = "single-hop"
	ReasoningMultiHop    ReasoningType = "multi-hop"
	ReasoningComparative ReasoningType = "comparative"
	ReasoningTemporal    ReasoningType = "temporal"
	ReasoningCausal      ReasoningType = "causal"
	ReasoningAggregative ReasoningType = "aggregative"
)

// RefinementStrategy names one query rewriting tactic.
type RefinementStrategy string

const (
	StrategyDecomposition     RefinementStrategy = "decomposition"
	StrategyClarification     RefinementStrategy = "clarification"
	StrategyExpansion         RefinementStrategy = "expansion"
	StrategySimplification    RefinementStrategy = "simplification"
	StrategyContextualization RefinementStrategy = "contextualization"
	StrategyCorrection        RefinementStrategy = "correction"
)

// IssueType names a defect the evaluator found in a query.
type IssueType string

const (
	IssueAmbiguous IssueType = "ambiguous"
	IssueTooBroad  IssueType = "too-broad"
	IssueTooNarrow IssueType = "too-narrow"
	IssueMalformed IssueType = "malformed"
)

// IssueSeverity grades an issue.
type IssueSeverity string

const (
	SeverityHigh   IssueSeverity = "high"
	SeverityMedium IssueSeverity = "medium"
	SeverityLow    IssueSeverity = "low"
)

// Issue is one defect found during query evaluation.
type Issue struct {
	Type     IssueType
	Severity IssueSeverity
}

// CRAGEvaluation is the first-phase verdict on a query before synthesis.
type CRAGEvaluation struct {
	QueryID           string
	OriginalQuery     string
	Confidence        float64
	ConfidenceLevel   ConfidenceLevel
	ShouldRefine      bool
	ShouldUseMultiHop bool
	ReasoningType     ReasoningType
	Issues            []Issue
	Recommendations   []RefinementStrategy
}

// Refinement records one query rewrite.
type Refinement struct {
	Original     string
	Refined      string
	Strategy     RefinementStrategy
	SubQueries   []string
	AddedContext string
	Confidence   float64
	Reasoning    string
}

// ReasoningStep is one hop of a multi-hop reasoning run. Steps are strictly
// sequential and numbered from 1.
type ReasoningStep struct {
	StepNumber         int
	Query              string
	RetrievedDocs      []Chunk
	IntermediateAnswer string
	Confidence         float64
	Reasoning          string
}

// =============================================================================
// Retrieval Types
// =============================================================================

// Chunk is a retrieved passage paired with its relevance score. Chunks are
// immutable after return from the retriever.
type Chunk struct {
	ID       string
	Text     string
	Score    float64
	Source   string
	Metadata map[string]string
}

// RetrievalResult is the adapter output: chunks ordered by score descending
// plus the assembled context string.
type RetrievalResult struct {
	Chunks    []Chunk
	Total     int
	Context   string
	ElapsedMs int64
}

// Retriever is the collaborator contract for passage retrieval. The returned
// ordering must be monotone non-increasing in Score.
type Retriever interface {
	Query(ctx context.Context, tenantID, text string, topK int) ([]Chunk, error)
}

// =============================================================================
// Cache Statistics
// =============================================================================

// CacheStats accumulates per-tenant prompt-cache counters.
// Invariants: Hits+Misses == TotalRequests; HitRate == Hits/max(1, TotalRequests).
type CacheStats struct {
	TotalRequests     int64
	Hits              int64
	Misses            int64
	HitRate           float64
	TotalCachedTokens int64
	TotalSavingsUSD   float64
}

// =============================================================================
// Quality Types
// =============================================================================

// QualityRecommendation is the gate verdict on a response.
type QualityRecommendation string

const (
	RecommendApprove QualityRecommendation = "approve"
	RecommendFlag    QualityRecommendation = "flag_for_review"
	RecommendReject  QualityRecommendation = "reject"
)

// QualityEvidence holds the four per-item scores, each in [0,1].
type QualityEvidence struct {
	KnowledgeBase float64
	Citation      float64
	Consistency   float64
	FactCheck     float64
}

// QualityReport is the checker output for one response.
type QualityReport struct {
	Evidence        QualityEvidence
	Confidence      float64
	IsHallucination bool
	Recommendation  QualityRecommendation
	Unsupported     []string
}

// =============================================================================
// Savings Estimation
// =============================================================================

// SavingsEstimate projects the monthly cost effect of complexity routing.
type SavingsEstimate struct {
	BaselineUSD  float64
	OptimizedUSD float64
	AbsoluteUSD  float64
	Percent      float64
}

// =============================================================================
// Collaborator Contracts
// =============================================================================

// BackendClient is the per-backend completion contract. Implementations are
// shared handles, safe for concurrent use (they wrap pooled transports).
type BackendClient interface {
	// Complete performs a blocking full completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)

	// Stream starts a streaming completion. The returned channel yields
	// TextChunk events in generation order, then a UsageEvent when the dialect
	// reports usage, then exactly one terminal CompletionEvent or ErrorEvent,
	// and is closed. The goroutine behind it honors ctx cancellation.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)

	// Backend reports which backend this client talks to.
	Backend() Backend
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
