// Package routing selects a model tier for each query from its complexity
// analysis and builds the fallback chain the executor walks when the primary
// attempt fails. Routing is deterministic: health signals feed observability
// but never the decision.
package routing

import (
	"fmt"

	"conductor/internal/domain"
	"conductor/internal/telemetry"
)

// Options tune router behaviour. Zero values disable the optional features.
type Options struct {
	PreferCheaperModels bool
	LogDecisions        bool

	// Average tokens per query, used for the per-decision cost estimate.
	AvgInputTokens  int64
	AvgOutputTokens int64
}

// Router maps a query to a RoutingDecision using the fixed policy table.
// Route is a pure function of its input: equal queries yield equal decisions.
type Router struct {
	registry *domain.Registry
	analyzer *Analyzer
	opts     Options
	logger   telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewRouter creates a router over an immutable model registry.
func NewRouter(registry *domain.Registry, analyzer *Analyzer, opts Options, logger telemetry.Logger, metrics *telemetry.Metrics) *Router {
	if analyzer == nil {
		analyzer = NewAnalyzer()
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if opts.AvgInputTokens <= 0 {
		opts.AvgInputTokens = 1500
	}
	if opts.AvgOutputTokens <= 0 {
		opts.AvgOutputTokens = 500
	}
	return &Router{
		registry: registry,
		analyzer: analyzer,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// Registry exposes the model catalog the router selects from.
func (r *Router) Registry() *domain.Registry { return r.registry }

// Analyze scores the query without routing it.
func (r *Router) Analyze(q domain.Query) domain.ComplexityScore {
	return r.analyzer.Analyze(q)
}

// Route analyzes the query and applies the policy table, the prefer-cheap
// demotion, and fallback-chain construction. The returned chain never
// contains the primary, has no duplicates, and has length >= 1.
func (r *Router) Route(q domain.Query) (domain.RoutingDecision, error) {
	complexity := r.analyzer.Analyze(q)
	return r.RouteScored(q, complexity)
}

// RouteScored routes a query whose complexity has already been computed, so
// callers that need the score for other purposes analyze only once.
func (r *Router) RouteScored(q domain.Query, complexity domain.ComplexityScore) (domain.RoutingDecision, error) {
	primary, rule := r.applyPolicy(q, complexity)

	if r.opts.PreferCheaperModels || q.Hints.PreferCheap {
		if demoted, ok := r.demote(primary); ok {
			rule = rule + "; demoted one tier for cost preference"
			primary = demoted
		}
	}

	chain := r.buildFallbackChain(primary)
	if len(chain) == 0 {
		return domain.RoutingDecision{}, fmt.Errorf("routing: no fallback candidate for %s", primary.ModelID)
	}

	decision := domain.RoutingDecision{
		Model:         primary,
		Reasoning:     fmt.Sprintf("%s (%s)", rule, complexity.Reasoning),
		EstimatedCost: r.estimateCost(primary),
		FallbackChain: chain,
	}

	if r.opts.LogDecisions {
		r.logger.Info("routing decision",
			"model", primary.ModelID,
			"tier", string(primary.Tier),
			"backend", string(primary.Backend),
			"complexity", string(complexity.Level),
			"score", complexity.Score,
			"creative", RequiresCreativity(q),
			"fallbacks", len(chain),
			"estimated_cost_usd", decision.EstimatedCost,
		)
	}
	if r.metrics != nil {
		r.metrics.RecordRoutingDecision(string(primary.Tier), string(complexity.Level), complexity.Score)
	}

	return decision, nil
}

// applyPolicy walks the policy table in order and returns the selected model
// plus the rule that matched. The table is total: a simple query that needs
// code generation, the one combination the ordered rows leave open, routes to
// a fast code-capable model.
func (r *Router) applyPolicy(q domain.Query, c domain.ComplexityScore) (domain.ModelConfig, string) {
	needsVision := q.Hints.RequiresVision || RequiresVision(q)
	needsCode := q.Hints.RequiresCodeGen

	switch {
	case needsVision:
		return r.pick(domain.TierFast, domain.CapabilityVision), "vision request routed to fast vision model"
	case c.Level == domain.ComplexitySimple && !needsCode:
		return r.pick(domain.TierFast, domain.CapabilityText), "simple query routed to fast tier"
	case c.Level == domain.ComplexityModerate && needsCode:
		return r.pick(domain.TierBalanced, domain.CapabilityCode), "moderate code query routed to balanced code model"
	case c.Level == domain.ComplexityModerate:
		return r.pick(domain.TierBalanced, domain.CapabilityText), "moderate query routed to balanced tier"
	case c.Level == domain.ComplexityComplex && c.Score > 0.8:
		return r.pick(domain.TierPowerful, domain.CapabilityExpert), "highly complex query routed to powerful expert model"
	case c.Level == domain.ComplexityComplex:
		return r.pick(domain.TierPowerful, domain.CapabilityText), "complex query routed to powerful tier"
	default:
		return r.pick(domain.TierFast, domain.CapabilityCode), "simple code query routed to fast code model"
	}
}

// pick returns the first registry model of the tier carrying the capability,
// falling back to the tier's first model when no candidate carries it. The
// registry guarantees every tier is populated.
func (r *Router) pick(tier domain.Tier, c domain.Capability) domain.ModelConfig {
	if candidates := r.registry.ByTierWithCapability(tier, c); len(candidates) > 0 {
		return candidates[0]
	}
	return r.registry.ByTier(tier)[0]
}

// demote moves the selection one tier down, keeping the original model when
// it is already fast. The demoted pick keeps the original's strongest
// capability so a code or vision query stays on a capable model.
func (r *Router) demote(m domain.ModelConfig) (domain.ModelConfig, bool) {
	var lower domain.Tier
	switch m.Tier {
	case domain.TierPowerful:
		lower = domain.TierBalanced
	case domain.TierBalanced:
		lower = domain.TierFast
	default:
		return m, false
	}

	for _, c := range []domain.Capability{domain.CapabilityVision, domain.CapabilityCode} {
		if m.HasCapability(c) {
			if candidates := r.registry.ByTierWithCapability(lower, c); len(candidates) > 0 {
				return candidates[0], true
			}
		}
	}
	return r.registry.ByTier(lower)[0], true
}

// buildFallbackChain constructs the ordered fallback list: a same-tier
// alternative on a different backend first, then the tier escalation ladder,
// with the primary and duplicates removed. When the ladder produces nothing,
// which can happen for a powerful primary in a sparse catalog, the chain
// falls back to the best non-primary model so it is never empty.
func (r *Router) buildFallbackChain(primary domain.ModelConfig) []domain.ModelConfig {
	var chain []domain.ModelConfig
	seen := map[string]bool{primary.ModelID: true}

	add := func(m domain.ModelConfig, ok bool) {
		if !ok || seen[m.ModelID] {
			return
		}
		seen[m.ModelID] = true
		chain = append(chain, m)
	}

	// Same tier, different backend.
	for _, m := range r.registry.ByTier(primary.Tier) {
		if m.Backend != primary.Backend {
			add(m, true)
			break
		}
	}

	// Tier escalation ladder.
	switch primary.Tier {
	case domain.TierFast:
		add(r.tierDefault(domain.TierBalanced))
		add(r.tierDefault(domain.TierPowerful))
	case domain.TierBalanced:
		add(r.tierDefault(domain.TierPowerful))
		add(r.tierExpert(domain.TierPowerful))
	case domain.TierPowerful:
		for _, m := range r.registry.ByTier(domain.TierPowerful) {
			add(m, true)
		}
	}

	if len(chain) == 0 {
		for _, tier := range []domain.Tier{domain.TierPowerful, domain.TierBalanced, domain.TierFast} {
			for _, m := range r.registry.ByTier(tier) {
				add(m, true)
			}
			if len(chain) > 0 {
				break
			}
		}
	}

	return chain
}

// tierDefault returns the tier's first registry model.
func (r *Router) tierDefault(tier domain.Tier) (domain.ModelConfig, bool) {
	models := r.registry.ByTier(tier)
	if len(models) == 0 {
		return domain.ModelConfig{}, false
	}
	return models[0], true
}

// tierExpert returns the tier's first expert-capable model.
func (r *Router) tierExpert(tier domain.Tier) (domain.ModelConfig, bool) {
	models := r.registry.ByTierWithCapability(tier, domain.CapabilityExpert)
	if len(models) == 0 {
		return domain.ModelConfig{}, false
	}
	return models[0], true
}

// estimateCost prices the configured average query against the model's rates.
func (r *Router) estimateCost(m domain.ModelConfig) float64 {
	in := float64(r.opts.AvgInputTokens) / 1e6 * m.InputCostPer1M
	out := float64(r.opts.AvgOutputTokens) / 1e6 * m.OutputCostPer1M
	return in + out
}
