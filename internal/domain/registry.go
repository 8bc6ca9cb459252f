package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Registry is the process-wide immutable model catalog, keyed by model ID.
// It is constructed once at startup and never mutated afterwards, so reads
// need no synchronization. Iteration order is insertion order, which makes
// every registry-order tie-break deterministic.
type Registry struct {
	byID    map[string]ModelConfig
	order   []string
	aliases map[string]string
}

// NewRegistry validates and freezes a model catalog. It requires at least one
// model per tier, at least one vision-capable fast model, unique model IDs,
// and positive cost rates.
func NewRegistry(models []ModelConfig, aliases map[string]string) (*Registry, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("registry: no models configured")
	}

	r := &Registry{
		byID:    make(map[string]ModelConfig, len(models)),
		order:   make([]string, 0, len(models)),
		aliases: make(map[string]string, len(aliases)),
	}

	var errs []string
	tiersSeen := map[Tier]bool{}
	fastVision := false

	for _, m := range models {
		if m.ModelID == "" {
			errs = append(errs, "model with empty id")
			continue
		}
		if _, dup := r.byID[m.ModelID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate model id %q", m.ModelID))
			continue
		}
		if m.Tier.Rank() < 0 {
			errs = append(errs, fmt.Sprintf("model %q: unknown tier %q", m.ModelID, m.Tier))
		}
		if m.InputCostPer1M <= 0 || m.OutputCostPer1M <= 0 {
			errs = append(errs, fmt.Sprintf("model %q: non-positive cost rates", m.ModelID))
		}
		if m.MaxTokens <= 0 {
			m.MaxTokens = 4096
		}
		if len(m.Capabilities) == 0 {
			m.Capabilities = []Capability{CapabilityText}
		}
		tiersSeen[m.Tier] = true
		if m.Tier == TierFast && m.HasCapability(CapabilityVision) {
			fastVision = true
		}
		r.byID[m.ModelID] = m
		r.order = append(r.order, m.ModelID)
	}

	for _, tier := range []Tier{TierFast, TierBalanced, TierPowerful} {
		if !tiersSeen[tier] {
			errs = append(errs, fmt.Sprintf("no model configured for tier %q", tier))
		}
	}
	if !fastVision {
		errs = append(errs, "no vision-capable fast-tier model configured")
	}

	for alias, target := range aliases {
		if _, ok := r.byID[target]; !ok {
			errs = append(errs, fmt.Sprintf("alias %q points at unknown model %q", alias, target))
			continue
		}
		r.aliases[alias] = target
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, fmt.Errorf("registry: %s", strings.Join(errs, "; "))
	}
	return r, nil
}

// Resolve maps an alias or model ID to its canonical model ID.
func (r *Registry) Resolve(id string) string {
	if target, ok := r.aliases[id]; ok {
		return target
	}
	return id
}

// Get looks up a model by ID or alias.
func (r *Registry) Get(id string) (ModelConfig, bool) {
	m, ok := r.byID[r.Resolve(id)]
	return m, ok
}

// All returns every model in insertion order. The slice is a fresh copy.
func (r *Registry) All() []ModelConfig {
	out := make([]ModelConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ByTier returns the models of one tier in insertion order.
func (r *Registry) ByTier(tier Tier) []ModelConfig {
	var out []ModelConfig
	for _, id := range r.order {
		if m := r.byID[id]; m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// ByTierWithCapability returns the models of one tier carrying a capability,
// in insertion order.
func (r *Registry) ByTierWithCapability(tier Tier, c Capability) []ModelConfig {
	var out []ModelConfig
	for _, id := range r.order {
		if m := r.byID[id]; m.Tier == tier && m.HasCapability(c) {
			out = append(out, m)
		}
	}
	return out
}

// Len reports the number of registered models.
func (r *Registry) Len() int { return len(r.order) }
