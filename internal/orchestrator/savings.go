package orchestrator

import (
	"conductor/internal/domain"
)

// cacheReadMultiplier is the billing rate for cache-read input tokens
// relative to the regular input rate.
const cacheReadMultiplier = 0.10

// EstimateSavings projects the monthly cost effect of complexity routing.
// The baseline sends every query, uncached, to the powerful tier's default
// model; the optimized figure spreads the configured complexity mix across
// the tier defaults and applies the prompt-cache read discount at the assumed
// hit rate on cache-supporting models. Both figures price the configured
// average query.
func (s *Service) EstimateSavings(monthlyQueries int) domain.SavingsEstimate {
	if monthlyQueries <= 0 {
		return domain.SavingsEstimate{}
	}

	registry := s.router.Registry()
	powerful := registry.ByTier(domain.TierPowerful)
	if len(powerful) == 0 {
		return domain.SavingsEstimate{}
	}
	fast := tierDefaultOr(registry, domain.TierFast, powerful[0])
	balanced := tierDefaultOr(registry, domain.TierBalanced, powerful[0])

	mix := s.cfg.Savings
	n := float64(monthlyQueries)

	baseline := n * s.queryCost(powerful[0], false)
	withCache := s.cfg.Caching.Enabled
	optimized := n * (mix.SimpleShare*s.queryCost(fast, withCache) +
		mix.ModerateShare*s.queryCost(balanced, withCache) +
		mix.ComplexShare*s.queryCost(powerful[0], withCache))

	absolute := baseline - optimized
	percent := 0.0
	if baseline > 0 {
		percent = absolute / baseline * 100
	}

	return domain.SavingsEstimate{
		BaselineUSD:  baseline,
		OptimizedUSD: optimized,
		AbsoluteUSD:  absolute,
		Percent:      percent,
	}
}

// queryCost prices one average query on the model. With caching, the assumed
// share of hits bills input at the cache-read rate; misses stay at the
// regular rate. The write premium on first storage is noise at monthly scale
// and is left out.
func (s *Service) queryCost(m domain.ModelConfig, withCache bool) float64 {
	mix := s.cfg.Savings
	inRate := m.InputCostPer1M
	if withCache && m.SupportsPromptCache && mix.CacheHitRate > 0 {
		inRate *= (1 - mix.CacheHitRate) + mix.CacheHitRate*cacheReadMultiplier
	}
	in := float64(mix.AvgInputTokens) / 1e6 * inRate
	out := float64(mix.AvgOutputTokens) / 1e6 * m.OutputCostPer1M
	return in + out
}

// tierDefaultOr returns the tier's first registry model, or the fallback when
// the tier is empty.
func tierDefaultOr(registry *domain.Registry, tier domain.Tier, fallback domain.ModelConfig) domain.ModelConfig {
	if models := registry.ByTier(tier); len(models) > 0 {
		return models[0]
	}
	return fallback
}
