package routing

import (
	"math"
	"reflect"
	"testing"

	"conductor/internal/domain"
)

func testRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	models := []domain.ModelConfig{
		{
			Tier: domain.TierFast, Backend: domain.BackendAnthropic, ModelID: "haiku",
			InputCostPer1M: 0.80, OutputCostPer1M: 4.00,
			Capabilities: []domain.Capability{domain.CapabilityText, domain.CapabilityCode},
		},
		{
			Tier: domain.TierFast, Backend: domain.BackendOpenAI, ModelID: "mini",
			InputCostPer1M: 0.15, OutputCostPer1M: 0.60,
			Capabilities: []domain.Capability{domain.CapabilityText, domain.CapabilityVision},
		},
		{
			Tier: domain.TierBalanced, Backend: domain.BackendBedrock, ModelID: "nova-pro",
			InputCostPer1M: 0.80, OutputCostPer1M: 3.20,
			Capabilities: []domain.Capability{domain.CapabilityText, domain.CapabilityVision},
		},
		{
			Tier: domain.TierBalanced, Backend: domain.BackendAnthropic, ModelID: "sonnet",
			InputCostPer1M: 3.00, OutputCostPer1M: 15.00,
			Capabilities: []domain.Capability{domain.CapabilityText, domain.CapabilityCode, domain.CapabilityCreative},
		},
		{
			Tier: domain.TierPowerful, Backend: domain.BackendOpenAI, ModelID: "gpt-large",
			InputCostPer1M: 2.00, OutputCostPer1M: 8.00,
			Capabilities: []domain.Capability{domain.CapabilityText},
		},
		{
			Tier: domain.TierPowerful, Backend: domain.BackendAnthropic, ModelID: "opus",
			InputCostPer1M: 15.00, OutputCostPer1M: 75.00,
			Capabilities: []domain.Capability{domain.CapabilityText, domain.CapabilityCode, domain.CapabilityExpert},
		},
	}
	reg, err := domain.NewRegistry(models, nil)
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	return reg
}

func testRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	if opts.AvgInputTokens == 0 {
		opts.AvgInputTokens = 1500
	}
	if opts.AvgOutputTokens == 0 {
		opts.AvgOutputTokens = 500
	}
	return NewRouter(testRegistry(t), NewAnalyzer(), opts, nil, nil)
}

const (
	simpleQuery   = "What is 2+2?"
	moderateQuery = "Explain how garbage collection works in Go, then compare it with reference counting"
	complexQuery  = "Explain how the Kubernetes scheduler and the container runtime interact, then walk through a node failure."
	hardQuery     = "First analyze the Kubernetes architecture and Docker deployment, then explain how the database schema, cache, and encryption layers interact, and finally maybe walk through everything about the API, because something might be wrong? How? Why? What should we check?"
)

func TestRoutePolicyTable(t *testing.T) {
	r := testRouter(t, Options{})

	tests := []struct {
		name      string
		query     domain.Query
		wantModel string
		wantTier  domain.Tier
	}{
		{
			name:      "vision routes to fast vision model",
			query:     domain.Query{Text: "What do you see in this image?"},
			wantModel: "mini",
			wantTier:  domain.TierFast,
		},
		{
			name:      "vision wins over complexity",
			query:     domain.Query{Text: "Analyze the architecture diagram and explain how the Kubernetes scheduler, the database, and the cache interact"},
			wantModel: "mini",
			wantTier:  domain.TierFast,
		},
		{
			name:      "simple routes to fast tier",
			query:     domain.Query{Text: simpleQuery},
			wantModel: "haiku",
			wantTier:  domain.TierFast,
		},
		{
			name:      "simple with code hint routes to fast code model",
			query:     domain.Query{Text: simpleQuery, Hints: domain.Hints{RequiresCodeGen: true}},
			wantModel: "haiku",
			wantTier:  domain.TierFast,
		},
		{
			name:      "moderate routes to balanced tier",
			query:     domain.Query{Text: moderateQuery},
			wantModel: "nova-pro",
			wantTier:  domain.TierBalanced,
		},
		{
			name:      "creative strategy request routes to balanced tier",
			query:     domain.Query{Text: "Create a comprehensive marketing strategy for a new SaaS product targeting enterprise clients."},
			wantModel: "nova-pro",
			wantTier:  domain.TierBalanced,
		},
		{
			name:      "moderate with code hint routes to balanced code model",
			query:     domain.Query{Text: moderateQuery, Hints: domain.Hints{RequiresCodeGen: true}},
			wantModel: "sonnet",
			wantTier:  domain.TierBalanced,
		},
		{
			name:      "complex routes to powerful tier",
			query:     domain.Query{Text: complexQuery},
			wantModel: "gpt-large",
			wantTier:  domain.TierPowerful,
		},
		{
			name:      "highly complex routes to powerful expert model",
			query:     domain.Query{Text: hardQuery},
			wantModel: "opus",
			wantTier:  domain.TierPowerful,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := r.Route(tt.query)
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}
			if decision.Model.ModelID != tt.wantModel {
				t.Errorf("Expected model %s, got %s (%s)", tt.wantModel, decision.Model.ModelID, decision.Reasoning)
			}
			if decision.Model.Tier != tt.wantTier {
				t.Errorf("Expected tier %s, got %s", tt.wantTier, decision.Model.Tier)
			}
		})
	}
}

func TestRoutePreferCheap(t *testing.T) {
	t.Run("config demotes complex to balanced", func(t *testing.T) {
		r := testRouter(t, Options{PreferCheaperModels: true})
		decision, err := r.Route(domain.Query{Text: complexQuery})
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if decision.Model.Tier != domain.TierBalanced {
			t.Errorf("Expected balanced tier after demotion, got %s", decision.Model.Tier)
		}
	})

	t.Run("hint demotes balanced to fast", func(t *testing.T) {
		r := testRouter(t, Options{})
		decision, err := r.Route(domain.Query{Text: moderateQuery, Hints: domain.Hints{PreferCheap: true}})
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if decision.Model.Tier != domain.TierFast {
			t.Errorf("Expected fast tier after demotion, got %s", decision.Model.Tier)
		}
	})

	t.Run("demotion keeps code capability", func(t *testing.T) {
		r := testRouter(t, Options{PreferCheaperModels: true})
		decision, err := r.Route(domain.Query{Text: moderateQuery, Hints: domain.Hints{RequiresCodeGen: true}})
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if !decision.Model.HasCapability(domain.CapabilityCode) {
			t.Errorf("Expected code-capable model after demotion, got %s", decision.Model.ModelID)
		}
		if decision.Model.Tier != domain.TierFast {
			t.Errorf("Expected fast tier after demotion, got %s", decision.Model.Tier)
		}
	})

	t.Run("fast stays fast", func(t *testing.T) {
		r := testRouter(t, Options{PreferCheaperModels: true})
		decision, err := r.Route(domain.Query{Text: simpleQuery})
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if decision.Model.ModelID != "haiku" {
			t.Errorf("Expected haiku, got %s", decision.Model.ModelID)
		}
	})
}

func TestFallbackChain(t *testing.T) {
	r := testRouter(t, Options{})

	t.Run("fast primary gets sibling then escalation ladder", func(t *testing.T) {
		decision, err := r.Route(domain.Query{Text: simpleQuery})
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		want := []string{"mini", "nova-pro", "gpt-large"}
		got := chainIDs(decision.FallbackChain)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Expected chain %v, got %v", want, got)
		}
	})

	t.Run("powerful primary falls back to other powerful", func(t *testing.T) {
		decision, err := r.Route(domain.Query{Text: hardQuery})
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		want := []string{"gpt-large"}
		got := chainIDs(decision.FallbackChain)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Expected chain %v, got %v", want, got)
		}
	})

	t.Run("chain never contains primary or duplicates", func(t *testing.T) {
		queries := []string{simpleQuery, moderateQuery, complexQuery, hardQuery, "What do you see in this image?"}
		for _, text := range queries {
			decision, err := r.Route(domain.Query{Text: text})
			if err != nil {
				t.Fatalf("Route %q failed: %v", text, err)
			}
			if len(decision.FallbackChain) == 0 {
				t.Errorf("Query %q: empty fallback chain", text)
			}
			seen := map[string]bool{}
			for _, m := range decision.FallbackChain {
				if m.ModelID == decision.Model.ModelID {
					t.Errorf("Query %q: chain contains primary %s", text, m.ModelID)
				}
				if seen[m.ModelID] {
					t.Errorf("Query %q: duplicate %s in chain", text, m.ModelID)
				}
				seen[m.ModelID] = true
			}
		}
	})
}

func TestRouteIsPure(t *testing.T) {
	r := testRouter(t, Options{})
	q := domain.Query{Text: moderateQuery, Hints: domain.Hints{RequiresCodeGen: true}}

	first, err := r.Route(q)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Route(q)
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Run %d differed: %+v vs %+v", i, again, first)
		}
	}
}

func TestEstimatedCost(t *testing.T) {
	r := testRouter(t, Options{AvgInputTokens: 1500, AvgOutputTokens: 500})

	decision, err := r.Route(domain.Query{Text: simpleQuery})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	// haiku: 1500 input tokens at $0.80/1M plus 500 output tokens at $4.00/1M.
	want := 1500.0/1e6*0.80 + 500.0/1e6*4.00
	if math.Abs(decision.EstimatedCost-want) > 1e-9 {
		t.Errorf("Expected cost %v, got %v", want, decision.EstimatedCost)
	}
}

func chainIDs(chain []domain.ModelConfig) []string {
	ids := make([]string, 0, len(chain))
	for _, m := range chain {
		ids = append(ids, m.ModelID)
	}
	return ids
}
