package confidence

import (
	"math"
	"strings"
	"testing"

	"conductor/internal/config"
	"conductor/internal/domain"
)

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %s %v, got %v", name, want, got)
	}
}

func TestEvaluateConfidentResponse(t *testing.T) {
	e := NewEvaluator(config.ConfidenceConfig{})
	m := e.Evaluate("The function returns 42.", domain.TierFast)

	approx(t, "uncertainty", m.Indicators.Uncertainty, 1.0)
	approx(t, "specificity", m.Indicators.Specificity, 0.55)
	approx(t, "consistency", m.Indicators.Consistency, 0.8)
	approx(t, "factuality", m.Indicators.Factuality, 0.55)
	approx(t, "score", m.Score, 0.735)

	if m.RequiresEscalation {
		t.Error("Expected no escalation above the threshold")
	}
	if !strings.Contains(m.Reasoning, "confidence 0.73") {
		t.Errorf("Expected reasoning to carry the score, got %q", m.Reasoning)
	}
}

func TestEvaluateHedgedResponse(t *testing.T) {
	e := NewEvaluator(config.ConfidenceConfig{})
	text := "I think it might possibly work, but I'm not sure."
	m := e.Evaluate(text, domain.TierFast)

	// Three hedge tokens plus one hedge phrase saturate the 0.5 penalty.
	approx(t, "uncertainty", m.Indicators.Uncertainty, 0.5)
	approx(t, "specificity", m.Indicators.Specificity, 0.5)
	approx(t, "consistency", m.Indicators.Consistency, 0.8)
	approx(t, "factuality", m.Indicators.Factuality, 0.4)
	approx(t, "score", m.Score, 0.54)

	if !m.RequiresEscalation {
		t.Error("Expected escalation below the threshold on the fast tier")
	}

	top := e.Evaluate(text, domain.TierPowerful)
	if top.RequiresEscalation {
		t.Error("Expected no escalation on the powerful tier")
	}
}

func TestEvaluateGroundedResponse(t *testing.T) {
	e := NewEvaluator(config.ConfidenceConfig{})
	text := "According to [1] and [2], the benchmark shows precisely 3 ops.\n\n```go\nfmt.Println(1)\n```"
	m := e.Evaluate(text, domain.TierBalanced)

	// Digit runs and citations both hit their caps; the code block and the
	// "precisely" indicator push specificity past 1 before clamping.
	approx(t, "specificity", m.Indicators.Specificity, 1.0)
	approx(t, "factuality", m.Indicators.Factuality, 1.0)
	approx(t, "uncertainty", m.Indicators.Uncertainty, 1.0)
	approx(t, "score", m.Score, 0.96)
}

func TestEvaluateContrastAndCorrections(t *testing.T) {
	e := NewEvaluator(config.ConfidenceConfig{})
	text := "However, the cache helps. But it costs memory. Although fast, it is complex. " +
		"In contrast, the naive path is simple. Actually, rather, both work."
	m := e.Evaluate(text, domain.TierBalanced)

	// Four contrastive markers cross the >3 bar and two self-corrections
	// each cost 0.1.
	approx(t, "consistency", m.Indicators.Consistency, 0.4)
}

func TestEvaluateVagueTerms(t *testing.T) {
	e := NewEvaluator(config.ConfidenceConfig{})
	m := e.Evaluate("Something about the thing and stuff.", domain.TierFast)

	approx(t, "specificity", m.Indicators.Specificity, 0.35)
}

func TestEvaluatorThreshold(t *testing.T) {
	if got := NewEvaluator(config.ConfidenceConfig{}).Threshold(); got != DefaultEscalationThreshold {
		t.Errorf("Expected default threshold %v, got %v", DefaultEscalationThreshold, got)
	}

	strict := NewEvaluator(config.ConfidenceConfig{EscalationThreshold: 0.9})
	m := strict.Evaluate("The function returns 42.", domain.TierFast)
	if !m.RequiresEscalation {
		t.Errorf("Expected escalation under a 0.9 threshold for score %v", m.Score)
	}
}

func TestDisclaimer(t *testing.T) {
	e := NewEvaluator(config.ConfidenceConfig{})
	tests := []struct {
		name   string
		score  float64
		strong bool
		empty  bool
	}{
		{name: "low score gets strong disclaimer", score: 0.65, strong: true},
		{name: "mid score gets weak disclaimer", score: 0.75},
		{name: "boundary 0.7 is weak", score: 0.7},
		{name: "boundary 0.8 is clean", score: 0.8, empty: true},
		{name: "high score is clean", score: 0.95, empty: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Disclaimer(tt.score)
			if tt.empty {
				if d != "" {
					t.Errorf("Expected no disclaimer, got %q", d)
				}
				return
			}
			if d == "" {
				t.Fatal("Expected a disclaimer, got none")
			}
			gotStrong := strings.Contains(d, "low confidence")
			if gotStrong != tt.strong {
				t.Errorf("Expected strong=%v, got %q", tt.strong, d)
			}
		})
	}
}

func TestDisclaimerConfiguredBands(t *testing.T) {
	e := NewEvaluator(config.ConfidenceConfig{EscalationThreshold: 0.5, HighThreshold: 0.9})

	if d := e.Disclaimer(0.45); !strings.Contains(d, "low confidence") {
		t.Errorf("Expected strong disclaimer below the escalation threshold, got %q", d)
	}
	if d := e.Disclaimer(0.6); d == "" || strings.Contains(d, "low confidence") {
		t.Errorf("Expected weak disclaimer below the high band, got %q", d)
	}
	if d := e.Disclaimer(0.95); d != "" {
		t.Errorf("Expected no disclaimer above the high band, got %q", d)
	}
}
