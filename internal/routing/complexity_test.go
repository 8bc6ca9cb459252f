package routing

import (
	"testing"

	"conductor/internal/domain"
)

func TestAnalyzeShortCircuit(t *testing.T) {
	a := NewAnalyzer()

	queries := []string{
		"What is 2+2?",
		"Ｗｈａｔ ｉｓ ２＋２?",
		"When was the Eiffel Tower built?",
		"Who is the CEO of Acme?",
		"Is Go a compiled language?",
		"Does TCP guarantee ordering?",
		"Define recursion",
	}

	for _, text := range queries {
		t.Run(text, func(t *testing.T) {
			score := a.Analyze(domain.Query{Text: text})
			if score.Score != 0.2 {
				t.Errorf("Expected short-circuit score 0.2, got %v", score.Score)
			}
			if score.Level != domain.ComplexitySimple {
				t.Errorf("Expected simple level, got %s", score.Level)
			}
		})
	}
}

func TestAnalyzeLevels(t *testing.T) {
	a := NewAnalyzer()

	tests := []struct {
		name  string
		text  string
		level domain.ComplexityLevel
	}{
		{
			name:  "moderate explanation",
			text:  "Explain how garbage collection works in Go, then compare it with reference counting",
			level: domain.ComplexityModerate,
		},
		{
			name:  "moderate strategy request",
			text:  "Create a comprehensive marketing strategy for a new SaaS product targeting enterprise clients.",
			level: domain.ComplexityModerate,
		},
		{
			name:  "complex multi-part",
			text:  "Explain how the Kubernetes scheduler and the container runtime interact, then walk through a node failure.",
			level: domain.ComplexityComplex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := a.Analyze(domain.Query{Text: tt.text})
			if score.Level != tt.level {
				t.Errorf("Expected level %s, got %s (score %v)", tt.level, score.Level, score.Score)
			}
			if score.Score < 0 || score.Score > 1 {
				t.Errorf("Score %v outside [0,1]", score.Score)
			}
		})
	}
}

func TestAnalyzeScoreBounds(t *testing.T) {
	a := NewAnalyzer()

	// A grab bag of inputs that exercise every factor, including ones built
	// to saturate the clamps.
	queries := []string{
		"",
		"hi",
		"Why?",
		"Tell me something about stuff and things, maybe everything?",
		"First analyze the Kubernetes architecture and Docker deployment, then explain how the database schema, cache, and encryption layers interact, and finally maybe walk through everything about the API, because something might be wrong? How? Why? What should we check?",
		"exactly 42 specifically",
	}

	for _, text := range queries {
		score := a.Analyze(domain.Query{Text: text})
		if score.Score < 0 || score.Score > 1 {
			t.Errorf("Query %q: score %v outside [0,1]", text, score.Score)
		}
		if got := domain.LevelForScore(score.Score); got != score.Level {
			t.Errorf("Query %q: level %s inconsistent with score %v", text, score.Level, score.Score)
		}
		for _, f := range []float64{
			score.Factors.EntityCount, score.Factors.Depth, score.Factors.Specificity,
			score.Factors.TechnicalTerms, score.Factors.Ambiguity,
		} {
			if f < 0 || f > 1 {
				t.Errorf("Query %q: factor %v outside [0,1]", text, f)
			}
		}
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := NewAnalyzer()
	q := domain.Query{Text: "Explain how the Kubernetes scheduler and the container runtime interact, then walk through a node failure."}

	first := a.Analyze(q)
	for i := 0; i < 10; i++ {
		if got := a.Analyze(q); got != first {
			t.Fatalf("Run %d differed: %+v vs %+v", i, got, first)
		}
	}
}

func TestRequiresVision(t *testing.T) {
	tests := []struct {
		name string
		q    domain.Query
		want bool
	}{
		{"image keyword", domain.Query{Text: "What do you see in this image?"}, true},
		{"screenshot keyword", domain.Query{Text: "Here is a screenshot of the error"}, true},
		{"case insensitive", domain.Query{Text: "LOOK AT this Diagram"}, true},
		{"no visual content", domain.Query{Text: "Explain TCP congestion control"}, false},
		{"hint overrides text", domain.Query{Text: "plain text", Hints: domain.Hints{RequiresVision: true}}, true},
		{
			"keyword in history",
			domain.Query{History: []domain.Message{{Role: domain.RoleUser, Content: "describe the picture"}}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequiresVision(tt.q); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRequiresCreativity(t *testing.T) {
	if !RequiresCreativity(domain.Query{Text: "Write a short story about a lighthouse"}) {
		t.Error("Expected creative detection for story request")
	}
	if !RequiresCreativity(domain.Query{Text: "Create a comprehensive marketing strategy for a new SaaS product targeting enterprise clients."}) {
		t.Error("Expected creative detection for strategy request")
	}
	if RequiresCreativity(domain.Query{Text: "What is the capital of France?"}) {
		t.Error("Expected no creative detection for factual lookup")
	}
}
