package quality

import (
	"context"
	"errors"
	"testing"

	"conductor/internal/telemetry"
)

func TestScoreSample(t *testing.T) {
	scorer := NewScorer(0, nil, telemetry.NopLogger())

	t.Run("grounded sample", func(t *testing.T) {
		sample := Sample{
			Query:    "redis eviction policy",
			Response: "Redis eviction uses the allkeys lru policy.",
			Contexts: []string{
				"Redis eviction uses the allkeys lru policy. Tuning requires benchmarks.",
				"Postgres vacuum reclaims dead tuples.",
			},
			GroundTruth: "Redis uses allkeys lru eviction.",
		}
		scores := scorer.Score(sample)

		approx(t, "faithfulness", scores.Faithfulness, 1.0)
		approx(t, "answer relevancy", scores.AnswerRelevancy, 1.0)
		approx(t, "context relevancy", scores.ContextRelevancy, 1.0/3.0)
		approx(t, "context precision", scores.ContextPrecision, 0.5)
		approx(t, "context recall", scores.ContextRecall, 1.0)
	})

	t.Run("off topic response", func(t *testing.T) {
		sample := Sample{
			Query:    "kafka partitions",
			Response: "Bananas are yellow fruit with thick peels today.",
			Contexts: []string{"Kafka partitions order records within a topic."},
		}
		scores := scorer.Score(sample)

		approx(t, "faithfulness", scores.Faithfulness, 0.0)
		approx(t, "answer relevancy", scores.AnswerRelevancy, 0.0)
	})

	t.Run("no contexts", func(t *testing.T) {
		scores := scorer.Score(Sample{Query: "redis", Response: "Redis is fast."})
		approx(t, "faithfulness", scores.Faithfulness, 1.0)
		approx(t, "answer relevancy", scores.AnswerRelevancy, 1.0)
		approx(t, "context relevancy", scores.ContextRelevancy, 0.0)
		approx(t, "context precision", scores.ContextPrecision, 0.0)
	})

	t.Run("no ground truth", func(t *testing.T) {
		scores := scorer.Score(Sample{
			Query:    "redis",
			Response: "Redis is fast.",
			Contexts: []string{"Redis serves reads from memory."},
		})
		approx(t, "context recall", scores.ContextRecall, 0.0)
	})
}

func TestScoreBatchKeepsOrder(t *testing.T) {
	scorer := NewScorer(2, nil, telemetry.NopLogger())

	samples := []Sample{
		{
			Query:    "redis eviction policy",
			Response: "Redis eviction uses the allkeys lru policy.",
			Contexts: []string{"Redis eviction uses the allkeys lru policy."},
		},
		{
			Query:    "kafka partitions",
			Response: "Bananas are yellow fruit with thick peels today.",
			Contexts: []string{"Kafka partitions order records within a topic."},
		},
	}

	results, err := scorer.ScoreBatch(context.Background(), samples)
	if err != nil {
		t.Fatalf("ScoreBatch() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	approx(t, "first faithfulness", results[0].Faithfulness, 1.0)
	approx(t, "second faithfulness", results[1].Faithfulness, 0.0)
	approx(t, "first answer relevancy", results[0].AnswerRelevancy, 1.0)
	approx(t, "second answer relevancy", results[1].AnswerRelevancy, 0.0)
}

func TestScoreBatchEmpty(t *testing.T) {
	scorer := NewScorer(1, nil, telemetry.NopLogger())
	results, err := scorer.ScoreBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("ScoreBatch() error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestScoreBatchCancelled(t *testing.T) {
	scorer := NewScorer(1, nil, telemetry.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scorer.ScoreBatch(ctx, []Sample{{Query: "q", Response: "r"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
