package health

import (
	"sync"
	"testing"
	"time"
)

func TestTrackerCounting(t *testing.T) {
	tr := NewTracker(nil)

	tr.RecordSuccess("anthropic", "haiku", 400*time.Millisecond)
	tr.RecordSuccess("anthropic", "haiku", 600*time.Millisecond)
	tr.RecordFailure("anthropic", "haiku")

	h := tr.Snapshot("anthropic", "haiku")
	if h.SuccessCount != 2 || h.ErrorCount != 1 {
		t.Errorf("Expected 2/1 success/error, got %d/%d", h.SuccessCount, h.ErrorCount)
	}
	if h.TotalRequests != 3 {
		t.Errorf("Expected 3 total, got %d", h.TotalRequests)
	}
	if h.AvgLatencyMs <= 0 {
		t.Errorf("Expected positive average latency, got %v", h.AvgLatencyMs)
	}
	if h.LastSuccessAt.IsZero() || h.LastFailureAt.IsZero() {
		t.Error("Expected success and failure timestamps")
	}
}

func TestTrackerHealthScore(t *testing.T) {
	t.Run("unknown pair is healthy", func(t *testing.T) {
		tr := NewTracker(nil)
		if h := tr.Snapshot("openai", "mini"); h.HealthScore != 1.0 {
			t.Errorf("Expected perfect health, got %v", h.HealthScore)
		}
	})

	t.Run("failures drag the score down", func(t *testing.T) {
		tr := NewTracker(nil)
		tr.RecordSuccess("openai", "mini", 100*time.Millisecond)
		healthy := tr.Snapshot("openai", "mini").HealthScore

		for i := 0; i < 9; i++ {
			tr.RecordFailure("openai", "mini")
		}
		degraded := tr.Snapshot("openai", "mini").HealthScore

		if degraded >= healthy {
			t.Errorf("Expected degradation, got %v -> %v", healthy, degraded)
		}
		if degraded < 0 || degraded > 1 {
			t.Errorf("Score %v outside [0,1]", degraded)
		}
	})

	t.Run("slow backends are penalized", func(t *testing.T) {
		tr := NewTracker(nil)
		tr.RecordSuccess("bedrock", "nova", 30*time.Second)
		slow := tr.Snapshot("bedrock", "nova").HealthScore

		tr.RecordSuccess("openai", "mini", 50*time.Millisecond)
		fast := tr.Snapshot("openai", "mini").HealthScore

		if slow >= fast {
			t.Errorf("Expected latency penalty, slow=%v fast=%v", slow, fast)
		}
	})
}

func TestTrackerAll(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordSuccess("anthropic", "haiku", 100*time.Millisecond)
	tr.RecordFailure("openai", "mini")
	tr.RecordFailure("openai", "mini")

	all := tr.All()
	if len(all) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(all))
	}
	// Ordered by health score descending.
	if all[0].Model != "haiku" || all[1].Model != "mini" {
		t.Errorf("Unexpected order: %s, %s", all[0].Model, all[1].Model)
	}
}

func TestTrackerDecay(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordSuccess("anthropic", "haiku", 100*time.Millisecond)
	tr.RecordSuccess("anthropic", "haiku", 100*time.Millisecond)
	tr.RecordFailure("anthropic", "haiku")

	tr.Decay()
	h := tr.Snapshot("anthropic", "haiku")
	if h.SuccessCount != 1 || h.ErrorCount != 0 {
		t.Errorf("Expected halved counters 1/0, got %d/%d", h.SuccessCount, h.ErrorCount)
	}

	// A second decay empties the entry entirely.
	tr.Decay()
	if len(tr.All()) != 0 {
		t.Errorf("Expected decayed entry to vanish, got %d entries", len(tr.All()))
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.RecordSuccess("anthropic", "haiku", 100*time.Millisecond)
				tr.RecordFailure("openai", "mini")
				tr.Snapshot("anthropic", "haiku")
			}
		}()
	}
	wg.Wait()

	if got := tr.Snapshot("anthropic", "haiku").SuccessCount; got != 800 {
		t.Errorf("Expected 800 successes, got %d", got)
	}
	if got := tr.Snapshot("openai", "mini").ErrorCount; got != 800 {
		t.Errorf("Expected 800 failures, got %d", got)
	}
}
