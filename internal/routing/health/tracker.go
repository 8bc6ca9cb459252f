// Package health tracks per backend+model outcome counters for
// observability. Routing decisions never consult these signals; they feed
// stats endpoints and Prometheus gauges only.
package health

import (
	"sort"
	"sync"
	"time"

	"conductor/internal/telemetry"
)

// ewmaAlpha weights the newest latency sample in the rolling average.
const ewmaAlpha = 0.2

// BackendHealth is a snapshot of one backend+model pair.
type BackendHealth struct {
	Backend       string
	Model         string
	SuccessCount  int64
	ErrorCount    int64
	TotalRequests int64
	AvgLatencyMs  float64
	HealthScore   float64 // 0.0-1.0
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

type entry struct {
	successes   int64
	failures    int64
	avgLatency  float64
	hasLatency  bool
	lastSuccess time.Time
	lastFailure time.Time
}

// Tracker accumulates attempt outcomes in memory. All methods are safe for
// concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	metrics *telemetry.Metrics
}

// NewTracker creates an empty tracker. metrics may be nil.
func NewTracker(metrics *telemetry.Metrics) *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		metrics: metrics,
	}
}

// RecordSuccess counts a successful attempt and folds its latency into the
// rolling average.
func (t *Tracker) RecordSuccess(backend, model string, latency time.Duration) {
	t.mu.Lock()
	e := t.entry(backend, model)
	e.successes++
	e.lastSuccess = time.Now()
	sample := float64(latency.Milliseconds())
	if e.hasLatency {
		e.avgLatency = e.avgLatency*(1-ewmaAlpha) + sample*ewmaAlpha
	} else {
		e.avgLatency = sample
		e.hasLatency = true
	}
	score, rate := e.score()
	t.mu.Unlock()

	t.publish(backend, model, score, rate)
}

// RecordFailure counts a failed attempt.
func (t *Tracker) RecordFailure(backend, model string) {
	t.mu.Lock()
	e := t.entry(backend, model)
	e.failures++
	e.lastFailure = time.Now()
	score, rate := e.score()
	t.mu.Unlock()

	t.publish(backend, model, score, rate)
}

// Snapshot returns the current health of one backend+model pair. Unknown
// pairs report perfect health.
func (t *Tracker) Snapshot(backend, model string) BackendHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[key(backend, model)]
	if !ok {
		return BackendHealth{Backend: backend, Model: model, HealthScore: 1.0}
	}
	return e.snapshot(backend, model)
}

// All returns every tracked pair, ordered by health score descending then by
// key for stability.
func (t *Tracker) All() []BackendHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]BackendHealth, 0, len(t.entries))
	for k, e := range t.entries {
		backend, model := splitKey(k)
		out = append(out, e.snapshot(backend, model))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HealthScore != out[j].HealthScore {
			return out[i].HealthScore > out[j].HealthScore
		}
		if out[i].Backend != out[j].Backend {
			return out[i].Backend < out[j].Backend
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Decay halves all counters so stale history fades. Runs on the maintenance
// schedule; pairs that drop to zero traffic are removed.
func (t *Tracker) Decay() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		e.successes /= 2
		e.failures /= 2
		if e.successes == 0 && e.failures == 0 {
			delete(t.entries, k)
		}
	}
}

// entry returns the record for a pair, creating it lazily. Caller holds the
// write lock.
func (t *Tracker) entry(backend, model string) *entry {
	k := key(backend, model)
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
	}
	return e
}

func (t *Tracker) publish(backend, model string, score, rate float64) {
	if t.metrics != nil {
		t.metrics.UpdateBackendHealth(backend, model, score, rate)
	}
}

// score computes the health score and success rate. The score is the success
// ratio minus a latency penalty that saturates at 0.25 once the rolling
// average reaches 10s.
func (e *entry) score() (score, successRate float64) {
	total := e.successes + e.failures
	if total == 0 {
		return 1.0, 1.0
	}
	successRate = float64(e.successes) / float64(total)

	penalty := e.avgLatency / 10000 * 0.25
	if penalty > 0.25 {
		penalty = 0.25
	}
	score = successRate - penalty
	if score < 0 {
		score = 0
	}
	return score, successRate
}

func (e *entry) snapshot(backend, model string) BackendHealth {
	score, _ := e.score()
	return BackendHealth{
		Backend:       backend,
		Model:         model,
		SuccessCount:  e.successes,
		ErrorCount:    e.failures,
		TotalRequests: e.successes + e.failures,
		AvgLatencyMs:  e.avgLatency,
		HealthScore:   score,
		LastSuccessAt: e.lastSuccess,
		LastFailureAt: e.lastFailure,
	}
}

func key(backend, model string) string { return backend + "/" + model }

func splitKey(k string) (backend, model string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
