package resilience

import (
	"sync"
	"time"

	"conductor/internal/domain"
	"conductor/internal/telemetry"
)

// CircuitState represents the circuit breaker state
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // Normal operation
	StateOpen     CircuitState = "open"      // Failures exceeded threshold
	StateHalfOpen CircuitState = "half_open" // Testing if recovered
)

// CircuitBreaker tracks consecutive failures per backend and opens the
// circuit once a threshold is crossed. Open circuits reject attempts until
// the open interval elapses, then admit a single probe (half-open); the
// probe's outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	threshold int
	interval  time.Duration
	clock     domain.Clock
	metrics   *telemetry.Metrics
	logger    telemetry.Logger

	mu       sync.Mutex
	circuits map[domain.Backend]*circuitStatus
}

type circuitStatus struct {
	state        CircuitState
	failureCount int
	openedAt     time.Time
	probing      bool
}

// NewCircuitBreaker creates a breaker. Non-positive threshold and interval
// take the defaults (5 consecutive failures, 60s open).
func NewCircuitBreaker(threshold int, interval time.Duration, metrics *telemetry.Metrics, logger telemetry.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &CircuitBreaker{
		threshold: threshold,
		interval:  interval,
		clock:     domain.SystemClock{},
		metrics:   metrics,
		logger:    logger,
		circuits:  make(map[domain.Backend]*circuitStatus),
	}
}

// WithClock swaps the time source. Tests only.
func (cb *CircuitBreaker) WithClock(clock domain.Clock) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether an attempt against backend may proceed. An open
// circuit whose interval has elapsed moves to half-open and admits exactly
// one probe; further callers are rejected until the probe resolves.
func (cb *CircuitBreaker) Allow(backend domain.Backend) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	status, ok := cb.circuits[backend]
	if !ok {
		return true
	}

	switch status.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.clock.Now().Sub(status.openedAt) < cb.interval {
			return false
		}
		status.state = StateHalfOpen
		status.probing = true
		cb.setGauge(backend, StateHalfOpen)
		cb.logger.Info("circuit breaker half-open", "backend", string(backend))
		return true

	case StateHalfOpen:
		if status.probing {
			return false
		}
		status.probing = true
		return true

	default:
		return true
	}
}

// RecordSuccess resets the backend's circuit. A successful half-open probe
// closes it.
func (cb *CircuitBreaker) RecordSuccess(backend domain.Backend) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	status, ok := cb.circuits[backend]
	if !ok {
		return
	}
	if status.state != StateClosed {
		cb.logger.Info("circuit breaker closed", "backend", string(backend))
	}
	status.state = StateClosed
	status.failureCount = 0
	status.probing = false
	cb.setGauge(backend, StateClosed)
}

// RecordFailure counts a failure against the backend. Crossing the threshold
// opens the circuit; a failed half-open probe re-opens it immediately.
func (cb *CircuitBreaker) RecordFailure(backend domain.Backend) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	status, ok := cb.circuits[backend]
	if !ok {
		status = &circuitStatus{state: StateClosed}
		cb.circuits[backend] = status
	}

	if status.state == StateHalfOpen {
		cb.open(backend, status)
		return
	}

	status.failureCount++
	if status.state == StateClosed && status.failureCount >= cb.threshold {
		cb.open(backend, status)
	}
}

// State reports the backend's current circuit state.
func (cb *CircuitBreaker) State(backend domain.Backend) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if status, ok := cb.circuits[backend]; ok {
		return status.state
	}
	return StateClosed
}

func (cb *CircuitBreaker) open(backend domain.Backend, status *circuitStatus) {
	status.state = StateOpen
	status.openedAt = cb.clock.Now()
	status.probing = false
	cb.setGauge(backend, StateOpen)
	cb.logger.Warn("circuit breaker opened",
		"backend", string(backend),
		"failures", status.failureCount,
		"open_interval", cb.interval.String(),
	)
}

func (cb *CircuitBreaker) setGauge(backend domain.Backend, state CircuitState) {
	if cb.metrics != nil {
		cb.metrics.UpdateCircuitBreakerState(string(backend), string(state))
	}
}
