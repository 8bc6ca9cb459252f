// Package telemetry provides observability with Prometheus metrics and structured logging.
package telemetry

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Token metrics
	TokensInput      *prometheus.CounterVec
	TokensOutput     *prometheus.CounterVec
	TokensCacheRead  *prometheus.CounterVec
	TokensCacheWrite *prometheus.CounterVec

	// Cost metrics
	CostUSD *prometheus.CounterVec

	// Backend metrics
	BackendRequests *prometheus.CounterVec
	BackendErrors   *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec

	// Routing metrics
	RoutingDecisions *prometheus.CounterVec
	ComplexityScores prometheus.Histogram

	// Resilience metrics
	CircuitBreakerState *prometheus.GaugeVec
	RetryAttempts       *prometheus.CounterVec
	FallbackInvocations *prometheus.CounterVec
	FallbackSuccess     *prometheus.CounterVec
	Escalations         *prometheus.CounterVec

	// Confidence metrics
	ConfidenceScores *prometheus.HistogramVec
	Disclaimers      *prometheus.CounterVec

	// Prompt cache metrics
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheTokensSaved *prometheus.CounterVec
	CacheCostSaved   *prometheus.CounterVec

	// Retrieval metrics
	RetrievalLatency prometheus.Histogram
	RetrievedChunks  prometheus.Histogram

	// CRAG metrics
	CRAGPhases           *prometheus.CounterVec
	RefinementStrategies *prometheus.CounterVec
	ReasoningSteps       prometheus.Histogram

	// Quality metrics
	QualityConfidence      prometheus.Histogram
	QualityRecommendations *prometheus.CounterVec
	HallucinationsDetected prometheus.Counter
	RAGASScores            *prometheus.HistogramVec

	// Health metrics
	BackendHealth      *prometheus.GaugeVec
	BackendSuccessRate *prometheus.GaugeVec

	// System metrics
	StreamConnections prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_requests_total",
				Help: "Total number of orchestrated requests",
			},
			[]string{"operation", "model", "status", "tenant_id"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation", "model", "tenant_id"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_requests_in_flight",
				Help: "Number of requests currently being processed",
			},
		),

		TokensInput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_input_total",
				Help: "Total input tokens processed",
			},
			[]string{"model", "backend", "tenant_id"},
		),

		TokensOutput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_output_total",
				Help: "Total output tokens generated",
			},
			[]string{"model", "backend", "tenant_id"},
		),

		TokensCacheRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_cache_read_total",
				Help: "Total tokens served from prompt cache",
			},
			[]string{"model", "backend", "tenant_id"},
		),

		TokensCacheWrite: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_cache_write_total",
				Help: "Total tokens written to prompt cache",
			},
			[]string{"model", "backend", "tenant_id"},
		),

		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_cost_usd_total",
				Help: "Total cost in USD",
			},
			[]string{"model", "backend", "tenant_id"},
		),

		BackendRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_backend_requests_total",
				Help: "Total requests per backend",
			},
			[]string{"backend", "model"},
		),

		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_backend_errors_total",
				Help: "Total errors per backend",
			},
			[]string{"backend", "error_kind"},
		),

		BackendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_backend_latency_seconds",
				Help:    "Backend API latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"backend", "model"},
		),

		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_routing_decisions_total",
				Help: "Total routing decisions by tier and complexity level",
			},
			[]string{"tier", "complexity"},
		),

		ComplexityScores: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_complexity_score",
				Help:    "Distribution of query complexity scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"backend"},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_retry_attempts_total",
				Help: "Total retry attempts",
			},
			[]string{"backend", "reason"},
		),

		FallbackInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_fallback_invocations_total",
				Help: "Total fallback transitions in the cascade",
			},
			[]string{"from_model", "to_model", "reason"},
		),

		FallbackSuccess: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_fallback_success_total",
				Help: "Total requests completed by a fallback model",
			},
			[]string{"model"},
		),

		Escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_escalations_total",
				Help: "Total confidence-driven tier escalations",
			},
			[]string{"from_tier", "to_tier"},
		),

		ConfidenceScores: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_confidence_score",
				Help:    "Distribution of response confidence scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"tier"},
		),

		Disclaimers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_disclaimers_total",
				Help: "Total low-confidence disclaimers appended",
			},
			[]string{"level"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_cache_hits_total",
				Help: "Total prompt cache hits",
			},
			[]string{"model", "tenant_id"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_cache_misses_total",
				Help: "Total prompt cache misses",
			},
			[]string{"model", "tenant_id"},
		),

		CacheTokensSaved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_cache_tokens_saved_total",
				Help: "Total tokens served from cache instead of re-processing",
			},
			[]string{"tenant_id"},
		),

		CacheCostSaved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_cache_cost_saved_usd_total",
				Help: "Total cost saved via prompt caching in USD",
			},
			[]string{"tenant_id"},
		),

		RetrievalLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_retrieval_latency_seconds",
				Help:    "Retriever query latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		RetrievedChunks: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_retrieved_chunks",
				Help:    "Number of chunks surviving the relevance filter",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
			},
		),

		CRAGPhases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_crag_phases_total",
				Help: "CRAG phase executions by outcome",
			},
			[]string{"phase", "outcome"},
		),

		RefinementStrategies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_refinement_strategies_total",
				Help: "Query refinement strategies applied",
			},
			[]string{"strategy"},
		),

		ReasoningSteps: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_reasoning_steps",
				Help:    "Multi-hop reasoning steps per request",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),

		QualityConfidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_quality_confidence",
				Help:    "Distribution of quality-check confidence scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		QualityRecommendations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_quality_recommendations_total",
				Help: "Quality-check recommendations",
			},
			[]string{"recommendation"},
		),

		HallucinationsDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_hallucinations_detected_total",
				Help: "Responses whose knowledge-base support fell below the hallucination threshold",
			},
		),

		RAGASScores: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_ragas_score",
				Help:    "RAGAS-style evaluation scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"metric"},
		),

		BackendHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_backend_health_score",
				Help: "Backend health score (0-1)",
			},
			[]string{"backend", "model"},
		),

		BackendSuccessRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_backend_success_rate",
				Help: "Backend success rate (0-1)",
			},
			[]string{"backend", "model"},
		),

		StreamConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_stream_connections",
				Help: "Number of active streaming requests",
			},
		),
	}
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// RequestRecorder helps record metrics for a request
type RequestRecorder struct {
	metrics   *Metrics
	operation string
	model     string
	backend   string
	tenantID  string
	startTime time.Time
}

// NewRequestRecorder creates a new request recorder
func (m *Metrics) NewRequestRecorder(operation, model, backend, tenantID string) *RequestRecorder {
	m.RequestsInFlight.Inc()
	return &RequestRecorder{
		metrics:   m,
		operation: operation,
		model:     model,
		backend:   backend,
		tenantID:  tenantID,
		startTime: time.Now(),
	}
}

// RecordSuccess records a successful request
func (r *RequestRecorder) RecordSuccess(inputTokens, outputTokens, cacheRead, cacheWrite int64, costUSD float64) {
	duration := time.Since(r.startTime).Seconds()

	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues(r.operation, r.model, "success", r.tenantID).Inc()
	r.metrics.RequestDuration.WithLabelValues(r.operation, r.model, r.tenantID).Observe(duration)

	r.metrics.TokensInput.WithLabelValues(r.model, r.backend, r.tenantID).Add(float64(inputTokens))
	r.metrics.TokensOutput.WithLabelValues(r.model, r.backend, r.tenantID).Add(float64(outputTokens))
	if cacheRead > 0 {
		r.metrics.TokensCacheRead.WithLabelValues(r.model, r.backend, r.tenantID).Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		r.metrics.TokensCacheWrite.WithLabelValues(r.model, r.backend, r.tenantID).Add(float64(cacheWrite))
	}
	r.metrics.CostUSD.WithLabelValues(r.model, r.backend, r.tenantID).Add(costUSD)

	r.metrics.BackendRequests.WithLabelValues(r.backend, r.model).Inc()
	r.metrics.BackendLatency.WithLabelValues(r.backend, r.model).Observe(duration)
}

// RecordError records a failed request
func (r *RequestRecorder) RecordError(errorKind string) {
	duration := time.Since(r.startTime).Seconds()

	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues(r.operation, r.model, "error", r.tenantID).Inc()
	r.metrics.RequestDuration.WithLabelValues(r.operation, r.model, r.tenantID).Observe(duration)

	r.metrics.BackendErrors.WithLabelValues(r.backend, errorKind).Inc()
}

// RecordRoutingDecision records a routing decision
func (m *Metrics) RecordRoutingDecision(tier, complexity string, score float64) {
	m.RoutingDecisions.WithLabelValues(tier, complexity).Inc()
	m.ComplexityScores.Observe(score)
}

// RecordRetryAttempt records a retry attempt
func (m *Metrics) RecordRetryAttempt(backend, reason string) {
	m.RetryAttempts.WithLabelValues(backend, reason).Inc()
}

// RecordFallback records a fallback transition in the cascade
func (m *Metrics) RecordFallback(fromModel, toModel, reason string) {
	m.FallbackInvocations.WithLabelValues(fromModel, toModel, reason).Inc()
}

// RecordFallbackSuccess records a request completed by a fallback model
func (m *Metrics) RecordFallbackSuccess(model string) {
	m.FallbackSuccess.WithLabelValues(model).Inc()
}

// RecordEscalation records a confidence-driven tier escalation
func (m *Metrics) RecordEscalation(fromTier, toTier string) {
	m.Escalations.WithLabelValues(fromTier, toTier).Inc()
}

// RecordConfidence records a response confidence score
func (m *Metrics) RecordConfidence(tier string, score float64) {
	m.ConfidenceScores.WithLabelValues(tier).Observe(score)
}

// RecordDisclaimer records an appended low-confidence disclaimer
func (m *Metrics) RecordDisclaimer(level string) {
	m.Disclaimers.WithLabelValues(level).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state gauge
// state: 0=closed, 1=half-open, 2=open
func (m *Metrics) UpdateCircuitBreakerState(backend, state string) {
	var stateValue float64
	switch state {
	case "closed":
		stateValue = 0
	case "half_open":
		stateValue = 1
	case "open":
		stateValue = 2
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(stateValue)
}

// RecordCacheHit records a prompt cache hit
func (m *Metrics) RecordCacheHit(model, tenantID string, tokensSaved int64, costSaved float64) {
	m.CacheHits.WithLabelValues(model, tenantID).Inc()
	if tokensSaved > 0 {
		m.CacheTokensSaved.WithLabelValues(tenantID).Add(float64(tokensSaved))
	}
	if costSaved > 0 {
		m.CacheCostSaved.WithLabelValues(tenantID).Add(costSaved)
	}
}

// RecordCacheMiss records a prompt cache miss
func (m *Metrics) RecordCacheMiss(model, tenantID string) {
	m.CacheMisses.WithLabelValues(model, tenantID).Inc()
}

// RecordRetrieval records a retriever round trip
func (m *Metrics) RecordRetrieval(duration time.Duration, chunks int) {
	m.RetrievalLatency.Observe(duration.Seconds())
	m.RetrievedChunks.Observe(float64(chunks))
}

// RecordCRAGPhase records a CRAG phase execution outcome ("ok", "degraded", "skipped")
func (m *Metrics) RecordCRAGPhase(phase, outcome string) {
	m.CRAGPhases.WithLabelValues(phase, outcome).Inc()
}

// RecordRefinement records an applied refinement strategy
func (m *Metrics) RecordRefinement(strategy string) {
	m.RefinementStrategies.WithLabelValues(strategy).Inc()
}

// RecordReasoningSteps records the number of multi-hop steps taken
func (m *Metrics) RecordReasoningSteps(steps int) {
	m.ReasoningSteps.Observe(float64(steps))
}

// RecordQuality records a quality-check outcome
func (m *Metrics) RecordQuality(confidence float64, recommendation string, hallucination bool) {
	m.QualityConfidence.Observe(confidence)
	m.QualityRecommendations.WithLabelValues(recommendation).Inc()
	if hallucination {
		m.HallucinationsDetected.Inc()
	}
}

// RecordRAGASScore records one RAGAS metric observation
func (m *Metrics) RecordRAGASScore(metric string, score float64) {
	m.RAGASScores.WithLabelValues(metric).Observe(score)
}

// UpdateBackendHealth updates backend health gauges
func (m *Metrics) UpdateBackendHealth(backend, model string, healthScore, successRate float64) {
	m.BackendHealth.WithLabelValues(backend, model).Set(healthScore)
	m.BackendSuccessRate.WithLabelValues(backend, model).Set(successRate)
}

// StreamStarted marks one streaming request open and returns the function
// that marks it closed again.
func (m *Metrics) StreamStarted() func() {
	m.StreamConnections.Inc()
	return func() { m.StreamConnections.Dec() }
}

// Logger provides structured logging
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	With(fields ...any) Logger
}

// noopLogger is a no-op logger
type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}
func (l noopLogger) With(fields ...any) Logger     { return l }

// NopLogger returns a logger that discards everything. Useful in tests.
func NopLogger() Logger {
	return noopLogger{}
}

// slogLogger adapts *slog.Logger to the Logger interface
type slogLogger struct {
	l *slog.Logger
}

// NewSlog builds the underlying *slog.Logger. format is "json" or "pretty";
// level is debug, info, warn or error.
func NewSlog(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "pretty" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// WrapSlog adapts an existing *slog.Logger
func WrapSlog(l *slog.Logger) Logger {
	return slogLogger{l: l}
}

func (s slogLogger) Debug(msg string, fields ...any) { s.l.Debug(msg, fields...) }
func (s slogLogger) Info(msg string, fields ...any)  { s.l.Info(msg, fields...) }
func (s slogLogger) Warn(msg string, fields ...any)  { s.l.Warn(msg, fields...) }
func (s slogLogger) Error(msg string, fields ...any) { s.l.Error(msg, fields...) }
func (s slogLogger) With(fields ...any) Logger       { return slogLogger{l: s.l.With(fields...)} }
