// Package provider implements the backend wire-dialect clients and the
// gateway that fronts them. Each client speaks one dialect (Anthropic
// messages, OpenAI chat completions, Bedrock Converse); the gateway
// validates and normalizes requests, dispatches to the owning client,
// prices the result under cache economics, and keeps per-tenant cache
// statistics current.
package provider

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"conductor/internal/cachestats"
	"conductor/internal/domain"
	"conductor/internal/routing/health"
	"conductor/internal/telemetry"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048

	// streamBufferSize is the capacity of every stream channel handed to
	// callers. Producers never block on a reader that keeps up.
	streamBufferSize = 100
)

// BuildHTTPClient creates the pooled HTTP client shared by the dialect
// adapters.
func BuildHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Gateway fronts the configured backend clients.
type Gateway struct {
	registry *domain.Registry
	stats    *cachestats.Tracker
	health   *health.Tracker
	metrics  *telemetry.Metrics
	logger   telemetry.Logger

	mu      sync.RWMutex
	clients map[domain.Backend]domain.BackendClient
}

// NewGateway builds a gateway over the given model registry. Stats, health,
// metrics and logger may be nil; nil collaborators disable the matching side
// effect.
func NewGateway(registry *domain.Registry, stats *cachestats.Tracker, healthTracker *health.Tracker, metrics *telemetry.Metrics, logger telemetry.Logger) *Gateway {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Gateway{
		registry: registry,
		stats:    stats,
		health:   healthTracker,
		metrics:  metrics,
		logger:   logger,
		clients:  make(map[domain.Backend]domain.BackendClient),
	}
}

// Register installs a backend client. Registering the same backend twice
// replaces the earlier client.
func (g *Gateway) Register(client domain.BackendClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[client.Backend()] = client
}

// Client returns the client owning the given backend.
func (g *Gateway) Client(backend domain.Backend) (domain.BackendClient, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	client, ok := g.clients[backend]
	if !ok {
		return nil, domain.NewError(domain.ErrBackendUnavailable, "backend %s not configured", backend)
	}
	return client, nil
}

// Backends lists the registered backends in stable order.
func (g *Gateway) Backends() []domain.Backend {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.Backend, 0, len(g.clients))
	for b := range g.clients {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Registry exposes the model catalog the gateway validates against.
func (g *Gateway) Registry() *domain.Registry { return g.registry }

// Complete validates, dispatches and prices one blocking completion.
func (g *Gateway) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	model, client, err := g.resolve(&req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := client.Complete(ctx, req)
	latency := time.Since(start)
	if err != nil {
		g.recordFailure(req, model, err, latency)
		return nil, err
	}

	g.finalize(req, model, result, latency)
	return result, nil
}

// Stream validates and dispatches a streaming completion. The returned
// channel carries the backend's events in generation order; the terminal
// CompletionEvent has cost applied and cache statistics recorded.
func (g *Gateway) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	model, client, err := g.resolve(&req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	inner, err := client.Stream(ctx, req)
	if err != nil {
		g.recordFailure(req, model, err, time.Since(start))
		return nil, err
	}

	out := make(chan domain.StreamEvent, streamBufferSize)
	go func() {
		defer close(out)
		var usage domain.Usage
		for ev := range inner {
			switch ev := ev.(type) {
			case domain.UsageEvent:
				usage = ev.Usage
				out <- ev
			case domain.CompletionEvent:
				if ev.Result != nil {
					if ev.Result.Usage == (domain.Usage{}) {
						ev.Result.Usage = usage
					}
					g.finalize(req, model, ev.Result, time.Since(start))
				}
				out <- ev
			case domain.ErrorEvent:
				g.recordFailure(req, model, ev.Err, time.Since(start))
				out <- ev
			default:
				out <- ev
			}
		}
	}()
	return out, nil
}

// resolve validates the request against the registry and normalizes it in
// place: defaults applied, leading system turns folded into the system slot,
// caching cleared when the model cannot serve it.
func (g *Gateway) resolve(req *domain.CompletionRequest) (domain.ModelConfig, domain.BackendClient, error) {
	if len(req.Messages) == 0 {
		return domain.ModelConfig{}, nil, domain.NewError(domain.ErrInvalidRequest, "completion request has no messages")
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			return domain.ModelConfig{}, nil, domain.NewError(domain.ErrInvalidRequest, "message %d has empty content", i)
		}
	}

	model, ok := g.registry.Get(req.ModelID)
	if !ok {
		return domain.ModelConfig{}, nil, domain.NewError(domain.ErrInvalidRequest, "unknown model %q", req.ModelID)
	}
	req.ModelID = model.ModelID

	client, err := g.Client(model.Backend)
	if err != nil {
		return domain.ModelConfig{}, nil, err
	}

	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if model.MaxTokens > 0 && req.MaxTokens > model.MaxTokens {
		req.MaxTokens = model.MaxTokens
	}

	for len(req.Messages) > 0 && req.Messages[0].Role == domain.RoleSystem {
		if req.System != "" {
			req.System += "\n\n"
		}
		req.System += req.Messages[0].Content
		req.Messages = req.Messages[1:]
	}
	if len(req.Messages) == 0 {
		return domain.ModelConfig{}, nil, domain.NewError(domain.ErrInvalidRequest, "completion request has only system messages")
	}

	if req.EnableCaching && !model.SupportsPromptCache {
		req.EnableCaching = false
	}

	return model, client, nil
}

// finalize prices the result, updates cache statistics and emits the
// per-request log record.
func (g *Gateway) finalize(req domain.CompletionRequest, model domain.ModelConfig, result *domain.CompletionResult, latency time.Duration) {
	result.Usage.CostUSD = CachedCost(result.Usage, model)

	if req.EnableCaching && g.stats != nil {
		if result.Usage.CacheReadTokens > 0 {
			saved := Savings(result.Usage, model)
			g.stats.RecordHit(req.TenantID, result.Usage.CacheReadTokens, saved)
			if g.metrics != nil {
				g.metrics.RecordCacheHit(model.ModelID, req.TenantID, result.Usage.CacheReadTokens, saved)
			}
		} else {
			g.stats.RecordMiss(req.TenantID)
			if g.metrics != nil {
				g.metrics.RecordCacheMiss(model.ModelID, req.TenantID)
			}
		}
	}

	if g.health != nil {
		g.health.RecordSuccess(string(model.Backend), model.ModelID, latency)
	}
	if g.metrics != nil {
		rec := g.metrics.NewRequestRecorder("completion", model.ModelID, string(model.Backend), req.TenantID)
		rec.RecordSuccess(result.Usage.InputTokens, result.Usage.OutputTokens,
			result.Usage.CacheReadTokens, result.Usage.CacheWriteTokens, result.Usage.CostUSD)
	}

	g.logger.Info("completion finished",
		"backend", string(model.Backend),
		"model", model.ModelID,
		"request_id", req.RequestID,
		"tenant_id", req.TenantID,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"cache_read_tokens", result.Usage.CacheReadTokens,
		"cache_write_tokens", result.Usage.CacheWriteTokens,
		"cost_usd", result.Usage.CostUSD,
		"latency_ms", latency.Milliseconds(),
	)
}

func (g *Gateway) recordFailure(req domain.CompletionRequest, model domain.ModelConfig, err error, latency time.Duration) {
	kind := domain.KindOf(err)
	if g.health != nil {
		g.health.RecordFailure(string(model.Backend), model.ModelID)
	}
	if g.metrics != nil {
		rec := g.metrics.NewRequestRecorder("completion", model.ModelID, string(model.Backend), req.TenantID)
		rec.RecordError(string(kind))
	}
	g.logger.Warn("completion failed",
		"backend", string(model.Backend),
		"model", model.ModelID,
		"request_id", req.RequestID,
		"error_kind", string(kind),
		"error", err.Error(),
		"latency_ms", latency.Milliseconds(),
	)
}

// apiError maps an HTTP rejection to a tagged error. Rate limits carry the
// server's Retry-After recommendation when one was sent.
func apiError(backend domain.Backend, modelID string, status int, body []byte, retryAfter time.Duration) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}

	var kind domain.ErrorKind
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		kind = domain.ErrInvalidRequest
	case http.StatusTooManyRequests:
		kind = domain.ErrRateLimited
	case http.StatusPaymentRequired, http.StatusForbidden:
		kind = domain.ErrQuotaExhausted
	default:
		kind = domain.ErrBackendUnavailable
	}

	return &domain.Error{
		Kind:       kind,
		Backend:    backend,
		ModelID:    modelID,
		Message:    "api error " + strconv.Itoa(status) + ": " + msg,
		RetryAfter: retryAfter,
	}
}

// retryAfterFrom parses a Retry-After header, accepting both delta-seconds
// and HTTP-date forms. Zero when absent or unparseable.
func retryAfterFrom(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// transportError maps a failed round trip to a tagged error, preserving
// context cancellation kinds.
func transportError(ctx context.Context, backend domain.Backend, modelID string, err error) error {
	kind := domain.ErrBackendUnavailable
	switch {
	case ctx.Err() == context.Canceled:
		kind = domain.ErrCancelled
	case ctx.Err() == context.DeadlineExceeded:
		kind = domain.ErrDeadlineExceeded
	}
	return domain.WrapError(kind, backend, modelID, err)
}
