// Package orchestrator is the facade over the request pipeline. It validates
// and defaults each request, classifies and routes the query, hands execution
// to the corrective pipeline or the bare cascade, and post-processes the
// response with confidence annotations and low-confidence disclaimers before
// returning it. Every exit path records telemetry.
package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"conductor/internal/cachestats"
	"conductor/internal/config"
	"conductor/internal/confidence"
	"conductor/internal/crag"
	"conductor/internal/domain"
	"conductor/internal/resilience"
	"conductor/internal/routing"
	"conductor/internal/telemetry"

	"github.com/google/uuid"
)

// Generation defaults applied when the request leaves them zero.
const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048
)

// Service is the orchestrator facade. One Service handles every tenant;
// per-request state lives on the stack of each call.
type Service struct {
	cfg       *config.Config
	router    *routing.Router
	executor  *resilience.Executor
	pipeline  *crag.Coordinator
	evaluator *confidence.Evaluator
	stats     *cachestats.Tracker
	store     *cachestats.Store
	metrics   *telemetry.Metrics
	logger    telemetry.Logger
}

// New wires the facade. cfg, router, and executor are required. A nil
// pipeline forces the direct path even when the config enables the corrective
// pipeline; a nil evaluator is built from the configured confidence settings;
// a nil tracker makes the stats queries return empty results; a nil store
// keeps statistics in memory only.
func New(
	cfg *config.Config,
	router *routing.Router,
	executor *resilience.Executor,
	pipeline *crag.Coordinator,
	evaluator *confidence.Evaluator,
	stats *cachestats.Tracker,
	store *cachestats.Store,
	metrics *telemetry.Metrics,
	logger telemetry.Logger,
) *Service {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if evaluator == nil {
		evaluator = confidence.NewEvaluator(cfg.Confidence)
	}
	return &Service{
		cfg:       cfg,
		router:    router,
		executor:  executor,
		pipeline:  pipeline,
		evaluator: evaluator,
		stats:     stats,
		store:     store,
		metrics:   metrics,
		logger:    logger,
	}
}

// Complete runs one request to a finished response: route, execute, annotate.
func (s *Service) Complete(ctx context.Context, req domain.Request) (*domain.CompletionResult, error) {
	started := time.Now()
	requestID := uuid.New().String()
	log := s.logger.With("request_id", requestID, "tenant_id", req.Query.TenantID)

	if err := validate(req); err != nil {
		return nil, err
	}
	s.applyDefaults(&req)

	// Classify once; the score feeds both the routing decision and the
	// response annotations.
	complexity := s.router.Analyze(req.Query)
	decision, err := s.router.RouteScored(req.Query, complexity)
	if err != nil {
		log.Error("routing failed", "error", err.Error())
		return nil, err
	}

	var recorder *telemetry.RequestRecorder
	if s.metrics != nil {
		recorder = s.metrics.NewRequestRecorder("Complete",
			decision.Model.ModelID, string(decision.Model.Backend), req.Query.TenantID)
	}

	var result *domain.CompletionResult
	var outcome *crag.Outcome
	if s.corrective() {
		outcome, err = s.pipeline.Run(ctx, req, decision, requestID)
		if err == nil {
			result = outcome.Result
		}
	} else {
		result, err = s.executor.Execute(ctx, decision, s.directRequest(req, requestID))
	}
	if err != nil {
		if recorder != nil {
			recorder.RecordError(string(domain.KindOf(err)))
		}
		log.Error("completion failed",
			"kind", string(domain.KindOf(err)),
			"error", err.Error(),
		)
		return nil, err
	}

	score, _ := s.finish(result, requestID, complexity, outcome)
	if recorder != nil {
		recorder.RecordSuccess(result.Usage.InputTokens, result.Usage.OutputTokens,
			result.Usage.CacheReadTokens, result.Usage.CacheWriteTokens, result.Usage.CostUSD)
	}
	log.Info("completion finished",
		"model", result.ModelID,
		"backend", string(result.Backend),
		"complexity", string(complexity.Level),
		"confidence", score,
		"latency_ms", time.Since(started).Milliseconds(),
		"cost_usd", result.Usage.CostUSD,
	)
	return result, nil
}

// Route reports the routing decision for a query without executing anything.
func (s *Service) Route(q domain.Query) (domain.RoutingDecision, error) {
	return s.router.Route(q)
}

// TenantStats returns the cache statistics snapshot for one tenant.
func (s *Service) TenantStats(tenantID string) (domain.CacheStats, bool) {
	if s.stats == nil {
		return domain.CacheStats{}, false
	}
	return s.stats.Snapshot(tenantID)
}

// AllStats returns a snapshot of every tenant's cache statistics.
func (s *Service) AllStats() map[string]domain.CacheStats {
	if s.stats == nil {
		return map[string]domain.CacheStats{}
	}
	return s.stats.SnapshotAll()
}

// ClearStats resets one tenant's cache statistics. The persisted snapshot is
// removed too, so the reset survives a restart.
func (s *Service) ClearStats(ctx context.Context, tenantID string) {
	if s.stats != nil {
		s.stats.Clear(tenantID)
	}
	if s.store != nil {
		if err := s.store.Delete(ctx, tenantID); err != nil {
			s.logger.Warn("clearing persisted stats failed", "tenant_id", tenantID, "error", err.Error())
		}
	}
}

// ClearAllStats resets every tenant's cache statistics and drops every
// persisted snapshot.
func (s *Service) ClearAllStats(ctx context.Context) {
	if s.stats != nil {
		s.stats.ClearAll()
	}
	if s.store != nil {
		if err := s.store.DeleteAll(ctx); err != nil {
			s.logger.Warn("clearing persisted stats failed", "error", err.Error())
		}
	}
}

// corrective reports whether requests flow through the CRAG pipeline.
func (s *Service) corrective() bool {
	return s.pipeline != nil && s.cfg.CRAG.Enabled
}

// validate rejects requests the pipeline cannot act on. Validation failures
// are invalid-request errors and are never retried.
func validate(req domain.Request) error {
	if strings.TrimSpace(req.Query.LastUserMessage()) == "" {
		return domain.NewError(domain.ErrInvalidRequest, "query has no user message")
	}
	if strings.TrimSpace(req.Query.TenantID) == "" {
		return domain.NewError(domain.ErrInvalidRequest, "query has no tenant id")
	}
	return nil
}

// applyDefaults fills zero-valued generation options and turns prompt caching
// on when the config enables it fleet-wide. Callers may still opt in per
// request while the fleet default is off.
func (s *Service) applyDefaults(req *domain.Request) {
	if req.Temperature <= 0 {
		req.Temperature = defaultTemperature
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if s.cfg.Caching.Enabled {
		req.EnableCaching = true
	}
}

// directRequest builds the provider request for the non-corrective path: the
// conversation history with the query text as the last user turn, no system
// prompt.
func (s *Service) directRequest(req domain.Request, requestID string) domain.CompletionRequest {
	messages := make([]domain.Message, 0, len(req.Query.History)+1)
	messages = append(messages, req.Query.History...)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: req.Query.LastUserMessage()})

	return domain.CompletionRequest{
		TenantID:      req.Query.TenantID,
		RequestID:     requestID,
		Messages:      messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		EnableCaching: req.EnableCaching,
	}
}

// finish applies the post-synthesis processing shared by the blocking and
// streaming paths: score the response confidence, append the low-confidence
// disclaimer when warranted, and annotate the observability metadata. It
// returns the confidence score and the appended disclaimer, empty when none
// was warranted. The disclaimer supplements the content, never replaces it,
// and is only reached after the executor has exhausted escalation.
func (s *Service) finish(result *domain.CompletionResult, requestID string, complexity domain.ComplexityScore, outcome *crag.Outcome) (float64, string) {
	metrics := s.evaluator.Evaluate(result.Content, s.tierOf(result.ModelID))

	result.SetMetadata("request_id", requestID)
	result.SetMetadata("complexity", string(complexity.Level))
	result.SetMetadata("confidence", formatScore(metrics.Score))
	result.SetMetadata("confidence_level", string(s.confidenceLevel(metrics.Score)))

	if outcome != nil {
		if outcome.Refinement != nil {
			result.SetMetadata("refined_query", outcome.Refinement.Refined)
			result.SetMetadata("refinement_strategy", string(outcome.Refinement.Strategy))
		}
		if len(outcome.Steps) > 0 {
			result.SetMetadata("reasoning_steps", strconv.Itoa(len(outcome.Steps)))
		}
		if outcome.Quality != nil {
			result.SetMetadata("quality_confidence", formatScore(outcome.Quality.Confidence))
			result.SetMetadata("quality_recommendation", string(outcome.Quality.Recommendation))
		}
		if outcome.FlaggedForReview {
			result.SetMetadata("flagged_for_review", "true")
		}
	}

	note := s.evaluator.Disclaimer(metrics.Score)
	if note != "" {
		result.Content += "\n\n" + note
		result.SetMetadata("disclaimer", "true")
		if s.metrics != nil {
			s.metrics.RecordDisclaimer(string(s.confidenceLevel(metrics.Score)))
		}
	}
	return metrics.Score, note
}

// confidenceLevel bands a score with the configured threshold floors.
func (s *Service) confidenceLevel(score float64) domain.ConfidenceLevel {
	c := s.cfg.Confidence
	return domain.LevelForConfidence(score, c.HighThreshold, c.MediumThreshold, c.LowThreshold)
}

// tierOf resolves the tier the response was produced on. Escalation may have
// moved the request off the routed model, so the lookup goes by the result's
// model ID.
func (s *Service) tierOf(modelID string) domain.Tier {
	if m, ok := s.router.Registry().Get(modelID); ok {
		return m.Tier
	}
	return domain.TierPowerful
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
