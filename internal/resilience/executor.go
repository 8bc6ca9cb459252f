// Package resilience executes routing decisions against the provider
// gateway with fallback, confidence-driven escalation, exponential backoff,
// and per-backend circuit breaking.
package resilience

import (
	"context"
	"time"

	"conductor/internal/config"
	"conductor/internal/confidence"
	"conductor/internal/domain"
	"conductor/internal/telemetry"
)

const streamBufferSize = 100

// CompletionGateway is the completion surface the executor drives. The
// provider gateway satisfies it; tests substitute fakes.
type CompletionGateway interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error)
	Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error)
}

// Executor runs one routing decision to completion. Per request the state
// machine is trying-primary, then trying-fallback(i), ending in succeeded or
// failed. Fallbacks and confidence escalations share one transition budget.
type Executor struct {
	gateway   CompletionGateway
	evaluator *confidence.Evaluator
	breaker   *CircuitBreaker
	metrics   *telemetry.Metrics
	logger    telemetry.Logger

	enableFallback bool
	maxRetries     int
	attemptTimeout time.Duration
	requestTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	// sleep is swapped out by tests to make backoff instantaneous.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor over the gateway. Zero retry and timeout
// fields take the defaults; EnableFallback is honored as given. A nil breaker
// disables circuit breaking.
func NewExecutor(gateway CompletionGateway, evaluator *confidence.Evaluator, breaker *CircuitBreaker, cfg config.ResilienceConfig, metrics *telemetry.Metrics, logger telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	e := &Executor{
		gateway:        gateway,
		evaluator:      evaluator,
		breaker:        breaker,
		metrics:        metrics,
		logger:         logger,
		enableFallback: cfg.EnableFallback,
		maxRetries:     cfg.MaxRetries,
		attemptTimeout: cfg.AttemptTimeout,
		requestTimeout: cfg.RequestTimeout,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		sleep:          sleepCtx,
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxRetries
	}
	if e.attemptTimeout <= 0 {
		e.attemptTimeout = defaultAttemptTimeout
	}
	if e.requestTimeout <= 0 {
		e.requestTimeout = defaultRequestTimeout
	}
	if e.initialBackoff <= 0 {
		e.initialBackoff = defaultInitialBackoff
	}
	if e.maxBackoff <= 0 {
		e.maxBackoff = defaultMaxBackoff
	}
	return e
}

// Execute runs the decision as a blocking completion.
func (e *Executor) Execute(ctx context.Context, decision domain.RoutingDecision, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	outcome, err := e.run(ctx, decision, req, e.completeAttempt)
	if err != nil {
		return nil, err
	}
	return outcome.result, nil
}

// ExecuteStream runs the decision as a streaming completion. Every attempt's
// chunks are buffered attempt-locally; only the attempt that ultimately
// succeeds is flushed to the returned channel, in order, followed by a
// UsageEvent and the terminal CompletionEvent. A failed attempt's buffer is
// discarded, so the consumer never observes interleaved or partial output.
func (e *Executor) ExecuteStream(ctx context.Context, decision domain.RoutingDecision, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	out := make(chan domain.StreamEvent, streamBufferSize)

	go func() {
		defer close(out)

		runCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()

		outcome, err := e.run(runCtx, decision, req, e.streamAttempt)
		if err != nil {
			select {
			case out <- domain.ErrorEvent{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		// Flush the winning attempt. Cancellation is checked between
		// sends so at most one chunk follows it.
		for _, text := range outcome.chunks {
			select {
			case out <- domain.TextChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- domain.UsageEvent{Usage: outcome.result.Usage}:
		case <-ctx.Done():
			return
		}
		select {
		case out <- domain.CompletionEvent{Result: outcome.result}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

// attemptOutcome is one successful attempt: the final result plus, for
// streaming attempts, the buffered chunk texts.
type attemptOutcome struct {
	result *domain.CompletionResult
	chunks []string
}

type attemptFunc func(ctx context.Context, model domain.ModelConfig, req domain.CompletionRequest) (attemptOutcome, error)

// run drives the cascade state machine over the decision's candidates.
func (e *Executor) run(ctx context.Context, decision domain.RoutingDecision, req domain.CompletionRequest, attempt attemptFunc) (attemptOutcome, error) {
	if decision.Model.ModelID == "" {
		return attemptOutcome{}, domain.NewError(domain.ErrInvalidRequest, "routing decision has no model")
	}

	log := e.logger.With("request_id", req.RequestID)
	c := newCascade(decision, e.maxRetries)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return attemptOutcome{}, e.terminal(ctx, c.model(), lastErr)
		}

		model, ok := c.current()
		if !ok {
			return attemptOutcome{}, exhausted(lastErr)
		}

		if e.breaker != nil && !e.breaker.Allow(model.Backend) {
			log.Warn("skipping candidate, circuit open",
				"backend", string(model.Backend), "model", model.ModelID)
			lastErr = domain.NewError(domain.ErrBackendUnavailable, "circuit open for backend %s", model.Backend)
			if !e.enableFallback || !c.advance() {
				return attemptOutcome{}, exhausted(lastErr)
			}
			continue
		}

		outcome, err := attempt(ctx, model, req)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess(model.Backend)
			}
			if next, escalate := e.checkEscalation(log, c, model, outcome.result.Content); escalate {
				c.jumpTo(next)
				continue
			}
			if c.index > 0 && e.metrics != nil {
				e.metrics.RecordFallbackSuccess(model.ModelID)
			}
			return outcome, nil
		}

		lastErr = err
		kind := e.classify(ctx, err)

		switch kind {
		case domain.ErrCancelled, domain.ErrDeadlineExceeded:
			return attemptOutcome{}, e.terminal(ctx, model, err)

		case domain.ErrInvalidRequest:
			return attemptOutcome{}, err

		case domain.ErrQuotaExhausted:
			if e.breaker != nil {
				e.breaker.RecordFailure(model.Backend)
			}
			c.markDead(model.Backend)
			log.Warn("quota exhausted, backend dead for request",
				"backend", string(model.Backend), "model", model.ModelID)
			if !e.fallForward(log, c, model, kind) {
				return attemptOutcome{}, exhausted(lastErr)
			}
			continue

		default:
			// rate-limited or backend-unavailable: back off, then advance.
			if e.breaker != nil {
				e.breaker.RecordFailure(model.Backend)
			}
			log.Warn("attempt failed",
				"backend", string(model.Backend),
				"model", model.ModelID,
				"kind", string(kind),
				"error", err.Error(),
			)
			if !e.fallForward(log, c, model, kind) {
				return attemptOutcome{}, exhausted(lastErr)
			}
			delay := retryDelay(c.transitions-1, e.initialBackoff, e.maxBackoff, domain.RetryAfterOf(err))
			if serr := e.sleep(ctx, delay); serr != nil {
				return attemptOutcome{}, e.terminal(ctx, model, lastErr)
			}
			continue
		}
	}
}

// fallForward advances the cascade past a failed candidate, recording the
// transition. With fallback disabled the first failure ends the request.
func (e *Executor) fallForward(log telemetry.Logger, c *cascade, failed domain.ModelConfig, kind domain.ErrorKind) bool {
	if !e.enableFallback {
		return false
	}
	if e.metrics != nil {
		e.metrics.RecordRetryAttempt(string(failed.Backend), string(kind))
	}
	if !c.advance() {
		return false
	}
	next, ok := c.current()
	if !ok {
		return false
	}
	if e.metrics != nil {
		e.metrics.RecordFallback(failed.ModelID, next.ModelID, string(kind))
	}
	log.Info("falling back",
		"from", failed.ModelID,
		"to", next.ModelID,
		"reason", string(kind),
	)
	return true
}

// checkEscalation evaluates the content's confidence and reports whether the
// cascade should jump to a higher-tier candidate.
func (e *Executor) checkEscalation(log telemetry.Logger, c *cascade, model domain.ModelConfig, content string) (int, bool) {
	if e.evaluator == nil {
		return 0, false
	}
	metrics := e.evaluator.Evaluate(content, model.Tier)
	if e.metrics != nil {
		e.metrics.RecordConfidence(string(model.Tier), metrics.Score)
	}
	if !metrics.RequiresEscalation {
		return 0, false
	}
	next, ok := c.escalationTarget()
	if !ok || !c.canTransition() {
		log.Info("low confidence, escalation exhausted",
			"model", model.ModelID,
			"confidence", metrics.Score,
		)
		return 0, false
	}
	target := c.candidates[next]
	log.Info("escalating on low confidence",
		"from", model.ModelID,
		"to", target.ModelID,
		"confidence", metrics.Score,
	)
	if e.metrics != nil {
		e.metrics.RecordEscalation(string(model.Tier), string(target.Tier))
	}
	return next, true
}

// completeAttempt runs one blocking attempt under the per-attempt timeout.
func (e *Executor) completeAttempt(ctx context.Context, model domain.ModelConfig, req domain.CompletionRequest) (attemptOutcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	req.ModelID = model.ModelID
	result, err := e.gateway.Complete(attemptCtx, req)
	if err != nil {
		return attemptOutcome{}, err
	}
	return attemptOutcome{result: result}, nil
}

// streamAttempt runs one streaming attempt under the per-attempt timeout,
// buffering every chunk locally. The buffer is only surfaced when the
// provider stream terminates successfully.
func (e *Executor) streamAttempt(ctx context.Context, model domain.ModelConfig, req domain.CompletionRequest) (attemptOutcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	req.ModelID = model.ModelID
	events, err := e.gateway.Stream(attemptCtx, req)
	if err != nil {
		return attemptOutcome{}, err
	}

	var chunks []string
	var usage domain.Usage
	var sawUsage bool
	var result *domain.CompletionResult

	for event := range events {
		switch ev := event.(type) {
		case domain.TextChunk:
			chunks = append(chunks, ev.Text)
		case domain.UsageEvent:
			usage = ev.Usage
			sawUsage = true
		case domain.CompletionEvent:
			result = ev.Result
		case domain.ErrorEvent:
			return attemptOutcome{}, ev.Err
		}
	}

	if result == nil {
		return attemptOutcome{}, domain.WrapError(domain.ErrBackendUnavailable, model.Backend, model.ModelID,
			domain.NewError(domain.ErrBackendUnavailable, "stream ended without a terminal event"))
	}
	if sawUsage && result.Usage == (domain.Usage{}) {
		result.Usage = usage
	}
	return attemptOutcome{result: result, chunks: chunks}, nil
}

// classify decides how the cascade reacts to an attempt error. A deadline or
// cancellation on a live parent context means the per-attempt timeout fired,
// which is a transient backend failure; a dead parent is terminal.
func (e *Executor) classify(ctx context.Context, err error) domain.ErrorKind {
	kind := domain.KindOf(err)
	if kind == domain.ErrCancelled || kind == domain.ErrDeadlineExceeded {
		if ctx.Err() == nil {
			return domain.ErrBackendUnavailable
		}
	}
	return kind
}

// terminal maps the parent context's end into the matching tagged error.
func (e *Executor) terminal(ctx context.Context, model domain.ModelConfig, lastErr error) error {
	kind := domain.ErrCancelled
	if ctx.Err() == context.DeadlineExceeded {
		kind = domain.ErrDeadlineExceeded
	}
	return &domain.Error{
		Kind:    kind,
		Backend: model.Backend,
		ModelID: model.ModelID,
		Message: "request " + string(kind),
		Err:     lastErr,
	}
}

// exhausted wraps the last error once the chain or the transition budget is
// spent.
func exhausted(lastErr error) error {
	if lastErr == nil {
		return domain.NewError(domain.ErrSynthesisFailed, "no candidates available")
	}
	return &domain.Error{
		Kind:    domain.ErrSynthesisFailed,
		Message: "all candidates failed",
		Err:     lastErr,
	}
}

// cascade tracks position in the candidate list, the shared transition
// budget, and backends declared dead for this request.
type cascade struct {
	candidates  []domain.ModelConfig
	index       int
	transitions int
	budget      int
	dead        map[domain.Backend]bool
}

func newCascade(decision domain.RoutingDecision, budget int) *cascade {
	candidates := make([]domain.ModelConfig, 0, 1+len(decision.FallbackChain))
	candidates = append(candidates, decision.Model)
	candidates = append(candidates, decision.FallbackChain...)
	return &cascade{
		candidates: candidates,
		budget:     budget,
		dead:       make(map[domain.Backend]bool),
	}
}

// current returns the candidate under the cursor, silently passing over
// backends marked dead. Dead skips are free; they consume no budget.
func (c *cascade) current() (domain.ModelConfig, bool) {
	for c.index < len(c.candidates) {
		if !c.dead[c.candidates[c.index].Backend] {
			return c.candidates[c.index], true
		}
		c.index++
	}
	return domain.ModelConfig{}, false
}

// model returns the candidate under the cursor without skipping, for error
// attribution.
func (c *cascade) model() domain.ModelConfig {
	if c.index < len(c.candidates) {
		return c.candidates[c.index]
	}
	return domain.ModelConfig{}
}

func (c *cascade) canTransition() bool {
	return c.transitions < c.budget
}

// advance consumes one transition and moves to the next candidate.
func (c *cascade) advance() bool {
	if !c.canTransition() {
		return false
	}
	c.transitions++
	c.index++
	_, ok := c.current()
	return ok
}

// jumpTo consumes one transition and moves the cursor to an arbitrary later
// candidate.
func (c *cascade) jumpTo(i int) {
	c.transitions++
	c.index = i
}

// escalationTarget finds the first later candidate on a strictly higher
// tier than the current one.
func (c *cascade) escalationTarget() (int, bool) {
	cur, ok := c.current()
	if !ok {
		return 0, false
	}
	for i := c.index + 1; i < len(c.candidates); i++ {
		if c.dead[c.candidates[i].Backend] {
			continue
		}
		if c.candidates[i].Tier.Rank() > cur.Tier.Rank() {
			return i, true
		}
	}
	return 0, false
}

func (c *cascade) markDead(backend domain.Backend) {
	c.dead[backend] = true
}
