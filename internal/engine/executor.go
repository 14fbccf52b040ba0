package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/tracing"
	"github.com/rendis/playbook/pkg/schema"
)

// idempotencyNamespace scopes the name-based UUIDs used as idempotency keys.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/rendis/playbook/idempotency"))

// IdempotencyKey derives the deterministic key passed to a service for one
// attempt. The same (execution, node, attempt) triple yields the same key in
// every process.
func IdempotencyKey(executionID, nodeID string, attempt int) string {
	name := fmt.Sprintf("%s/%s/%d", executionID, nodeID, attempt)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// Invocation describes one node execution handed to the ActionExecutor.
type Invocation struct {
	Node        *schema.ActionNode
	ExecutionID string
	// Scope is the template namespace the payload renders against.
	Scope map[string]any
	// KeyID replaces Node.ID inside idempotency keys (rollbacks use "id#rollback").
	KeyID string
	// AttemptBase is added to attempt numbers; a recovered node replays from it.
	AttemptBase int
	// OnAttempt runs before each attempt is issued.
	OnAttempt func(number int, key string)
	// OnRetry runs after a retryable failure, before the backoff wait.
	OnRetry func(number int, delay time.Duration, err error)
}

// ActionExecutor invokes a node's service with retry, backoff, per-attempt
// timeout and per-service circuit breaking, and settles it into an ActionResult.
type ActionExecutor struct {
	service   Service
	evaluator *expressions.Evaluator
	clock     clockwork.Clock
	breakers  *BreakerRegistry
	logger    *slog.Logger
	tracer    trace.Tracer
}

// ExecutorOption configures an ActionExecutor.
type ExecutorOption func(*ActionExecutor)

// WithExecutorClock sets the clock used for timestamps and backoff waits.
func WithExecutorClock(c clockwork.Clock) ExecutorOption {
	return func(e *ActionExecutor) { e.clock = c }
}

// WithBreakers shares a breaker registry across executors.
func WithBreakers(r *BreakerRegistry) ExecutorOption {
	return func(e *ActionExecutor) { e.breakers = r }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *ActionExecutor) { e.logger = l }
}

// WithTracer sets the tracer for node spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *ActionExecutor) { e.tracer = t }
}

// NewActionExecutor creates an executor over service.
func NewActionExecutor(service Service, evaluator *expressions.Evaluator, opts ...ExecutorOption) *ActionExecutor {
	e := &ActionExecutor{
		service:   service,
		evaluator: evaluator,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		tracer:    tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = NewBreakerRegistry(DefaultBreakerConfig(), e.logger)
	}
	return e
}

// Execute runs node against a snapshot of execCtx.
func (e *ActionExecutor) Execute(ctx context.Context, node *schema.ActionNode, execCtx *schema.ExecutionContext) *schema.ActionResult {
	return e.Run(ctx, Invocation{
		Node:        node,
		ExecutionID: execCtx.ExecutionID,
		Scope:       execCtx.Scope(),
	})
}

// Run executes an invocation. It never returns an error: failures are
// reported on the result with Status failed and a coded ErrorCode.
func (e *ActionExecutor) Run(ctx context.Context, inv Invocation) *schema.ActionResult {
	node := inv.Node
	keyID := inv.KeyID
	if keyID == "" {
		keyID = node.ID
	}
	ctx = logging.WithNodeID(logging.WithExecutionID(ctx, inv.ExecutionID), node.ID)
	ctx, span := tracing.StartSpan(ctx, e.tracer, "playbook.node",
		tracing.ExecutionIDKey.String(inv.ExecutionID),
		tracing.NodeIDKey.String(node.ID),
		tracing.ServiceKey.String(node.Service))
	defer span.End()

	result := &schema.ActionResult{
		NodeID:    node.ID,
		Kind:      schema.ResultKindAction,
		StartedAt: e.clock.Now().UTC(),
	}

	payload, unresolved := e.evaluator.Render(node.Payload, inv.Scope)
	for _, ref := range unresolved {
		warning := fmt.Sprintf("unresolved template reference {{%s}}", ref)
		result.Warnings = append(result.Warnings, warning)
		e.logger.WarnContext(ctx, warning, slog.String("reference", ref))
	}

	maxAttempts := MaxAttempts(node.RetryPolicy)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		number := inv.AttemptBase + attempt
		if attempt > 1 {
			delay := ComputeBackoff(node.RetryPolicy, attempt-1)
			if inv.OnRetry != nil {
				inv.OnRetry(number, delay, lastErr)
			}
			e.logger.InfoContext(ctx, "retrying node",
				slog.Int("attempt", number),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if err := WaitForBackoff(ctx, e.clock, delay); err != nil {
				lastErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled during backoff").
					WithNode(node.ID).WithCause(err)
				break
			}
		}

		key := IdempotencyKey(inv.ExecutionID, keyID, number)
		if inv.OnAttempt != nil {
			inv.OnAttempt(number, key)
		}
		att := schema.Attempt{Number: number, StartedAt: e.clock.Now().UTC(), IdempotencyKey: key}
		result.Attempts = attempt
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("number", number)))

		res, retryable, err := e.attempt(ctx, node, payload, key)
		if err == nil {
			result.AttemptLog = append(result.AttemptLog, att)
			return e.succeed(ctx, span, node, result, res)
		}

		att.Error = err.Error()
		result.AttemptLog = append(result.AttemptLog, att)
		lastErr = err
		if !IsRetryableError(err, retryable) {
			break
		}
		if attempt == maxAttempts && maxAttempts > 1 {
			lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"gave up after %d attempts", maxAttempts).WithNode(node.ID).WithCause(err)
		}
	}

	return e.fail(ctx, span, result, lastErr)
}

// attempt performs a single invocation under the service's breaker and the
// node's timeout.
func (e *ActionExecutor) attempt(ctx context.Context, node *schema.ActionNode, payload map[string]any, key string) (ServiceResult, bool, error) {
	attemptCtx := ctx
	if node.TimeoutMs > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = clockwork.WithTimeout(ctx, e.clock, time.Duration(node.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var retryable bool
	out, err := e.breakers.Execute(node.Service, func() (any, error) {
		res, err := e.invoke(attemptCtx, node.Service, payload, key)
		retryable = res.Retryable
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return ServiceResult{}, retryable, classifyInvokeError(ctx, node, err)
	}
	return out.(ServiceResult), false, nil
}

// invoke calls the service and stops waiting once ctx is done. A service that
// ignores ctx keeps running in the background until it returns.
func (e *ActionExecutor) invoke(ctx context.Context, service string, payload map[string]any, key string) (ServiceResult, error) {
	type reply struct {
		res ServiceResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := e.service.Invoke(ctx, service, payload, key)
		done <- reply{res, err}
	}()
	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return ServiceResult{}, ctx.Err()
	}
}

func classifyInvokeError(runCtx context.Context, node *schema.ActionNode, err error) error {
	var pe *schema.PlaybookError
	switch {
	case runCtx.Err() != nil:
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(node.ID).WithCause(runCtx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeTimeout, "attempt exceeded %dms", node.TimeoutMs).
			WithNode(node.ID).WithCause(err).AsRetryable()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return schema.NewErrorf(schema.ErrCodeCircuitOpen, "service %q unavailable", node.Service).
			WithNode(node.ID).WithCause(err)
	case errors.As(err, &pe):
		return pe
	default:
		return schema.NewErrorf(schema.ErrCodeActionInvocation, "service %q failed", node.Service).
			WithNode(node.ID).WithCause(err)
	}
}

func (e *ActionExecutor) succeed(ctx context.Context, span trace.Span, node *schema.ActionNode, result *schema.ActionResult, res ServiceResult) *schema.ActionResult {
	output := res.Output
	if node.OutputSelector != "" {
		selected, err := e.evaluator.Select(ctx, node.OutputSelector, output)
		if err != nil {
			return e.fail(ctx, span, result, schema.NewErrorf(schema.ErrCodeExpression,
				"output selector %q failed", node.OutputSelector).WithNode(node.ID).WithCause(err))
		}
		output = selected
	}
	result.Status = schema.ResultSuccess
	result.Output = output
	result.RollbackHandle = res.RollbackHandle
	result.CompletedAt = e.clock.Now().UTC()
	e.logger.DebugContext(ctx, "node succeeded", slog.Int("attempts", result.Attempts))
	return result
}

func (e *ActionExecutor) fail(ctx context.Context, span trace.Span, result *schema.ActionResult, err error) *schema.ActionResult {
	result.Status = schema.ResultFailed
	result.Error = err.Error()
	result.ErrorCode = schema.ErrorCode(err)
	result.CompletedAt = e.clock.Now().UTC()
	tracing.SetError(span, err)
	e.logger.WarnContext(ctx, "node failed",
		slog.Int("attempts", result.Attempts),
		slog.String("code", result.ErrorCode),
		slog.String("error", result.Error))
	return result
}
