package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// DefaultPoolSize bounds node executions in flight across all runs.
const DefaultPoolSize = 16

// Config configures an Orchestrator. Zero values select defaults.
type Config struct {
	// PoolSize bounds node executions in flight across every run of the process.
	PoolSize int
	// MaxConcurrency bounds in-flight nodes per run when the Definition does
	// not set its own. Zero means only the pool bounds a run.
	MaxConcurrency int
	Breaker        BreakerConfig
	NotifyTimeout  time.Duration
	// StoreRetry configures the retrying wrapper placed around the store.
	StoreRetry *store.RetryConfig

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Notifier Notifier
	Policies *PolicyRegistry
	Observer Observer
	Hub      streaming.EventHub
	Tracer   trace.Tracer
}

// Orchestrator runs Definitions. It owns the ExecutionRecord of each active
// run, drives the DAG through the ActionExecutor, suspends gated nodes on
// the ApprovalGateManager, and compensates through the RollbackCoordinator
// when a run fails or is cancelled.
//
// A run is driven by whichever call loaded it: Start, or the first Respond,
// Delegate, Cancel, Resume or CheckExpirations that touches a suspended run.
// Calls arriving while a run is being driven are handed to the driver and
// applied between node settlements, so a record is only ever mutated by one
// goroutine.
type Orchestrator struct {
	store     store.Store
	evaluator *expressions.Evaluator
	executor  *ActionExecutor
	gates     *ApprovalGateManager
	rollback  *RollbackCoordinator
	fsm       *ExecutionFSM
	pool      *WorkerPool
	clock     clockwork.Clock
	logger    *slog.Logger
	observer  Observer
	hub       streaming.EventHub

	maxConcurrency int

	mu   sync.Mutex
	runs map[string]*run
}

// NewOrchestrator wires the engine over st and svc.
func NewOrchestrator(st store.Store, svc Service, cfg Config) (*Orchestrator, error) {
	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	logger := logging.WithModule(cfg.Logger, "engine")

	if _, ok := st.(*store.RetryingStore); !ok {
		retry := store.DefaultRetryConfig()
		if cfg.StoreRetry != nil {
			retry = *cfg.StoreRetry
		}
		st = store.NewRetryingStore(st, retry, logger)
	}

	execOpts := []ExecutorOption{
		WithExecutorClock(cfg.Clock),
		WithBreakers(NewBreakerRegistry(cfg.Breaker, logger)),
		WithExecutorLogger(logger),
	}
	if cfg.Tracer != nil {
		execOpts = append(execOpts, WithTracer(cfg.Tracer))
	}
	executor := NewActionExecutor(svc, evaluator, execOpts...)

	gateOpts := []ApprovalOption{
		WithApprovalClock(cfg.Clock),
		WithApprovalLogger(logger),
		WithNotifyTimeout(cfg.NotifyTimeout),
	}
	if cfg.Notifier != nil {
		gateOpts = append(gateOpts, WithNotifier(cfg.Notifier))
	}
	if cfg.Policies != nil {
		gateOpts = append(gateOpts, WithPolicies(cfg.Policies))
	}

	return &Orchestrator{
		store:          st,
		evaluator:      evaluator,
		executor:       executor,
		gates:          NewApprovalGateManager(evaluator, gateOpts...),
		rollback:       NewRollbackCoordinator(executor, logger),
		fsm:            NewExecutionFSM(),
		pool:           NewWorkerPool(cfg.PoolSize),
		clock:          cfg.Clock,
		logger:         logger,
		observer:       cfg.Observer,
		hub:            cfg.Hub,
		maxConcurrency: cfg.MaxConcurrency,
		runs:           make(map[string]*run),
	}, nil
}

// Policies returns the registry custom approval modes resolve against.
func (o *Orchestrator) Policies() *PolicyRegistry {
	return o.gates.Policies()
}

// FSM exposes the status machine so callers can hook transitions.
func (o *Orchestrator) FSM() *ExecutionFSM {
	return o.fsm
}

// Start validates def and runs it for event. It returns once every runnable
// node has settled: the record is then terminal, or waiting_approval when a
// gate suspended part of the graph. Definition errors are returned before
// anything is persisted.
func (o *Orchestrator) Start(ctx context.Context, def *schema.Definition, event map[string]any) (*schema.ExecutionRecord, error) {
	graph, err := ParseGraph(def)
	if err != nil {
		return nil, err
	}
	if err := o.gates.CheckPolicies(def); err != nil {
		return nil, err
	}

	now := o.clock.Now().UTC()
	def = def.Clone()
	if event == nil {
		event = map[string]any{}
	}
	vars := make(map[string]any, len(def.Variables))
	for k, v := range def.Variables {
		vars[k] = v
	}
	id := uuid.NewString()
	rec := &schema.ExecutionRecord{
		ID:           id,
		DefinitionID: def.ID,
		Status:       schema.ExecutionPending,
		Definition:   def,
		Context: &schema.ExecutionContext{
			ExecutionID:     id,
			DefinitionID:    def.ID,
			Timestamp:       now,
			Event:           event,
			Variables:       vars,
			PreviousActions: make(map[string]*schema.ActionResult, len(def.Nodes)),
		},
		Results:         []schema.ActionResult{},
		NodeStates:      make(map[string]schema.NodeState, len(def.Nodes)),
		NodeAttempts:    make(map[string]int, len(def.Nodes)),
		NodeInFlight:    make(map[string]int),
		BranchDecisions: make(map[string]bool, len(def.Branches)),
		Trail:           []schema.TrailEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, n := range def.Nodes {
		rec.NodeStates[n.ID] = schema.NodePending
	}
	rec.AppendTrail(schema.TrailEntry{
		At:      now,
		Type:    schema.EventExecutionStarted,
		Message: "execution started",
		Data:    map[string]any{"definitionId": def.ID, "nodes": len(def.Nodes)},
	})

	ctx = logging.WithExecutionID(ctx, id)
	if err := o.store.SaveExecutionRecord(ctx, rec); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "execution started", slog.String("definition", def.ID))
	o.observer.ExecutionStarted(def.ID)

	r := o.newRun(ctx, rec, graph)
	o.mu.Lock()
	o.runs[id] = r
	o.mu.Unlock()

	o.drive(r)
	return rec.Clone(), r.persistErr
}

// Respond records an approver's decision on a pending request. The gated
// node starts, or is skipped, as soon as the request resolves.
func (o *Orchestrator) Respond(ctx context.Context, requestID, approverID string, decision schema.Decision, comment string) (*schema.ApprovalRequest, error) {
	stored, err := o.store.LoadApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithApprovalID(ctx, requestID)
	v, err := o.submit(ctx, stored.ExecutionID, func(ctx context.Context, r *run) (any, error) {
		req, err := o.openRequest(ctx, r, requestID)
		if err != nil {
			return nil, err
		}
		if err := o.gates.Respond(req, approverID, decision, comment, r.rec.Context.Scope()); err != nil {
			return nil, err
		}
		r.trail(schema.TrailEntry{
			At:         req.UpdatedAt,
			Type:       schema.EventApprovalResponded,
			NodeID:     req.NodeID,
			ApprovalID: req.ID,
			Message:    comment,
			Data:       map[string]any{"approverId": approverID, "decision": string(decision)},
		})
		o.saveApproval(ctx, r, req)
		if req.Status.Terminal() {
			o.resolved(ctx, r, req, nil)
		}
		return req.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*schema.ApprovalRequest), nil
}

// Delegate hands from's approver slot on a pending request to another approver.
func (o *Orchestrator) Delegate(ctx context.Context, requestID, from, to, reason string) (*schema.ApprovalRequest, error) {
	stored, err := o.store.LoadApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithApprovalID(ctx, requestID)
	v, err := o.submit(ctx, stored.ExecutionID, func(ctx context.Context, r *run) (any, error) {
		req, err := o.openRequest(ctx, r, requestID)
		if err != nil {
			return nil, err
		}
		if err := o.gates.Delegate(ctx, req, from, to, reason); err != nil {
			return nil, err
		}
		r.trail(schema.TrailEntry{
			At:         req.UpdatedAt,
			Type:       schema.EventApprovalDelegated,
			NodeID:     req.NodeID,
			ApprovalID: req.ID,
			Message:    reason,
			Data:       map[string]any{"from": from, "to": to},
		})
		o.saveApproval(ctx, r, req)
		return req.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*schema.ApprovalRequest), nil
}

// CheckExpirations applies the timeout action of every pending request due
// at now. It returns the requests it resolved. A failure on one run does not
// stop the sweep of the others.
func (o *Orchestrator) CheckExpirations(ctx context.Context, now time.Time) ([]*schema.ApprovalRequest, error) {
	due, err := o.store.LoadPendingApprovals(ctx, now)
	if err != nil {
		return nil, err
	}

	var order []string
	byRun := make(map[string][]string)
	for _, req := range due {
		if _, ok := byRun[req.ExecutionID]; !ok {
			order = append(order, req.ExecutionID)
		}
		byRun[req.ExecutionID] = append(byRun[req.ExecutionID], req.ID)
	}

	var expired []*schema.ApprovalRequest
	var errs []error
	for _, execID := range order {
		ids := byRun[execID]
		v, err := o.submit(ctx, execID, func(ctx context.Context, r *run) (any, error) {
			var touched []*schema.ApprovalRequest
			for _, id := range ids {
				req, ok := r.requestByID(id)
				if !ok {
					continue
				}
				next, err := o.gates.Expire(ctx, req, now)
				if err != nil {
					return touched, err
				}
				if !req.Status.Terminal() {
					continue
				}
				o.saveApproval(ctx, r, req)
				o.resolved(ctx, r, req, next)
				touched = append(touched, req.Clone())
			}
			return touched, nil
		})
		if touched, ok := v.([]*schema.ApprovalRequest); ok {
			expired = append(expired, touched...)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// Cancel stops a run. Pending approvals are cancelled, in-flight nodes see
// their context cancelled, unstarted nodes are skipped, and succeeded nodes
// are compensated. Cancel returns once the run has settled.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, reason string) (*schema.ExecutionRecord, error) {
	if reason == "" {
		reason = "cancelled"
	}
	_, err := o.submit(ctx, executionID, func(ctx context.Context, r *run) (any, error) {
		if r.rec.Status.Terminal() || r.halt != "" {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"execution %s is already %s", executionID, r.outcome())
		}
		r.trail(schema.TrailEntry{
			At:      o.clock.Now().UTC(),
			Type:    schema.EventExecutionCancelled,
			Message: reason,
		})
		o.halt(ctx, r, schema.ExecutionCancelled, reason)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return o.Status(ctx, executionID)
}

// Resume reloads a run from the store and drives it. Nodes that were running
// when the previous process stopped are re-run with fresh attempt numbers.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) (*schema.ExecutionRecord, error) {
	_, err := o.submit(ctx, executionID, func(ctx context.Context, r *run) (any, error) {
		if !r.rec.Status.Terminal() {
			r.trail(schema.TrailEntry{
				At:      o.clock.Now().UTC(),
				Type:    schema.EventExecutionResumed,
				Message: "execution resumed",
			})
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return o.Status(ctx, executionID)
}

// Recover resumes every non-terminal run in the store and returns their ids.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	recs, err := o.store.ListExecutions(ctx, store.ExecutionFilter{Active: true})
	if err != nil {
		return nil, err
	}
	var ids []string
	var errs []error
	for _, rec := range recs {
		if _, err := o.Resume(ctx, rec.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, rec.ID)
	}
	return ids, errors.Join(errs...)
}

// Status returns the last persisted state of a run.
func (o *Orchestrator) Status(ctx context.Context, executionID string) (*schema.ExecutionRecord, error) {
	return o.store.LoadExecutionRecord(ctx, executionID)
}

// Approvals returns every request opened by a run, escalations included.
func (o *Orchestrator) Approvals(ctx context.Context, executionID string) ([]*schema.ApprovalRequest, error) {
	return o.store.ListApprovals(ctx, executionID)
}

// PoolMetrics reports the shared worker pool.
func (o *Orchestrator) PoolMetrics() PoolMetrics {
	return o.pool.Metrics()
}

// Shutdown stops accepting node work and waits for in-flight nodes.
func (o *Orchestrator) Shutdown() {
	o.pool.Shutdown()
}

// submit applies fn to the run executionID. When no call is driving the run
// it is loaded and this call drives it; otherwise fn is handed to the driver.
func (o *Orchestrator) submit(ctx context.Context, executionID string, fn func(context.Context, *run) (any, error)) (any, error) {
	ctx = logging.WithExecutionID(ctx, executionID)
	r, owner, err := o.attach(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if !owner {
		// The driver keeps receiving until waiters drops to zero, so the send
		// cannot block forever.
		cmd := &command{ctx: context.WithoutCancel(ctx), apply: fn, reply: make(chan commandReply, 1)}
		r.inbox <- cmd
		select {
		case rep := <-cmd.reply:
			return rep.value, rep.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	v, err := fn(context.WithoutCancel(ctx), r)
	o.drive(r)
	if err == nil && r.persistErr != nil {
		err = r.persistErr
	}
	return v, err
}

// attach returns the live run for executionID, loading it when no driver
// holds it. owner reports whether the caller must drive it.
func (o *Orchestrator) attach(ctx context.Context, executionID string) (*run, bool, error) {
	o.mu.Lock()
	if r, ok := o.runs[executionID]; ok {
		r.waiters++
		o.mu.Unlock()
		return r, false, nil
	}
	o.mu.Unlock()

	r, err := o.load(ctx, executionID)
	if err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.runs[executionID]; ok {
		r.cancel()
		existing.waiters++
		return existing, false, nil
	}
	o.runs[executionID] = r
	return r, true, nil
}

// release drops r once nobody else is waiting on it.
func (o *Orchestrator) release(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r.waiters > 0 || len(r.inbox) > 0 {
		return false
	}
	delete(o.runs, r.id)
	r.cancel()
	return true
}

func (o *Orchestrator) received(r *run) {
	o.mu.Lock()
	r.waiters--
	o.mu.Unlock()
}
