package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// run is the in-memory state of one execution while a driver holds it.
// Everything except waiters belongs to the driving goroutine.
type run struct {
	id    string
	rec   *schema.ExecutionRecord
	graph *Graph

	// driverCtx outlives the callers; persistence and compensation use it.
	driverCtx context.Context
	// ctx carries node work and is cancelled by Cancel.
	ctx    context.Context
	cancel context.CancelFunc

	gates    map[string]*schema.ApprovalRequest // open request per gated node
	queue    []string                           // approved nodes waiting for a slot
	inflight int

	halt       schema.ExecutionStatus
	haltReason string

	done     chan completion
	attempts chan attemptIssued
	inbox    chan *command
	// waiters counts callers about to hand a command to the driver; guarded
	// by Orchestrator.mu.
	waiters int

	flushed    int // trail entries already persisted and published
	persistErr error
}

type completion struct {
	nodeID string
	result *schema.ActionResult
}

// attemptIssued is sent by a worker before it calls the service. ack closes
// once the attempt number is persisted.
type attemptIssued struct {
	nodeID string
	number int
	ack    chan struct{}
}

type command struct {
	ctx   context.Context
	apply func(context.Context, *run) (any, error)
	reply chan commandReply
}

type commandReply struct {
	value any
	err   error
}

func (o *Orchestrator) newRun(ctx context.Context, rec *schema.ExecutionRecord, graph *Graph) *run {
	driverCtx := context.WithoutCancel(logging.WithExecutionID(ctx, rec.ID))
	runCtx, cancel := context.WithCancel(driverCtx)
	return &run{
		id:        rec.ID,
		rec:       rec,
		graph:     graph,
		driverCtx: driverCtx,
		ctx:       runCtx,
		cancel:    cancel,
		gates:     make(map[string]*schema.ApprovalRequest),
		done:      make(chan completion, len(rec.Definition.Nodes)),
		attempts:  make(chan attemptIssued),
		inbox:     make(chan *command, 1),
	}
}

func (r *run) trail(e schema.TrailEntry) {
	r.rec.AppendTrail(e)
}

// issue blocks until the driver has persisted attempt number of nodeID.
func (r *run) issue(nodeID string, number int) {
	a := attemptIssued{nodeID: nodeID, number: number, ack: make(chan struct{})}
	select {
	case r.attempts <- a:
	case <-r.ctx.Done():
		return
	}
	select {
	case <-a.ack:
	case <-r.ctx.Done():
	}
}

func (r *run) requestByID(id string) (*schema.ApprovalRequest, bool) {
	for _, req := range r.gates {
		if req.ID == id {
			return req, true
		}
	}
	return nil, false
}

// outcome names the status the run has reached or is heading to.
func (r *run) outcome() schema.ExecutionStatus {
	if r.halt != "" && !r.rec.Status.Terminal() {
		return r.halt
	}
	return r.rec.Status
}

// load rebuilds a run from the store. Nodes interrupted while running are
// re-queued, and gated nodes pick up their open request or the decision
// reached before the interruption.
func (o *Orchestrator) load(ctx context.Context, executionID string) (*run, error) {
	rec, err := o.store.LoadExecutionRecord(ctx, executionID)
	if err != nil {
		return nil, err
	}
	graph, err := ParseGraph(rec.Definition)
	if err != nil {
		return nil, err
	}
	if rec.NodeAttempts == nil {
		rec.NodeAttempts = make(map[string]int)
	}
	if rec.NodeInFlight == nil {
		rec.NodeInFlight = make(map[string]int)
	}
	if rec.BranchDecisions == nil {
		rec.BranchDecisions = make(map[string]bool)
	}
	if rec.Context.PreviousActions == nil {
		rec.Context.PreviousActions = make(map[string]*schema.ActionResult)
	}

	r := o.newRun(ctx, rec, graph)
	r.flushed = len(rec.Trail)
	if rec.Status.Terminal() {
		return r, nil
	}

	approvals, err := o.store.ListApprovals(ctx, executionID)
	if err != nil {
		r.cancel()
		return nil, err
	}
	latest := make(map[string]*schema.ApprovalRequest)
	for _, req := range approvals {
		latest[req.NodeID] = req
		if req.Status == schema.ApprovalPending {
			r.gates[req.NodeID] = req
		}
	}

	var requeued []string
	var decided []*schema.ApprovalRequest
	for _, id := range graph.Order {
		switch rec.NodeStates[id] {
		case schema.NodeRunning:
			requeued = append(requeued, id)
			if _, gated := rec.Definition.Gate(id); gated {
				rec.NodeStates[id] = schema.NodeAwaitingApproval
				r.queue = append(r.queue, id)
			} else {
				rec.NodeStates[id] = schema.NodePending
			}
		case schema.NodeAwaitingApproval:
			if _, open := r.gates[id]; open {
				continue
			}
			req := latest[id]
			if req == nil {
				rec.NodeStates[id] = schema.NodePending
				continue
			}
			decided = append(decided, req)
		}
	}
	if len(requeued) > 0 {
		r.trail(schema.TrailEntry{
			At:      o.clock.Now().UTC(),
			Type:    schema.EventExecutionResumed,
			Message: "re-queued interrupted nodes",
			Data:    map[string]any{"nodes": requeued},
		})
	}
	for _, req := range decided {
		o.resolved(r.driverCtx, r, req, nil)
	}
	return r, nil
}

// drive settles the run until nothing is in flight and no caller is waiting.
func (o *Orchestrator) drive(r *run) {
	ctx := r.driverCtx
	for {
		o.schedule(ctx, r)
		o.flush(ctx, r)
		if r.inflight == 0 && o.release(r) {
			return
		}

		select {
		case c := <-r.done:
			r.inflight--
			o.settle(ctx, r, c.nodeID, c.result)
		case a := <-r.attempts:
			o.attempted(ctx, r, a)
		case cmd := <-r.inbox:
			o.received(r)
			v, err := cmd.apply(cmd.ctx, r)
			o.schedule(ctx, r)
			o.flush(ctx, r)
			cmd.reply <- commandReply{value: v, err: err}
		}
	}
}

// schedule starts every node that may start, then either finishes the run
// or brings its status in line with its open gates.
func (o *Orchestrator) schedule(ctx context.Context, r *run) {
	if r.rec.Status == schema.ExecutionPending {
		o.transition(ctx, r, schema.ExecutionRunning, "scheduling")
	}
	for !r.rec.Status.Terminal() {
		if r.halt != "" {
			if r.inflight == 0 {
				o.finish(ctx, r)
			}
			return
		}
		if !o.step(ctx, r) {
			break
		}
	}
	if r.rec.Status.Terminal() {
		return
	}
	if r.inflight == 0 && len(r.gates) == 0 && len(r.queue) == 0 {
		o.finish(ctx, r)
		return
	}
	if len(r.gates) > 0 {
		o.transition(ctx, r, schema.ExecutionWaitingApproval, "awaiting approval")
	} else {
		o.transition(ctx, r, schema.ExecutionRunning, "resumed")
	}
}

// step applies one planning pass and reports whether anything changed.
func (o *Orchestrator) step(ctx context.Context, r *run) bool {
	plan := r.graph.Plan(r.rec.NodeStates, r.rec.BranchDecisions)
	if len(plan.Skips) > 0 {
		for _, s := range plan.Skips {
			o.skipNode(ctx, r, s.NodeID, s.Reason, "")
		}
		return true
	}

	progressed := false
	limit := o.limit(r)
	for len(r.queue) > 0 && r.inflight < limit && r.halt == "" {
		id := r.queue[0]
		r.queue = r.queue[1:]
		o.start(ctx, r, id)
		progressed = true
	}
	for _, id := range plan.Ready {
		if r.halt != "" {
			break
		}
		if gate, ok := r.rec.Definition.Gate(id); ok {
			o.openGate(ctx, r, id, gate)
			progressed = true
			continue
		}
		if r.inflight >= limit {
			continue
		}
		o.start(ctx, r, id)
		progressed = true
	}
	return progressed
}

func (o *Orchestrator) limit(r *run) int {
	switch {
	case r.rec.Definition.MaxConcurrency > 0:
		return r.rec.Definition.MaxConcurrency
	case o.maxConcurrency > 0:
		return o.maxConcurrency
	}
	return math.MaxInt
}

// start hands a node to the worker pool. Its result comes back on r.done.
func (o *Orchestrator) start(ctx context.Context, r *run, id string) {
	node, _ := r.rec.Definition.Node(id)
	base := r.rec.NodeAttempts[id]
	if n, interrupted := r.rec.NodeInFlight[id]; interrupted {
		base = n - 1
	}
	r.rec.NodeStates[id] = schema.NodeRunning

	now := o.clock.Now().UTC()
	r.trail(schema.TrailEntry{
		At:     now,
		Type:   schema.EventNodeStarted,
		NodeID: id,
		Data:   map[string]any{"service": node.Service, "attemptBase": base},
	})

	inv := Invocation{
		Node:        node,
		ExecutionID: r.id,
		Scope:       r.rec.Context.Scope(),
		AttemptBase: base,
		OnAttempt:   func(number int, _ string) { r.issue(id, number) },
	}
	var res *schema.ActionResult
	r.inflight++
	err := o.dispatch(ctx, r, func(ctx context.Context) error {
		res = o.executor.Run(ctx, inv)
		return nil
	}, func(err error) {
		if res == nil {
			at := o.clock.Now().UTC()
			res = &schema.ActionResult{
				NodeID:      id,
				Kind:        schema.ResultKindAction,
				Status:      schema.ResultFailed,
				StartedAt:   now,
				CompletedAt: at,
				Attempts:    1,
				Error:       fmt.Sprint(err),
				ErrorCode:   schema.ErrCodeActionInvocation,
			}
		}
		r.done <- completion{nodeID: id, result: res}
	})
	if err != nil {
		r.inflight--
		o.settle(ctx, r, id, &schema.ActionResult{
			NodeID:      id,
			Kind:        schema.ResultKindAction,
			Status:      schema.ResultFailed,
			StartedAt:   now,
			CompletedAt: now,
			Error:       "node not started: " + err.Error(),
			ErrorCode:   schema.ErrCodeCancelled,
		})
	}
}

// dispatch submits task to the shared pool. While the pool applies
// backpressure the driver keeps recording attempts, since the workers holding
// the slots wait on those acknowledgements.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, task Task, onDone func(error)) error {
	submitted := make(chan error, 1)
	go func() {
		submitted <- o.pool.Submit(r.ctx, task, onDone)
	}()
	for {
		select {
		case err := <-submitted:
			return err
		case a := <-r.attempts:
			o.attempted(ctx, r, a)
		}
	}
}

// settle records the final result of an executed node.
func (o *Orchestrator) settle(ctx context.Context, r *run, id string, res *schema.ActionResult) {
	node, _ := r.rec.Definition.Node(id)
	ctx = logging.WithNodeID(ctx, id)
	res.NodeID = id

	r.rec.Results = append(r.rec.Results, *res)
	prev := *res
	r.rec.Context.PreviousActions[id] = &prev
	if n := len(res.AttemptLog); n > 0 {
		r.rec.NodeAttempts[id] = res.AttemptLog[n-1].Number
	} else {
		r.rec.NodeAttempts[id] += res.Attempts
	}
	delete(r.rec.NodeInFlight, id)

	for i := 1; i < len(res.AttemptLog); i++ {
		a := res.AttemptLog[i]
		r.trail(schema.TrailEntry{
			At:      a.StartedAt,
			Type:    schema.EventNodeRetrying,
			NodeID:  id,
			Message: res.AttemptLog[i-1].Error,
			Data:    map[string]any{"attempt": a.Number, "idempotencyKey": a.IdempotencyKey},
		})
	}
	for _, w := range res.Warnings {
		r.trail(schema.TrailEntry{At: res.StartedAt, Type: schema.EventTemplateWarning, NodeID: id, Message: w})
	}

	data := map[string]any{"attempts": res.Attempts}
	if res.RollbackHandle != "" {
		data["rollbackHandle"] = res.RollbackHandle
	}
	o.observer.NodeSettled(node.Service, res.Status, res.Attempts, res.CompletedAt.Sub(res.StartedAt))

	if res.Status == schema.ResultSuccess {
		r.rec.NodeStates[id] = schema.NodeSucceeded
		r.trail(schema.TrailEntry{At: res.CompletedAt, Type: schema.EventNodeSucceeded, NodeID: id, Data: data})
		o.logger.InfoContext(ctx, "node succeeded", slog.Int("attempts", res.Attempts))
	} else {
		code := res.ErrorCode
		if code == "" {
			code = schema.ErrCodeActionInvocation
		}
		data["errorCode"] = code
		r.rec.NodeStates[id] = schema.NodeFailed
		r.trail(schema.TrailEntry{At: res.CompletedAt, Type: schema.EventNodeFailed, NodeID: id, Message: res.Error, Data: data})
		r.rec.Errors = append(r.rec.Errors, schema.ErrorEntry{NodeID: id, Code: code, Message: res.Error, At: res.CompletedAt})
		o.logger.WarnContext(ctx, "node failed",
			slog.Int("attempts", res.Attempts), slog.String("code", code), slog.String("error", res.Error))
		if !node.ContinueOnError {
			o.halt(ctx, r, schema.ExecutionFailed, fmt.Sprintf("node %s failed: %s", id, res.Error))
		}
	}
	o.branches(ctx, r, id)
}

// skipNode settles a node that will never run.
func (o *Orchestrator) skipNode(ctx context.Context, r *run, id, reason, code string) {
	now := o.clock.Now().UTC()
	res := schema.ActionResult{
		NodeID:      id,
		Kind:        schema.ResultKindAction,
		Status:      schema.ResultSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error:       reason,
		ErrorCode:   code,
	}
	r.rec.Results = append(r.rec.Results, res)
	r.rec.Context.PreviousActions[id] = &res
	r.rec.NodeStates[id] = schema.NodeSkipped
	r.trail(schema.TrailEntry{At: now, Type: schema.EventNodeSkipped, NodeID: id, Message: reason})

	if node, ok := r.rec.Definition.Node(id); ok {
		o.observer.NodeSettled(node.Service, schema.ResultSkipped, 0, 0)
	}
	o.logger.DebugContext(logging.WithNodeID(ctx, id), "node skipped", slog.String("reason", reason))
	o.branches(ctx, r, id)
}

// branches decides every branch triggered by id. A condition that fails to
// evaluate takes the else path.
func (o *Orchestrator) branches(ctx context.Context, r *run, id string) {
	for _, b := range r.graph.BranchesAfter(id) {
		if _, decided := r.rec.BranchDecisions[b.ID]; decided {
			continue
		}
		taken, err := o.evaluator.Condition(ctx, b.Engine, b.Condition, r.rec.Context.Scope())
		data := map[string]any{"branchId": b.ID}
		if err != nil {
			taken = false
			data["error"] = err.Error()
			o.logger.WarnContext(ctx, "branch condition failed",
				slog.String("branch", b.ID), slog.String("error", err.Error()))
		}
		data["taken"] = taken
		path := "else"
		if taken {
			path = "then"
		}
		r.rec.BranchDecisions[b.ID] = taken
		r.trail(schema.TrailEntry{
			At:      o.clock.Now().UTC(),
			Type:    schema.EventBranchEvaluated,
			NodeID:  id,
			Message: fmt.Sprintf("branch %s took %s path", b.ID, path),
			Data:    data,
		})
	}
}

// openGate suspends a ready gated node behind a new ApprovalRequest.
func (o *Orchestrator) openGate(ctx context.Context, r *run, id string, gate *schema.ApprovalGate) {
	r.rec.NodeStates[id] = schema.NodeAwaitingApproval
	req, err := o.gates.Open(ctx, OpenParams{
		ExecutionID: r.id,
		Gate:        gate,
		Rules:       r.rec.Definition.AutoApprovalRules,
		Scope:       r.rec.Context.Scope(),
	})
	if err != nil {
		now := o.clock.Now().UTC()
		o.settle(ctx, r, id, &schema.ActionResult{
			NodeID:      id,
			Kind:        schema.ResultKindAction,
			Status:      schema.ResultFailed,
			StartedAt:   now,
			CompletedAt: now,
			Error:       err.Error(),
			ErrorCode:   schema.ErrorCode(err),
		})
		return
	}
	o.track(ctx, r, req, schema.TrailEntry{
		Type: schema.EventApprovalRequested,
		Data: map[string]any{"mode": string(req.Mode), "approvers": approverIDs(req.Approvers), "timeoutAt": req.TimeoutAt},
	})
	if req.Status.Terminal() {
		o.resolved(ctx, r, req, nil)
	}
}

// track registers a newly created request with the run.
func (o *Orchestrator) track(ctx context.Context, r *run, req *schema.ApprovalRequest, entry schema.TrailEntry) {
	r.rec.Approvals = append(r.rec.Approvals, req.ID)
	if req.Status == schema.ApprovalPending {
		r.gates[req.NodeID] = req
	}
	o.saveApproval(ctx, r, req)

	entry.At = req.CreatedAt
	entry.NodeID = req.NodeID
	entry.ApprovalID = req.ID
	if entry.Message == "" {
		entry.Message = req.Summary
	}
	r.trail(entry)
	if len(req.Notifications) > 0 {
		delivery := make(map[string]any, len(req.Notifications))
		for ch, st := range req.Notifications {
			delivery[ch] = string(st)
		}
		r.trail(schema.TrailEntry{
			At:         req.CreatedAt,
			Type:       schema.EventApprovalNotified,
			NodeID:     req.NodeID,
			ApprovalID: req.ID,
			Data:       delivery,
		})
	}
	o.observer.ApprovalOpened(req.Mode)
}

// resolved applies a terminal request to its node. next is the successor
// created by an escalation.
func (o *Orchestrator) resolved(ctx context.Context, r *run, req *schema.ApprovalRequest, next *schema.ApprovalRequest) {
	delete(r.gates, req.NodeID)

	reason := string(req.Status)
	data := map[string]any{"status": string(req.Status), "escalationLevel": req.EscalationLevel}
	code := ""
	if res := req.Resolution; res != nil {
		reason = res.Reason
		data["resolvedBy"] = res.ResolvedBy
		if res.ResolvedBy == "timeout" {
			code = schema.ErrCodeApprovalTimeout
			data["code"] = code
		}
	}
	r.trail(schema.TrailEntry{
		At:         req.UpdatedAt,
		Type:       schema.EventApprovalResolved,
		NodeID:     req.NodeID,
		ApprovalID: req.ID,
		Message:    reason,
		Data:       data,
	})
	o.observer.ApprovalResolved(req.Status, req.UpdatedAt.Sub(req.CreatedAt))
	o.logger.InfoContext(logging.WithApprovalID(ctx, req.ID), "approval resolved",
		slog.String("status", string(req.Status)), slog.String("node", req.NodeID))

	switch req.Status {
	case schema.ApprovalApproved:
		if r.halt == "" {
			r.queue = append(r.queue, req.NodeID)
		}
	case schema.ApprovalExpired:
		if next != nil && r.halt == "" {
			o.track(ctx, r, next, schema.TrailEntry{
				Type: schema.EventApprovalEscalated,
				Data: map[string]any{
					"parentRequestId": req.ID,
					"level":           next.EscalationLevel,
					"approvers":       approverIDs(next.Approvers),
				},
			})
			return
		}
		o.skipNode(ctx, r, req.NodeID, "approval expired: "+reason, code)
	default:
		o.skipNode(ctx, r, req.NodeID, fmt.Sprintf("approval %s: %s", req.Status, reason), code)
	}
}

// openRequest returns the open request requestID of r, or the reason it
// cannot be acted on.
func (o *Orchestrator) openRequest(ctx context.Context, r *run, requestID string) (*schema.ApprovalRequest, error) {
	if req, ok := r.requestByID(requestID); ok {
		return req, nil
	}
	stored, err := o.store.LoadApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"approval %s is %s", requestID, stored.Status).WithNode(stored.NodeID)
}

// halt stops scheduling. Open gates are cancelled; a cancelled run also
// cancels the context of its in-flight nodes.
func (o *Orchestrator) halt(ctx context.Context, r *run, status schema.ExecutionStatus, reason string) {
	if r.halt != "" {
		return
	}
	r.halt = status
	r.haltReason = reason
	r.queue = nil
	if status == schema.ExecutionCancelled {
		r.cancel()
	}
	for _, id := range r.graph.Order {
		req, ok := r.gates[id]
		if !ok {
			continue
		}
		if err := o.gates.Cancel(req, reason); err != nil {
			o.logger.ErrorContext(ctx, "cancel approval failed", slog.String("error", err.Error()))
			continue
		}
		o.saveApproval(ctx, r, req)
		o.resolved(ctx, r, req, nil)
	}
	o.logger.InfoContext(ctx, "execution halting", slog.String("status", string(status)), slog.String("reason", reason))
}

// finish settles the leftover nodes, moves the record to its terminal
// status and compensates failed or cancelled runs.
func (o *Orchestrator) finish(ctx context.Context, r *run) {
	status := schema.ExecutionCompleted
	reason := "all nodes settled"
	leftover := "unreachable"
	if r.halt != "" {
		status = r.halt
		reason = r.haltReason
		leftover = "execution " + string(status)
	}
	for _, id := range r.graph.Order {
		if !r.rec.NodeStates[id].Settled() {
			o.skipNode(ctx, r, id, leftover, "")
		}
	}
	r.queue = nil

	o.transition(ctx, r, status, reason)
	if status != schema.ExecutionCompleted {
		o.compensate(ctx, r)
	}

	end := o.clock.Now().UTC()
	if r.rec.CompletedAt != nil {
		end = *r.rec.CompletedAt
	}
	o.observer.ExecutionFinished(r.rec.DefinitionID, r.rec.Status, end.Sub(r.rec.CreatedAt))
	o.logger.InfoContext(ctx, "execution finished", slog.String("status", string(r.rec.Status)))
}

// compensate rolls back the succeeded nodes of a failed or cancelled run.
func (o *Orchestrator) compensate(ctx context.Context, r *run) {
	candidates := Candidates(r.rec)
	if len(candidates) == 0 {
		return
	}
	r.trail(schema.TrailEntry{
		At:   o.clock.Now().UTC(),
		Type: schema.EventRollbackStarted,
		Data: map[string]any{"nodes": r.graph.ReverseOrder(candidates)},
	})
	o.flush(ctx, r)

	ok := o.rollback.Rollback(ctx, r.rec, r.graph, func(res *schema.ActionResult) {
		entry := schema.TrailEntry{
			At:     res.CompletedAt,
			Type:   schema.EventRollbackSucceeded,
			NodeID: res.NodeID,
			Data:   map[string]any{"attempts": res.Attempts},
		}
		if res.Status == schema.ResultRollbackFailed {
			entry.Type = schema.EventRollbackFailed
			entry.Message = res.Error
			r.rec.Errors = append(r.rec.Errors, schema.ErrorEntry{
				NodeID:  res.NodeID,
				Code:    schema.ErrCodeRollback,
				Message: res.Error,
				At:      res.CompletedAt,
			})
		}
		r.trail(entry)
		o.observer.RollbackSettled(res.Status)
		o.flush(ctx, r)
	})
	if ok {
		o.transition(ctx, r, schema.ExecutionRolledBack, "compensations succeeded")
	}
}

func (o *Orchestrator) transition(ctx context.Context, r *run, to schema.ExecutionStatus, reason string) {
	if err := o.fsm.Transition(r.rec, to, o.clock.Now().UTC(), reason); err != nil {
		o.logger.ErrorContext(ctx, "status transition rejected", slog.String("error", err.Error()))
	}
}

// flush persists the record when its trail grew and publishes the new
// entries. A failed save is retried on the next flush.
func (o *Orchestrator) flush(ctx context.Context, r *run) {
	if len(r.rec.Trail) == r.flushed {
		return
	}
	if !o.save(ctx, r) {
		return
	}

	if o.hub != nil {
		for _, e := range r.rec.Trail[r.flushed:] {
			err := o.hub.Publish(ctx, streaming.StreamEvent{
				ExecutionID: r.id,
				Seq:         e.Seq,
				At:          e.At,
				EventType:   e.Type,
				NodeID:      e.NodeID,
				ApprovalID:  e.ApprovalID,
				Message:     e.Message,
				Payload:     e.Data,
			})
			if err != nil {
				o.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
			}
		}
	}
	r.flushed = len(r.rec.Trail)
}

func (o *Orchestrator) save(ctx context.Context, r *run) bool {
	now := o.clock.Now().UTC()
	r.rec.UpdatedAt = now
	r.rec.Metrics = computeMetrics(r.rec, now)
	if err := o.store.SaveExecutionRecord(ctx, r.rec); err != nil {
		o.logger.ErrorContext(ctx, "persist execution record failed", slog.String("error", err.Error()))
		if r.persistErr == nil {
			r.persistErr = err
		}
		return false
	}
	r.persistErr = nil
	return true
}

// attempted records the attempt a worker is about to issue and releases it
// once the record is stored.
func (o *Orchestrator) attempted(ctx context.Context, r *run, a attemptIssued) {
	defer close(a.ack)
	r.rec.NodeAttempts[a.nodeID] = a.number
	r.rec.NodeInFlight[a.nodeID] = a.number
	o.save(ctx, r)
}

func (o *Orchestrator) saveApproval(ctx context.Context, r *run, req *schema.ApprovalRequest) {
	if err := o.store.SaveApprovalRequest(ctx, req); err != nil {
		o.logger.ErrorContext(logging.WithApprovalID(ctx, req.ID), "persist approval failed", slog.String("error", err.Error()))
		if r.persistErr == nil {
			r.persistErr = err
		}
	}
}

// computeMetrics summarizes forward outcomes and compensations of rec.
func computeMetrics(rec *schema.ExecutionRecord, now time.Time) schema.ExecutionMetrics {
	var m schema.ExecutionMetrics
	for _, res := range rec.Results {
		switch res.Status {
		case schema.ResultSuccess:
			m.Completed++
		case schema.ResultFailed:
			m.Failed++
		case schema.ResultSkipped:
			m.Skipped++
		case schema.ResultRolledBack:
			m.RolledBack++
		}
	}
	end := now
	if rec.CompletedAt != nil {
		end = *rec.CompletedAt
	}
	m.TotalDurationMs = end.Sub(rec.CreatedAt).Milliseconds()
	if executed := m.Completed + m.Failed; executed > 0 {
		m.SuccessRate = float64(m.Completed) / float64(executed)
	}
	return m
}

func approverIDs(approvers []schema.Approver) []string {
	out := make([]string, len(approvers))
	for i, a := range approvers {
		out[i] = a.ID
	}
	return out
}
