package engine

import (
	"sync"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// TransitionHook is called after a successful transition.
type TransitionHook func(id string, from, to string)

type transitionTable[S ~string] map[S][]S

func (t transitionTable[S]) allows(from, to S) bool {
	for _, a := range t[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidExecutionTransitions is the ExecutionRecord status machine. Statuses
// only move forward; running and waiting_approval alternate while gates
// suspend and resume branches.
var ValidExecutionTransitions = transitionTable[schema.ExecutionStatus]{
	schema.ExecutionPending: {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning: {
		schema.ExecutionWaitingApproval, schema.ExecutionCompleted,
		schema.ExecutionFailed, schema.ExecutionCancelled,
	},
	schema.ExecutionWaitingApproval: {
		schema.ExecutionRunning, schema.ExecutionCompleted,
		schema.ExecutionFailed, schema.ExecutionCancelled,
	},
	schema.ExecutionFailed:    {schema.ExecutionRolledBack},
	schema.ExecutionCancelled: {schema.ExecutionRolledBack},
}

// ValidApprovalTransitions is the ApprovalRequest status machine.
var ValidApprovalTransitions = transitionTable[schema.ApprovalStatus]{
	schema.ApprovalPending: {
		schema.ApprovalApproved, schema.ApprovalRejected, schema.ApprovalExpired,
		schema.ApprovalCancelled, schema.ApprovalDelegated,
	},
	schema.ApprovalDelegated: {schema.ApprovalPending},
}

// ExecutionFSM applies record status transitions and records them on the trail.
type ExecutionFSM struct {
	mu    sync.RWMutex
	after map[schema.ExecutionStatus][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{after: make(map[schema.ExecutionStatus][]TransitionHook)}
}

// OnAfter registers a hook called after any transition into to.
func (f *ExecutionFSM) OnAfter(to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition moves rec to the given status. Re-entering the current status
// is a no-op.
func (f *ExecutionFSM) Transition(rec *schema.ExecutionRecord, to schema.ExecutionStatus, at time.Time, reason string) error {
	from := rec.Status
	if from == to {
		return nil
	}
	if !ValidExecutionTransitions.allows(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"executionId": rec.ID, "from": string(from), "to": string(to)})
	}

	rec.Status = to
	rec.UpdatedAt = at
	if to.Terminal() {
		completed := at
		rec.CompletedAt = &completed
	}
	rec.AppendTrail(schema.TrailEntry{
		At:      at,
		Type:    schema.EventExecutionStatus,
		Message: reason,
		Data:    map[string]any{"from": string(from), "to": string(to)},
	})

	f.mu.RLock()
	hooks := f.after[to]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(rec.ID, string(from), string(to))
	}
	return nil
}

// transitionApproval moves req to the given status.
func transitionApproval(req *schema.ApprovalRequest, to schema.ApprovalStatus, at time.Time) error {
	if !ValidApprovalTransitions.allows(req.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid approval transition: %s -> %s", req.Status, to).
			WithDetails(map[string]any{"approvalId": req.ID, "from": string(req.Status), "to": string(to)})
	}
	req.Status = to
	req.UpdatedAt = at
	return nil
}
