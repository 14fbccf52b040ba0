package engine

import (
	"sort"
	"sync"

	"github.com/rendis/playbook/pkg/schema"
)

// PolicyDecision is the verdict of a decision policy after a response.
type PolicyDecision struct {
	Complete bool
	Decision schema.Decision
}

// DecisionFunc is a pre-registered approval policy. It is polled after every
// new response and must be pure.
type DecisionFunc func(responses []schema.ApprovalResponse, totalApprovers int, scope map[string]any) PolicyDecision

// PolicyRegistry maps custom policy ids to decision functions. The built-in
// modes are registered under their mode names.
type PolicyRegistry struct {
	mu  sync.RWMutex
	fns map[string]DecisionFunc
}

// NewPolicyRegistry returns a registry holding the any, all and majority policies.
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{fns: make(map[string]DecisionFunc)}
	r.Register(string(schema.ApprovalModeAny), DecideAny)
	r.Register(string(schema.ApprovalModeAll), DecideAll)
	r.Register(string(schema.ApprovalModeMajority), DecideMajority)
	return r
}

// Register adds or replaces a policy.
func (r *PolicyRegistry) Register(id string, fn DecisionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[id] = fn
}

// Get returns the policy registered under id.
func (r *PolicyRegistry) Get(id string) (DecisionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[id]
	return fn, ok
}

// IDs lists registered policy ids in sorted order.
func (r *PolicyRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func tally(responses []schema.ApprovalResponse) (approvals, rejections int) {
	for _, r := range responses {
		switch r.Decision {
		case schema.DecisionApprove:
			approvals++
		case schema.DecisionReject:
			rejections++
		}
	}
	return approvals, rejections
}

// DecideAny approves on the first approval and rejects only once every
// approver has rejected.
func DecideAny(responses []schema.ApprovalResponse, total int, _ map[string]any) PolicyDecision {
	approvals, rejections := tally(responses)
	switch {
	case approvals > 0:
		return PolicyDecision{Complete: true, Decision: schema.DecisionApprove}
	case total > 0 && rejections >= total:
		return PolicyDecision{Complete: true, Decision: schema.DecisionReject}
	}
	return PolicyDecision{}
}

// DecideAll requires every approver to approve; one rejection rejects.
func DecideAll(responses []schema.ApprovalResponse, total int, _ map[string]any) PolicyDecision {
	approvals, rejections := tally(responses)
	switch {
	case rejections > 0:
		return PolicyDecision{Complete: true, Decision: schema.DecisionReject}
	case total > 0 && approvals >= total:
		return PolicyDecision{Complete: true, Decision: schema.DecisionApprove}
	}
	return PolicyDecision{}
}

// DecideMajority resolves as soon as strictly more than half of the approvers
// agree. An even split stays pending.
func DecideMajority(responses []schema.ApprovalResponse, total int, _ map[string]any) PolicyDecision {
	approvals, rejections := tally(responses)
	need := total/2 + 1
	switch {
	case approvals >= need:
		return PolicyDecision{Complete: true, Decision: schema.DecisionApprove}
	case rejections >= need:
		return PolicyDecision{Complete: true, Decision: schema.DecisionReject}
	}
	return PolicyDecision{}
}

// Quorum approves once n approvals arrive and rejects once n can no longer
// be reached.
func Quorum(n int) DecisionFunc {
	return func(responses []schema.ApprovalResponse, total int, _ map[string]any) PolicyDecision {
		approvals, rejections := tally(responses)
		switch {
		case approvals >= n:
			return PolicyDecision{Complete: true, Decision: schema.DecisionApprove}
		case total-rejections < n:
			return PolicyDecision{Complete: true, Decision: schema.DecisionReject}
		}
		return PolicyDecision{}
	}
}
