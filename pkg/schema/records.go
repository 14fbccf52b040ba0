package schema

import (
	"encoding/json"
	"time"
)

// ExecutionContext is the per-run data that templates and conditions read.
// PreviousActions gains one entry per node, written once the node settles.
type ExecutionContext struct {
	ExecutionID     string                   `json:"executionId"`
	DefinitionID    string                   `json:"definitionId"`
	Timestamp       time.Time                `json:"timestamp"`
	Event           map[string]any           `json:"event"`
	Variables       map[string]any           `json:"variables,omitempty"`
	PreviousActions map[string]*ActionResult `json:"previousActions"`
}

// Scope flattens the context into the namespace seen by expressions.
func (c *ExecutionContext) Scope() map[string]any {
	prev := make(map[string]any, len(c.PreviousActions))
	for id, r := range c.PreviousActions {
		prev[id] = r.AsMap()
	}
	event := c.Event
	if event == nil {
		event = map[string]any{}
	}
	vars := c.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		"event":           event,
		"timestamp":       c.Timestamp.UTC().Format(time.RFC3339),
		"executionId":     c.ExecutionID,
		"variables":       vars,
		"previousActions": prev,
	}
}

// Attempt is one invocation of a node's service.
type Attempt struct {
	Number         int       `json:"number"`
	StartedAt      time.Time `json:"startedAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Error          string    `json:"error,omitempty"`
}

// ActionResult is the settled outcome of a node or of its compensation.
type ActionResult struct {
	NodeID         string       `json:"nodeId"`
	Kind           string       `json:"kind,omitempty"`
	Status         ResultStatus `json:"status"`
	StartedAt      time.Time    `json:"startedAt"`
	CompletedAt    time.Time    `json:"completedAt"`
	Attempts       int          `json:"attempts"`
	Output         any          `json:"output,omitempty"`
	Error          string       `json:"error,omitempty"`
	ErrorCode      string       `json:"errorCode,omitempty"`
	RollbackHandle string       `json:"rollbackHandle,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
	AttemptLog     []Attempt    `json:"attemptLog,omitempty"`
}

// Result kinds.
const (
	ResultKindAction   = "action"
	ResultKindRollback = "rollback"
)

// AsMap exposes the result to expressions.
func (r *ActionResult) AsMap() map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"nodeId":         r.NodeID,
		"status":         string(r.Status),
		"output":         r.Output,
		"error":          r.Error,
		"attempts":       r.Attempts,
		"rollbackHandle": r.RollbackHandle,
		"startedAt":      r.StartedAt.UTC().Format(time.RFC3339),
		"completedAt":    r.CompletedAt.UTC().Format(time.RFC3339),
	}
}

// ApprovalResponse is a single approver's answer.
type ApprovalResponse struct {
	ApproverID string    `json:"approverId"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	At         time.Time `json:"at"`
}

// Delegation is an audited hand-over of an approver slot.
type Delegation struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Resolution describes how a request reached its terminal status.
type Resolution struct {
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	At         time.Time      `json:"at"`
}

// ApprovalRequest suspends a gated node until a decision is reached.
type ApprovalRequest struct {
	ID                      string                    `json:"id"`
	ExecutionID             string                    `json:"executionId"`
	NodeID                  string                    `json:"nodeId"`
	Approvers               []Approver                `json:"approvers"`
	Mode                    ApprovalMode              `json:"mode"`
	CustomPolicy            string                    `json:"customPolicy,omitempty"`
	Responses               []ApprovalResponse        `json:"responses,omitempty"`
	Status                  ApprovalStatus            `json:"status"`
	TimeoutAt               time.Time                 `json:"timeoutAt"`
	TimeoutAction           TimeoutAction             `json:"timeoutAction"`
	EscalationTargets       []Approver                `json:"escalationTargets,omitempty"`
	EscalationTimeoutAction TimeoutAction             `json:"escalationTimeoutAction,omitempty"`
	EscalationLevel         int                       `json:"escalationLevel,omitempty"`
	ParentRequestID         string                    `json:"parentRequestId,omitempty"`
	Delegations             []Delegation              `json:"delegations,omitempty"`
	Summary                 string                    `json:"summary,omitempty"`
	Notifications           map[string]DeliveryStatus `json:"notifications,omitempty"`
	Resolution              *Resolution               `json:"resolution,omitempty"`
	CreatedAt               time.Time                 `json:"createdAt"`
	UpdatedAt               time.Time                 `json:"updatedAt"`
}

// HasApprover reports whether id currently holds a slot.
func (a *ApprovalRequest) HasApprover(id string) bool {
	for _, ap := range a.Approvers {
		if ap.ID == id {
			return true
		}
	}
	return false
}

// Responded reports whether id has already answered.
func (a *ApprovalRequest) Responded(id string) bool {
	for _, r := range a.Responses {
		if r.ApproverID == id {
			return true
		}
	}
	return false
}

// Tally counts approve and reject responses.
func (a *ApprovalRequest) Tally() (approvals, rejections int) {
	for _, r := range a.Responses {
		switch r.Decision {
		case DecisionApprove:
			approvals++
		case DecisionReject:
			rejections++
		}
	}
	return approvals, rejections
}

// Clone returns a deep copy through the persisted JSON form.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	var out ApprovalRequest
	if !cloneJSON(a, &out) {
		out = *a
	}
	return &out
}

// ErrorEntry is one aggregated error on an ExecutionRecord.
type ErrorEntry struct {
	NodeID  string    `json:"nodeId,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// TrailEntry is one line of a run's ordered audit trail.
type TrailEntry struct {
	Seq        int            `json:"seq"`
	At         time.Time      `json:"at"`
	Type       string         `json:"type"`
	NodeID     string         `json:"nodeId,omitempty"`
	ApprovalID string         `json:"approvalId,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// ExecutionMetrics summarizes forward node outcomes.
type ExecutionMetrics struct {
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	RolledBack      int     `json:"rolledBack"`
	TotalDurationMs int64   `json:"totalDurationMs"`
	SuccessRate     float64 `json:"successRate"`
}

// ExecutionRecord is the durable state of one run. It embeds the Definition
// and the context so the ready-set can be re-derived after a restart.
type ExecutionRecord struct {
	ID              string               `json:"id"`
	DefinitionID    string               `json:"definitionId"`
	Status          ExecutionStatus      `json:"status"`
	Definition      *Definition          `json:"definition"`
	Context         *ExecutionContext    `json:"context"`
	Results         []ActionResult       `json:"results"`
	Approvals       []string             `json:"approvals,omitempty"`
	NodeStates      map[string]NodeState `json:"nodeStates"`
	NodeAttempts    map[string]int       `json:"nodeAttempts,omitempty"`
	// NodeInFlight holds the attempt number issued for a node and not yet
	// settled. A restart replays that attempt under the same idempotency key.
	NodeInFlight    map[string]int       `json:"nodeInFlight,omitempty"`
	BranchDecisions map[string]bool      `json:"branchDecisions,omitempty"`
	Errors          []ErrorEntry         `json:"errors,omitempty"`
	Trail           []TrailEntry         `json:"trail"`
	Metrics         ExecutionMetrics     `json:"metrics"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
	CompletedAt     *time.Time           `json:"completedAt,omitempty"`
}

// Result returns the forward result of nodeID from the ordered results.
func (r *ExecutionRecord) Result(nodeID string) (*ActionResult, bool) {
	for i := range r.Results {
		if r.Results[i].NodeID == nodeID && r.Results[i].Kind != ResultKindRollback {
			return &r.Results[i], true
		}
	}
	return nil, false
}

// AppendTrail adds an entry with the next sequence number.
func (r *ExecutionRecord) AppendTrail(e TrailEntry) {
	e.Seq = len(r.Trail) + 1
	r.Trail = append(r.Trail, e)
}

// TrailOf returns the trail entries of the given type.
func (r *ExecutionRecord) TrailOf(eventType string) []TrailEntry {
	var out []TrailEntry
	for _, e := range r.Trail {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a deep copy through the persisted JSON form.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	var out ExecutionRecord
	if !cloneJSON(r, &out) {
		out = *r
	}
	return &out
}

// cloneJSON reports false when src holds values JSON cannot carry.
func cloneJSON(src, dst any) bool {
	data, err := json.Marshal(src)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}
