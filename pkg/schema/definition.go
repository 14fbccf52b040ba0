package schema

// Definition is an immutable playbook: a DAG of action nodes plus approval,
// branching and auto-approval configuration. The engine never mutates it.
type Definition struct {
	ID                string              `json:"id"`
	Name              string              `json:"name,omitempty"`
	Version           string              `json:"version,omitempty"`
	Description       string              `json:"description,omitempty"`
	Metadata          map[string]any      `json:"metadata,omitempty"`
	Variables         map[string]any      `json:"variables,omitempty"`
	Nodes             []ActionNode        `json:"nodes"`
	RollbackActions   []ActionNode        `json:"rollbackActions,omitempty"`
	Approvals         []ApprovalGate      `json:"approvals,omitempty"`
	Branches          []ConditionalBranch `json:"branches,omitempty"`
	AutoApprovalRules []AutoApprovalRule  `json:"autoApprovalRules,omitempty"`
	MaxConcurrency    int                 `json:"maxConcurrency,omitempty"`
}

// ActionNode is one atomic action in a Definition.
type ActionNode struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	Kind            string         `json:"kind,omitempty"`
	Service         string         `json:"service"`
	Payload         map[string]any `json:"payload,omitempty"`
	DependsOn       []string       `json:"dependsOn,omitempty"`
	RunInParallel   bool           `json:"runInParallel,omitempty"`
	TimeoutMs       int64          `json:"timeoutMs,omitempty"`
	RetryPolicy     *RetryPolicy   `json:"retryPolicy,omitempty"`
	RollbackAction  string         `json:"rollbackAction,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
	OutputSelector  string         `json:"outputSelector,omitempty"`
}

// RetryPolicy bounds attempts of a node. MaxRetries is the total attempt count.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	InitialDelayMs    int64   `json:"initialDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
}

// Approver is a human (or group) able to answer an ApprovalRequest.
type Approver struct {
	ID       string   `json:"id"`
	Channels []string `json:"channels,omitempty"`
}

// ApprovalMode selects the decision rule of a gate.
type ApprovalMode string

const (
	ApprovalModeAny      ApprovalMode = "any"
	ApprovalModeAll      ApprovalMode = "all"
	ApprovalModeMajority ApprovalMode = "majority"
	ApprovalModeCustom   ApprovalMode = "custom"
)

// TimeoutAction is applied when a pending request passes its timeoutAt.
type TimeoutAction string

const (
	TimeoutActionApprove  TimeoutAction = "approve"
	TimeoutActionReject   TimeoutAction = "reject"
	TimeoutActionEscalate TimeoutAction = "escalate"
	TimeoutActionCancel   TimeoutAction = "cancel"
)

// ApprovalGate makes a node's execution contingent on human approval.
// CustomPolicy names a pre-registered decision function when Mode is custom.
type ApprovalGate struct {
	NodeID                  string        `json:"nodeId"`
	Approvers               []Approver    `json:"approvers"`
	Mode                    ApprovalMode  `json:"mode,omitempty"`
	CustomPolicy            string        `json:"customPolicy,omitempty"`
	TimeoutMs               int64         `json:"timeoutMs,omitempty"`
	TimeoutAction           TimeoutAction `json:"timeoutAction,omitempty"`
	EscalationTargets       []Approver    `json:"escalationTargets,omitempty"`
	EscalationTimeoutAction TimeoutAction `json:"escalationTimeoutAction,omitempty"`
	Summary                 string        `json:"summary,omitempty"`
}

// ConditionalBranch picks ThenActions or ElseActions once After settles.
type ConditionalBranch struct {
	ID          string   `json:"id"`
	After       string   `json:"after"`
	Condition   string   `json:"condition"`
	Engine      string   `json:"engine,omitempty"`
	ThenActions []string `json:"thenActions,omitempty"`
	ElseActions []string `json:"elseActions,omitempty"`
}

// Decision is an approver's (or rule's) verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// AutoApprovalRule resolves a gate at creation time when Condition holds.
// An empty NodeID applies the rule to every gate.
type AutoApprovalRule struct {
	ID        string   `json:"id"`
	NodeID    string   `json:"nodeId,omitempty"`
	Condition string   `json:"condition"`
	Engine    string   `json:"engine,omitempty"`
	Decision  Decision `json:"decision,omitempty"`
	Comment   string   `json:"comment,omitempty"`
}

// Node returns the forward node with the given id.
func (d *Definition) Node(id string) (*ActionNode, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// RollbackNode returns the compensation with the given id.
func (d *Definition) RollbackNode(id string) (*ActionNode, bool) {
	for i := range d.RollbackActions {
		if d.RollbackActions[i].ID == id {
			return &d.RollbackActions[i], true
		}
	}
	return nil, false
}

// Gate returns the approval gate attached to nodeID, if any.
func (d *Definition) Gate(nodeID string) (*ApprovalGate, bool) {
	for i := range d.Approvals {
		if d.Approvals[i].NodeID == nodeID {
			return &d.Approvals[i], true
		}
	}
	return nil, false
}

// EffectiveMode defaults an empty mode to any.
func (g *ApprovalGate) EffectiveMode() ApprovalMode {
	if g.Mode == "" {
		return ApprovalModeAny
	}
	return g.Mode
}

// Clone returns a deep copy through the JSON form.
func (d *Definition) Clone() *Definition {
	var out Definition
	if !cloneJSON(d, &out) {
		out = *d
	}
	return &out
}
