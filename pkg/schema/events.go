package schema

// Trail entry types recorded on every ExecutionRecord.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionStatus    = "execution_status_changed"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCancelled = "execution_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"

	EventBranchEvaluated = "branch_evaluated"
	EventTemplateWarning = "template_warning"

	EventApprovalRequested = "approval_requested"
	EventApprovalNotified  = "approval_notified"
	EventApprovalResponded = "approval_responded"
	EventApprovalDelegated = "approval_delegated"
	EventApprovalResolved  = "approval_resolved"
	EventApprovalEscalated = "approval_escalated"

	EventRollbackStarted   = "rollback_started"
	EventRollbackSucceeded = "rollback_succeeded"
	EventRollbackFailed    = "rollback_failed"
)

// ExecutionStatus is the lifecycle state of an ExecutionRecord.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
	ExecutionRolledBack      ExecutionStatus = "rolled_back"
)

// Terminal reports whether no further forward progress is possible.
// failed and cancelled may still move to rolled_back.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionRolledBack:
		return true
	}
	return false
}

// ResultStatus is the settled outcome of a node or of its compensation.
type ResultStatus string

const (
	ResultSuccess        ResultStatus = "success"
	ResultFailed         ResultStatus = "failed"
	ResultSkipped        ResultStatus = "skipped"
	ResultRolledBack     ResultStatus = "rolledback"
	ResultRollbackFailed ResultStatus = "rollback_failed"
)

// NodeState tracks a node inside a run before and after it settles.
type NodeState string

const (
	NodePending          NodeState = "pending"
	NodeAwaitingApproval NodeState = "awaiting_approval"
	NodeRunning          NodeState = "running"
	NodeSucceeded        NodeState = "success"
	NodeFailed           NodeState = "failed"
	NodeSkipped          NodeState = "skipped"
)

// Settled reports whether the node has a final ActionResult.
func (s NodeState) Settled() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

// ApprovalStatus is the state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalDelegated ApprovalStatus = "delegated"
)

// Terminal reports whether the request can no longer change.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired, ApprovalCancelled:
		return true
	}
	return false
}

// DeliveryStatus is the per-channel outcome of a notification.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)
