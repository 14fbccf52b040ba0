package store

import (
	"context"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// Store persists definitions, execution records and approval requests.
// All implementations must be safe for concurrent use. Lookups of missing
// entities fail with a NOT_FOUND PlaybookError.
type Store interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *schema.Definition) error
	GetDefinition(ctx context.Context, id string) (*schema.Definition, error)
	ListDefinitions(ctx context.Context) ([]*schema.Definition, error)

	// Execution records
	SaveExecutionRecord(ctx context.Context, rec *schema.ExecutionRecord) error
	LoadExecutionRecord(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error)

	// Approval requests
	SaveApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error
	LoadApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	// LoadPendingApprovals returns pending requests whose timeoutAt is at or
	// before the given instant, oldest deadline first.
	LoadPendingApprovals(ctx context.Context, before time.Time) ([]*schema.ApprovalRequest, error)
	ListApprovals(ctx context.Context, executionID string) ([]*schema.ApprovalRequest, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	DefinitionID string
	Statuses     []schema.ExecutionStatus
	// Active selects records that have not reached a terminal status.
	Active bool
	Limit  int
}

// ActiveStatuses are the statuses a run can still make progress from.
var ActiveStatuses = []schema.ExecutionStatus{
	schema.ExecutionPending,
	schema.ExecutionRunning,
	schema.ExecutionWaitingApproval,
}

func (f ExecutionFilter) statuses() []schema.ExecutionStatus {
	if f.Active {
		return ActiveStatuses
	}
	return f.Statuses
}

func notFound(resource, id string) *schema.PlaybookError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", resource, id).
		WithDetails(map[string]any{"resource": resource, "id": id})
}
