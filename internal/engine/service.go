package engine

import (
	"context"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// ServiceResult is what a downstream integration returns for one attempt.
type ServiceResult struct {
	Output any
	// RollbackHandle identifies the side effect for a later compensation.
	RollbackHandle string
	// Retryable is the service's verdict on a failed attempt.
	Retryable bool
}

// Service invokes a named downstream integration. Implementations must honor
// ctx cancellation and should deduplicate on idempotencyKey.
type Service interface {
	Invoke(ctx context.Context, service string, payload map[string]any, idempotencyKey string) (ServiceResult, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, service string, payload map[string]any, idempotencyKey string) (ServiceResult, error)

func (f ServiceFunc) Invoke(ctx context.Context, service string, payload map[string]any, idempotencyKey string) (ServiceResult, error) {
	return f(ctx, service, payload, idempotencyKey)
}

// Notification announces an open approval request to its approvers.
type Notification struct {
	RequestID       string
	ExecutionID     string
	NodeID          string
	Summary         string
	Approvers       []schema.Approver
	Channels        []string
	TimeoutAt       time.Time
	EscalationLevel int
}

// Notifier delivers approval notifications. It reports a status per channel;
// delivery failures never fail the run.
type Notifier interface {
	Notify(ctx context.Context, n Notification) map[string]schema.DeliveryStatus
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) map[string]schema.DeliveryStatus

func (f NotifierFunc) Notify(ctx context.Context, n Notification) map[string]schema.DeliveryStatus {
	return f(ctx, n)
}

// Observer receives engine measurements. All methods must be cheap and non-blocking.
type Observer interface {
	ExecutionStarted(definitionID string)
	ExecutionFinished(definitionID string, status schema.ExecutionStatus, elapsed time.Duration)
	NodeSettled(service string, status schema.ResultStatus, attempts int, elapsed time.Duration)
	ApprovalOpened(mode schema.ApprovalMode)
	ApprovalResolved(status schema.ApprovalStatus, elapsed time.Duration)
	RollbackSettled(status schema.ResultStatus)
}

type noopObserver struct{}

func (noopObserver) ExecutionStarted(string)                                         {}
func (noopObserver) ExecutionFinished(string, schema.ExecutionStatus, time.Duration) {}
func (noopObserver) NodeSettled(string, schema.ResultStatus, int, time.Duration)     {}
func (noopObserver) ApprovalOpened(schema.ApprovalMode)                              {}
func (noopObserver) ApprovalResolved(schema.ApprovalStatus, time.Duration)           {}
func (noopObserver) RollbackSettled(schema.ResultStatus)                             {}

// channelsOf collects the distinct channels of approvers in first-seen order.
func channelsOf(approvers []schema.Approver) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range approvers {
		for _, ch := range a.Channels {
			if !seen[ch] {
				seen[ch] = true
				out = append(out, ch)
			}
		}
	}
	return out
}
