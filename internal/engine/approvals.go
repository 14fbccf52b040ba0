package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/pkg/schema"
)

const (
	// DefaultApprovalTimeout applies to gates that do not set timeoutMs.
	DefaultApprovalTimeout = 24 * time.Hour
	// DefaultNotifyTimeout bounds one Notifier call.
	DefaultNotifyTimeout = 5 * time.Second
)

// OpenParams describes a gated node that just became ready.
type OpenParams struct {
	ExecutionID string
	Gate        *schema.ApprovalGate
	Rules       []schema.AutoApprovalRule
	Scope       map[string]any
}

// ApprovalGateManager owns the ApprovalRequest state machine. It mutates the
// requests it is handed and leaves persistence to the caller.
type ApprovalGateManager struct {
	clock         clockwork.Clock
	notifier      Notifier
	evaluator     *expressions.Evaluator
	policies      *PolicyRegistry
	logger        *slog.Logger
	notifyTimeout time.Duration
}

// ApprovalOption configures an ApprovalGateManager.
type ApprovalOption func(*ApprovalGateManager)

// WithApprovalClock sets the clock used for timeouts and timestamps.
func WithApprovalClock(c clockwork.Clock) ApprovalOption {
	return func(m *ApprovalGateManager) { m.clock = c }
}

// WithNotifier sets the notifier; without one every channel is reported skipped.
func WithNotifier(n Notifier) ApprovalOption {
	return func(m *ApprovalGateManager) { m.notifier = n }
}

// WithPolicies sets the custom policy registry.
func WithPolicies(p *PolicyRegistry) ApprovalOption {
	return func(m *ApprovalGateManager) { m.policies = p }
}

// WithApprovalLogger sets the logger.
func WithApprovalLogger(l *slog.Logger) ApprovalOption {
	return func(m *ApprovalGateManager) { m.logger = l }
}

// WithNotifyTimeout bounds each Notifier call.
func WithNotifyTimeout(d time.Duration) ApprovalOption {
	return func(m *ApprovalGateManager) { m.notifyTimeout = d }
}

// NewApprovalGateManager creates a manager.
func NewApprovalGateManager(evaluator *expressions.Evaluator, opts ...ApprovalOption) *ApprovalGateManager {
	m := &ApprovalGateManager{
		clock:         clockwork.NewRealClock(),
		evaluator:     evaluator,
		logger:        slog.Default(),
		notifyTimeout: DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policies == nil {
		m.policies = NewPolicyRegistry()
	}
	return m
}

// Policies returns the registry used for custom gates.
func (m *ApprovalGateManager) Policies() *PolicyRegistry {
	return m.policies
}

// CheckPolicies verifies that every custom gate of def names a registered policy.
func (m *ApprovalGateManager) CheckPolicies(def *schema.Definition) error {
	for _, g := range def.Approvals {
		if g.EffectiveMode() != schema.ApprovalModeCustom {
			continue
		}
		if _, ok := m.policies.Get(g.CustomPolicy); !ok {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"gate %q references unregistered policy %q", g.NodeID, g.CustomPolicy).WithNode(g.NodeID)
		}
	}
	return nil
}

// Open creates the request for a gated node. Auto-approval rules are
// evaluated first; when none applies the approvers are notified.
func (m *ApprovalGateManager) Open(ctx context.Context, p OpenParams) (*schema.ApprovalRequest, error) {
	gate := p.Gate
	if gate.EffectiveMode() == schema.ApprovalModeCustom {
		if _, ok := m.policies.Get(gate.CustomPolicy); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"unregistered approval policy %q", gate.CustomPolicy).WithNode(gate.NodeID)
		}
	}

	now := m.clock.Now().UTC()
	timeout := DefaultApprovalTimeout
	if gate.TimeoutMs > 0 {
		timeout = time.Duration(gate.TimeoutMs) * time.Millisecond
	}
	action := gate.TimeoutAction
	if action == "" {
		action = schema.TimeoutActionReject
	}
	escAction := gate.EscalationTimeoutAction
	if escAction == "" {
		escAction = schema.TimeoutActionReject
	}

	summary := gate.Summary
	if summary != "" {
		summary = expressions.RenderString(summary, p.Scope).String()
	}

	req := &schema.ApprovalRequest{
		ID:                      uuid.NewString(),
		ExecutionID:             p.ExecutionID,
		NodeID:                  gate.NodeID,
		Approvers:               append([]schema.Approver(nil), gate.Approvers...),
		Mode:                    gate.EffectiveMode(),
		CustomPolicy:            gate.CustomPolicy,
		Status:                  schema.ApprovalPending,
		TimeoutAt:               now.Add(timeout),
		TimeoutAction:           action,
		EscalationTargets:       append([]schema.Approver(nil), gate.EscalationTargets...),
		EscalationTimeoutAction: escAction,
		Summary:                 summary,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	ctx = logging.WithApprovalID(ctx, req.ID)

	if rule, ok := m.matchRule(ctx, gate.NodeID, p.Rules, p.Scope); ok {
		status := schema.ApprovalApproved
		if rule.Decision == schema.DecisionReject {
			status = schema.ApprovalRejected
		}
		reason := rule.Comment
		if reason == "" {
			reason = fmt.Sprintf("auto-approval rule %s", rule.ID)
		}
		if err := m.resolve(req, status, reason, "rule:"+rule.ID); err != nil {
			return nil, err
		}
		m.logger.InfoContext(ctx, "approval resolved by rule", slog.String("rule", rule.ID), slog.String("status", string(status)))
		return req, nil
	}

	m.notify(ctx, req, req.Approvers)
	return req, nil
}

func (m *ApprovalGateManager) matchRule(ctx context.Context, nodeID string, rules []schema.AutoApprovalRule, scope map[string]any) (*schema.AutoApprovalRule, bool) {
	for i := range rules {
		rule := &rules[i]
		if rule.NodeID != "" && rule.NodeID != nodeID {
			continue
		}
		matched, err := m.evaluator.Condition(ctx, rule.Engine, rule.Condition, scope)
		if err != nil {
			m.logger.WarnContext(ctx, "auto-approval rule failed to evaluate",
				slog.String("rule", rule.ID), slog.String("error", err.Error()))
			continue
		}
		if matched {
			return rule, true
		}
	}
	return nil, false
}

// notify delivers req to approvers and records per-channel status on req.
func (m *ApprovalGateManager) notify(ctx context.Context, req *schema.ApprovalRequest, approvers []schema.Approver) {
	channels := channelsOf(approvers)
	if req.Notifications == nil {
		req.Notifications = make(map[string]schema.DeliveryStatus, len(channels))
	}
	if m.notifier == nil {
		for _, ch := range channels {
			req.Notifications[ch] = schema.DeliverySkipped
		}
		return
	}

	statuses := m.deliver(ctx, Notification{
		RequestID:       req.ID,
		ExecutionID:     req.ExecutionID,
		NodeID:          req.NodeID,
		Summary:         req.Summary,
		Approvers:       approvers,
		Channels:        channels,
		TimeoutAt:       req.TimeoutAt,
		EscalationLevel: req.EscalationLevel,
	})
	for _, ch := range channels {
		st, ok := statuses[ch]
		if !ok {
			st = schema.DeliveryFailed
		}
		req.Notifications[ch] = st
		if st == schema.DeliveryFailed {
			m.logger.WarnContext(ctx, "approval notification failed", slog.String("channel", ch))
		}
	}
}

// deliver calls the notifier and stops waiting after notifyTimeout of wall
// time. A notifier that ignores ctx finishes in the background; its statuses
// are discarded and every channel counts as failed.
func (m *ApprovalGateManager) deliver(ctx context.Context, note Notification) map[string]schema.DeliveryStatus {
	nctx, cancel := context.WithTimeout(ctx, m.notifyTimeout)
	defer cancel()

	done := make(chan map[string]schema.DeliveryStatus, 1)
	go func() {
		done <- m.notifier.Notify(nctx, note)
	}()
	select {
	case statuses := <-done:
		return statuses
	case <-nctx.Done():
		m.logger.WarnContext(ctx, "approval notification timed out",
			slog.String("request_id", note.RequestID),
			slog.Duration("timeout", m.notifyTimeout))
		return nil
	}
}

// Respond records an approver's decision and resolves the request once its
// policy is satisfied.
func (m *ApprovalGateManager) Respond(req *schema.ApprovalRequest, approverID string, decision schema.Decision, comment string, scope map[string]any) error {
	if req.Status != schema.ApprovalPending {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s is %s", req.ID, req.Status).WithNode(req.NodeID)
	}
	if decision != schema.DecisionApprove && decision != schema.DecisionReject {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid decision %q", decision)
	}
	if !req.HasApprover(approverID) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s is not an approver of %s", approverID, req.ID).WithNode(req.NodeID)
	}
	if req.Responded(approverID) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"%s already responded to %s", approverID, req.ID).WithNode(req.NodeID)
	}

	now := m.clock.Now().UTC()
	req.Responses = append(req.Responses, schema.ApprovalResponse{
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		At:         now,
	})
	req.UpdatedAt = now

	verdict, err := m.decide(req, scope)
	if err != nil {
		return err
	}
	if !verdict.Complete {
		return nil
	}
	status := schema.ApprovalApproved
	if verdict.Decision == schema.DecisionReject {
		status = schema.ApprovalRejected
	}
	return m.resolve(req, status, fmt.Sprintf("%s policy satisfied", req.Mode), approverID)
}

func (m *ApprovalGateManager) decide(req *schema.ApprovalRequest, scope map[string]any) (PolicyDecision, error) {
	id := string(req.Mode)
	if req.Mode == schema.ApprovalModeCustom {
		id = req.CustomPolicy
	}
	fn, ok := m.policies.Get(id)
	if !ok {
		return PolicyDecision{}, schema.NewErrorf(schema.ErrCodeDefinition,
			"unregistered approval policy %q", id).WithNode(req.NodeID)
	}
	return fn(req.Responses, len(req.Approvers), scope), nil
}

// Delegate hands from's slot to a new approver. The request passes through
// DELEGATED back to PENDING and the delegate is notified.
func (m *ApprovalGateManager) Delegate(ctx context.Context, req *schema.ApprovalRequest, from, to, reason string) error {
	if req.Status != schema.ApprovalPending {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s is %s", req.ID, req.Status).WithNode(req.NodeID)
	}
	if to == "" || from == to {
		return schema.NewError(schema.ErrCodeValidation, "delegate must be a different approver")
	}
	slot := -1
	for i, a := range req.Approvers {
		if a.ID == from {
			slot = i
		}
		if a.ID == to {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"%s already approves %s", to, req.ID).WithNode(req.NodeID)
		}
	}
	if slot < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s is not an approver of %s", from, req.ID).WithNode(req.NodeID)
	}
	if req.Responded(from) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"%s already responded to %s", from, req.ID).WithNode(req.NodeID)
	}

	now := m.clock.Now().UTC()
	if err := transitionApproval(req, schema.ApprovalDelegated, now); err != nil {
		return err
	}
	delegate := schema.Approver{ID: to, Channels: req.Approvers[slot].Channels}
	req.Approvers[slot] = delegate
	req.Delegations = append(req.Delegations, schema.Delegation{From: from, To: to, Reason: reason, At: now})
	if err := transitionApproval(req, schema.ApprovalPending, now); err != nil {
		return err
	}

	m.notify(logging.WithApprovalID(ctx, req.ID), req, []schema.Approver{delegate})
	return nil
}

// Expire applies the timeout action of a pending request whose timeoutAt has
// passed. For escalate it returns the successor request addressed to the
// escalation targets. Requests not yet due are left untouched.
func (m *ApprovalGateManager) Expire(ctx context.Context, req *schema.ApprovalRequest, now time.Time) (*schema.ApprovalRequest, error) {
	if req.Status != schema.ApprovalPending || now.Before(req.TimeoutAt) {
		return nil, nil
	}

	action := req.TimeoutAction
	if action == schema.TimeoutActionEscalate && len(req.EscalationTargets) == 0 {
		action = req.EscalationTimeoutAction
	}
	reason := fmt.Sprintf("timed out at %s", req.TimeoutAt.UTC().Format(time.RFC3339))

	switch action {
	case schema.TimeoutActionApprove:
		return nil, m.resolve(req, schema.ApprovalApproved, reason, "timeout")
	case schema.TimeoutActionCancel:
		return nil, m.resolve(req, schema.ApprovalCancelled, reason, "timeout")
	case schema.TimeoutActionEscalate:
		if err := m.resolve(req, schema.ApprovalExpired, reason+", escalated", "timeout"); err != nil {
			return nil, err
		}
		return m.escalate(ctx, req), nil
	default:
		return nil, m.resolve(req, schema.ApprovalRejected, reason, "timeout")
	}
}

// escalate builds the single successor of an expired request. The successor
// times out with the escalation action, which never escalates again.
func (m *ApprovalGateManager) escalate(ctx context.Context, parent *schema.ApprovalRequest) *schema.ApprovalRequest {
	now := m.clock.Now().UTC()
	window := parent.TimeoutAt.Sub(parent.CreatedAt)
	if window <= 0 {
		window = DefaultApprovalTimeout
	}
	action := parent.EscalationTimeoutAction
	if action == "" || action == schema.TimeoutActionEscalate {
		action = schema.TimeoutActionReject
	}
	next := &schema.ApprovalRequest{
		ID:                      uuid.NewString(),
		ExecutionID:             parent.ExecutionID,
		NodeID:                  parent.NodeID,
		Approvers:               append([]schema.Approver(nil), parent.EscalationTargets...),
		Mode:                    parent.Mode,
		CustomPolicy:            parent.CustomPolicy,
		Status:                  schema.ApprovalPending,
		TimeoutAt:               now.Add(window),
		TimeoutAction:           action,
		EscalationTimeoutAction: action,
		EscalationLevel:         parent.EscalationLevel + 1,
		ParentRequestID:         parent.ID,
		Summary:                 parent.Summary,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	ctx = logging.WithApprovalID(ctx, next.ID)
	m.logger.InfoContext(ctx, "approval escalated",
		slog.String("parent", parent.ID), slog.Int("level", next.EscalationLevel))
	m.notify(ctx, next, next.Approvers)
	return next
}

// Cancel forces a pending request to CANCELLED.
func (m *ApprovalGateManager) Cancel(req *schema.ApprovalRequest, reason string) error {
	if req.Status.Terminal() {
		return nil
	}
	return m.resolve(req, schema.ApprovalCancelled, reason, "")
}

func (m *ApprovalGateManager) resolve(req *schema.ApprovalRequest, status schema.ApprovalStatus, reason, by string) error {
	now := m.clock.Now().UTC()
	if err := transitionApproval(req, status, now); err != nil {
		return err
	}
	req.Resolution = &schema.Resolution{Status: status, Reason: reason, ResolvedBy: by, At: now}
	return nil
}
