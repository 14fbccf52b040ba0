package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/pkg/schema"
)

type recordingNotifier struct {
	mu     sync.Mutex
	sent   []Notification
	status map[string]schema.DeliveryStatus
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) map[string]schema.DeliveryStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	out := make(map[string]schema.DeliveryStatus, len(note.Channels))
	for _, ch := range note.Channels {
		st, ok := n.status[ch]
		if !ok {
			st = schema.DeliveryDelivered
		}
		out[ch] = st
	}
	return out
}

func (n *recordingNotifier) notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// stallingNotifier ignores ctx and holds every Notify call until the test ends.
type stallingNotifier struct {
	release chan struct{}
}

func newStallingNotifier(t *testing.T) *stallingNotifier {
	n := &stallingNotifier{release: make(chan struct{})}
	t.Cleanup(func() { close(n.release) })
	return n
}

func (n *stallingNotifier) Notify(_ context.Context, note Notification) map[string]schema.DeliveryStatus {
	<-n.release
	out := make(map[string]schema.DeliveryStatus, len(note.Channels))
	for _, ch := range note.Channels {
		out[ch] = schema.DeliveryDelivered
	}
	return out
}

func approvers(ids ...string) []schema.Approver {
	out := make([]schema.Approver, len(ids))
	for i, id := range ids {
		out[i] = schema.Approver{ID: id, Channels: []string{"slack"}}
	}
	return out
}

func newTestGates(t *testing.T, opts ...ApprovalOption) (*ApprovalGateManager, *clockwork.FakeClock, *recordingNotifier) {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	notifier := &recordingNotifier{}
	base := []ApprovalOption{WithApprovalClock(clock), WithNotifier(notifier)}
	return NewApprovalGateManager(ev, append(base, opts...)...), clock, notifier
}

func openGate(t *testing.T, m *ApprovalGateManager, gate schema.ApprovalGate, rules ...schema.AutoApprovalRule) *schema.ApprovalRequest {
	t.Helper()
	req, err := m.Open(context.Background(), OpenParams{
		ExecutionID: "exec-1",
		Gate:        &gate,
		Rules:       rules,
		Scope:       map[string]any{"event": map[string]any{"severity": "low", "ip": "10.1.1.1"}},
	})
	require.NoError(t, err)
	return req
}

func respond(t *testing.T, m *ApprovalGateManager, req *schema.ApprovalRequest, who string, d schema.Decision) {
	t.Helper()
	require.NoError(t, m.Respond(req, who, d, "", nil))
}

func TestOpen_CreatesPendingRequest(t *testing.T) {
	m, clock, notifier := newTestGates(t)
	req := openGate(t, m, schema.ApprovalGate{
		NodeID:    "block_ip",
		Approvers: []schema.Approver{{ID: "alice", Channels: []string{"slack", "email"}}, {ID: "bob", Channels: []string{"slack"}}},
		TimeoutMs: 60_000,
		Summary:   "Block {{event.ip}}?",
	})

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, schema.ApprovalPending, req.Status)
	assert.Equal(t, schema.ApprovalModeAny, req.Mode)
	assert.Equal(t, schema.TimeoutActionReject, req.TimeoutAction)
	assert.Equal(t, clock.Now().UTC().Add(time.Minute), req.TimeoutAt)
	assert.Equal(t, "Block 10.1.1.1?", req.Summary)
	assert.Equal(t, map[string]schema.DeliveryStatus{
		"slack": schema.DeliveryDelivered, "email": schema.DeliveryDelivered,
	}, req.Notifications)

	sent := notifier.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"slack", "email"}, sent[0].Channels)
	assert.Equal(t, req.ID, sent[0].RequestID)
}

func TestOpen_NotificationFailureIsRecorded(t *testing.T) {
	m, _, notifier := newTestGates(t)
	notifier.status = map[string]schema.DeliveryStatus{"slack": schema.DeliveryFailed}

	req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers("alice")})
	assert.Equal(t, schema.ApprovalPending, req.Status)
	assert.Equal(t, schema.DeliveryFailed, req.Notifications["slack"])
}

func TestOpen_StalledNotifierTimesOut(t *testing.T) {
	m, _, _ := newTestGates(t, WithNotifier(newStallingNotifier(t)), WithNotifyTimeout(50*time.Millisecond))

	gate := schema.ApprovalGate{
		NodeID:    "n",
		Approvers: []schema.Approver{{ID: "alice", Channels: []string{"slack", "email"}}},
	}
	opened := make(chan *schema.ApprovalRequest, 1)
	go func() {
		req, err := m.Open(context.Background(), OpenParams{ExecutionID: "exec-1", Gate: &gate})
		assert.NoError(t, err)
		opened <- req
	}()

	select {
	case req := <-opened:
		assert.Equal(t, schema.ApprovalPending, req.Status)
		assert.Equal(t, map[string]schema.DeliveryStatus{
			"slack": schema.DeliveryFailed, "email": schema.DeliveryFailed,
		}, req.Notifications)
	case <-time.After(time.Second):
		t.Fatal("Open blocked on a notifier that ignores its context")
	}
}

func TestOpen_WithoutNotifierSkipsChannels(t *testing.T) {
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	m := NewApprovalGateManager(ev)

	req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers("alice")})
	assert.Equal(t, schema.DeliverySkipped, req.Notifications["slack"])
}

func TestOpen_AutoApprovalRules(t *testing.T) {
	gate := schema.ApprovalGate{NodeID: "block_ip", Approvers: approvers("alice")}

	t.Run("matching rule approves", func(t *testing.T) {
		m, _, notifier := newTestGates(t)
		req := openGate(t, m, gate, schema.AutoApprovalRule{
			ID: "low-sev", Condition: `event.severity == "low"`, Comment: "low severity",
		})
		assert.Equal(t, schema.ApprovalApproved, req.Status)
		require.NotNil(t, req.Resolution)
		assert.Equal(t, "rule:low-sev", req.Resolution.ResolvedBy)
		assert.Equal(t, "low severity", req.Resolution.Reason)
		assert.Empty(t, notifier.notifications())
	})

	t.Run("reject rule", func(t *testing.T) {
		m, _, _ := newTestGates(t)
		req := openGate(t, m, gate, schema.AutoApprovalRule{
			ID: "deny", Engine: "expr", Condition: `event.ip startsWith "10."`, Decision: schema.DecisionReject,
		})
		assert.Equal(t, schema.ApprovalRejected, req.Status)
	})

	t.Run("rule for another node ignored", func(t *testing.T) {
		m, _, _ := newTestGates(t)
		req := openGate(t, m, gate, schema.AutoApprovalRule{ID: "other", NodeID: "notify_soc", Condition: "true"})
		assert.Equal(t, schema.ApprovalPending, req.Status)
	})

	t.Run("broken rule ignored", func(t *testing.T) {
		m, _, _ := newTestGates(t)
		req := openGate(t, m, gate,
			schema.AutoApprovalRule{ID: "bad", Condition: "event.severity +"},
			schema.AutoApprovalRule{ID: "false", Condition: "false"},
		)
		assert.Equal(t, schema.ApprovalPending, req.Status)
	})
}

func TestRespond_AllModeThreeApprovers(t *testing.T) {
	m, _, _ := newTestGates(t)
	gate := schema.ApprovalGate{NodeID: "n", Approvers: approvers("a", "b", "c"), Mode: schema.ApprovalModeAll}

	req := openGate(t, m, gate)
	respond(t, m, req, "a", schema.DecisionApprove)
	respond(t, m, req, "b", schema.DecisionApprove)
	assert.Equal(t, schema.ApprovalPending, req.Status)
	respond(t, m, req, "c", schema.DecisionApprove)
	assert.Equal(t, schema.ApprovalApproved, req.Status)

	req = openGate(t, m, gate)
	respond(t, m, req, "a", schema.DecisionApprove)
	respond(t, m, req, "b", schema.DecisionApprove)
	respond(t, m, req, "c", schema.DecisionReject)
	assert.Equal(t, schema.ApprovalRejected, req.Status)

	req = openGate(t, m, gate)
	respond(t, m, req, "b", schema.DecisionReject)
	assert.Equal(t, schema.ApprovalRejected, req.Status)
	assert.Equal(t, "b", req.Resolution.ResolvedBy)
}

func TestRespond_MajorityFiveApprovers(t *testing.T) {
	tests := []struct {
		name     string
		sequence []schema.Decision
		want     schema.ApprovalStatus
		resolvAt int
	}{
		{"three approvals first", []schema.Decision{"approve", "approve", "approve"}, schema.ApprovalApproved, 3},
		{"mixed approve", []schema.Decision{"reject", "approve", "reject", "approve", "approve"}, schema.ApprovalApproved, 5},
		{"mixed reject", []schema.Decision{"approve", "reject", "reject", "approve", "reject"}, schema.ApprovalRejected, 5},
		{"three rejections", []schema.Decision{"reject", "approve", "reject", "reject"}, schema.ApprovalRejected, 4},
	}
	ids := []string{"a", "b", "c", "d", "e"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestGates(t)
			req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers(ids...), Mode: schema.ApprovalModeMajority})
			for i, d := range tt.sequence {
				respond(t, m, req, ids[i], d)
				if i+1 < tt.resolvAt {
					assert.Equal(t, schema.ApprovalPending, req.Status, "after response %d", i+1)
				}
			}
			assert.Equal(t, tt.want, req.Status)
		})
	}
}

func TestRespond_MajorityEvenSplitStaysPending(t *testing.T) {
	m, _, _ := newTestGates(t)
	req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers("a", "b", "c", "d"), Mode: schema.ApprovalModeMajority})
	respond(t, m, req, "a", schema.DecisionApprove)
	respond(t, m, req, "b", schema.DecisionApprove)
	respond(t, m, req, "c", schema.DecisionReject)
	respond(t, m, req, "d", schema.DecisionReject)
	assert.Equal(t, schema.ApprovalPending, req.Status)
}

func TestRespond_AnyMode(t *testing.T) {
	m, _, _ := newTestGates(t)
	gate := schema.ApprovalGate{NodeID: "n", Approvers: approvers("a", "b")}

	req := openGate(t, m, gate)
	respond(t, m, req, "a", schema.DecisionReject)
	assert.Equal(t, schema.ApprovalPending, req.Status)
	respond(t, m, req, "b", schema.DecisionApprove)
	assert.Equal(t, schema.ApprovalApproved, req.Status)

	req = openGate(t, m, gate)
	respond(t, m, req, "a", schema.DecisionReject)
	respond(t, m, req, "b", schema.DecisionReject)
	assert.Equal(t, schema.ApprovalRejected, req.Status)
}

func TestRespond_CustomPolicy(t *testing.T) {
	policies := NewPolicyRegistry()
	policies.Register("two-of-n", Quorum(2))
	m, _, _ := newTestGates(t, WithPolicies(policies))

	gate := schema.ApprovalGate{NodeID: "n", Approvers: approvers("a", "b", "c", "d"), Mode: schema.ApprovalModeCustom, CustomPolicy: "two-of-n"}
	req := openGate(t, m, gate)
	respond(t, m, req, "a", schema.DecisionApprove)
	assert.Equal(t, schema.ApprovalPending, req.Status)
	respond(t, m, req, "c", schema.DecisionApprove)
	assert.Equal(t, schema.ApprovalApproved, req.Status)

	req = openGate(t, m, gate)
	respond(t, m, req, "a", schema.DecisionReject)
	respond(t, m, req, "b", schema.DecisionReject)
	assert.Equal(t, schema.ApprovalPending, req.Status)
	respond(t, m, req, "c", schema.DecisionReject)
	assert.Equal(t, schema.ApprovalRejected, req.Status)

	_, err := m.Open(context.Background(), OpenParams{Gate: &schema.ApprovalGate{
		NodeID: "n", Approvers: approvers("a"), Mode: schema.ApprovalModeCustom, CustomPolicy: "ghost",
	}})
	assertError(t, err, schema.ErrCodeDefinition)

	assertError(t, m.CheckPolicies(&schema.Definition{Approvals: []schema.ApprovalGate{{
		NodeID: "n", Mode: schema.ApprovalModeCustom, CustomPolicy: "ghost",
	}}}), schema.ErrCodeDefinition)
	assert.Contains(t, policies.IDs(), "two-of-n")
}

func TestRespond_Rejections(t *testing.T) {
	m, _, _ := newTestGates(t)
	req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers("a", "b"), Mode: schema.ApprovalModeAll})

	assertError(t, m.Respond(req, "mallory", schema.DecisionApprove, "", nil), schema.ErrCodeValidation)
	assertError(t, m.Respond(req, "a", "maybe", "", nil), schema.ErrCodeValidation)

	respond(t, m, req, "a", schema.DecisionApprove)
	assertError(t, m.Respond(req, "a", schema.DecisionApprove, "", nil), schema.ErrCodeConflict)

	respond(t, m, req, "b", schema.DecisionReject)
	assertError(t, m.Respond(req, "b", schema.DecisionApprove, "", nil), schema.ErrCodeConflict)
	assert.Len(t, req.Responses, 2)
}

func TestDelegate(t *testing.T) {
	m, _, notifier := newTestGates(t)
	req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers("a", "b"), Mode: schema.ApprovalModeAll})

	require.NoError(t, m.Delegate(context.Background(), req, "a", "carol", "on leave"))
	assert.Equal(t, schema.ApprovalPending, req.Status)
	assert.False(t, req.HasApprover("a"))
	assert.True(t, req.HasApprover("carol"))
	require.Len(t, req.Delegations, 1)
	assert.Equal(t, "a", req.Delegations[0].From)
	assert.Equal(t, "on leave", req.Delegations[0].Reason)

	sent := notifier.notifications()
	require.Len(t, sent, 2)
	assert.Equal(t, "carol", sent[1].Approvers[0].ID)

	assertError(t, m.Respond(req, "a", schema.DecisionApprove, "", nil), schema.ErrCodeValidation)
	respond(t, m, req, "carol", schema.DecisionApprove)
	assert.Equal(t, schema.ApprovalPending, req.Status)
	respond(t, m, req, "b", schema.DecisionApprove)
	assert.Equal(t, schema.ApprovalApproved, req.Status)
}

func TestDelegate_Rejections(t *testing.T) {
	m, _, _ := newTestGates(t)
	req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers("a", "b", "c"), Mode: schema.ApprovalModeAll})

	assertError(t, m.Delegate(context.Background(), req, "a", "b", ""), schema.ErrCodeConflict)
	assertError(t, m.Delegate(context.Background(), req, "ghost", "z", ""), schema.ErrCodeValidation)
	assertError(t, m.Delegate(context.Background(), req, "a", "a", ""), schema.ErrCodeValidation)

	respond(t, m, req, "a", schema.DecisionApprove)
	assertError(t, m.Delegate(context.Background(), req, "a", "z", ""), schema.ErrCodeConflict)

	require.NoError(t, m.Cancel(req, "run cancelled"))
	assertError(t, m.Delegate(context.Background(), req, "b", "z", ""), schema.ErrCodeConflict)
}

func TestExpire_TimeoutActions(t *testing.T) {
	tests := []struct {
		action schema.TimeoutAction
		want   schema.ApprovalStatus
	}{
		{schema.TimeoutActionApprove, schema.ApprovalApproved},
		{schema.TimeoutActionReject, schema.ApprovalRejected},
		{"", schema.ApprovalRejected},
		{schema.TimeoutActionCancel, schema.ApprovalCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+string(tt.action), func(t *testing.T) {
			m, clock, _ := newTestGates(t)
			req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers("a"), TimeoutMs: 1000, TimeoutAction: tt.action})

			next, err := m.Expire(context.Background(), req, clock.Now().Add(999*time.Millisecond))
			require.NoError(t, err)
			assert.Nil(t, next)
			assert.Equal(t, schema.ApprovalPending, req.Status)

			clock.Advance(time.Second)
			next, err = m.Expire(context.Background(), req, clock.Now())
			require.NoError(t, err)
			assert.Nil(t, next)
			assert.Equal(t, tt.want, req.Status)
			assert.Equal(t, "timeout", req.Resolution.ResolvedBy)
		})
	}
}

func TestExpire_EscalationSpawnsOneRequest(t *testing.T) {
	m, clock, notifier := newTestGates(t)
	req := openGate(t, m, schema.ApprovalGate{
		NodeID:            "block_ip",
		Approvers:         approvers("analyst"),
		TimeoutMs:         30 * 60 * 1000,
		TimeoutAction:     schema.TimeoutActionEscalate,
		EscalationTargets: []schema.Approver{{ID: "manager", Channels: []string{"pager"}}},
	})

	clock.Advance(31 * time.Minute)
	next, err := m.Expire(context.Background(), req, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, next)

	assert.Equal(t, schema.ApprovalExpired, req.Status)
	assert.Equal(t, schema.ApprovalPending, next.Status)
	assert.Equal(t, req.ID, next.ParentRequestID)
	assert.Equal(t, 1, next.EscalationLevel)
	assert.Equal(t, "block_ip", next.NodeID)
	assert.Equal(t, []schema.Approver{{ID: "manager", Channels: []string{"pager"}}}, next.Approvers)
	assert.Equal(t, clock.Now().UTC().Add(30*time.Minute), next.TimeoutAt)
	assert.Equal(t, schema.TimeoutActionReject, next.TimeoutAction)
	assert.Equal(t, schema.DeliveryDelivered, next.Notifications["pager"])

	again, err := m.Expire(context.Background(), req, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, again)

	clock.Advance(31 * time.Minute)
	last, err := m.Expire(context.Background(), next, clock.Now())
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.Equal(t, schema.ApprovalRejected, next.Status)

	assert.Len(t, notifier.notifications(), 2)
}

func TestCancel(t *testing.T) {
	m, _, _ := newTestGates(t)
	req := openGate(t, m, schema.ApprovalGate{NodeID: "n", Approvers: approvers("a")})
	require.NoError(t, m.Cancel(req, "run cancelled"))
	assert.Equal(t, schema.ApprovalCancelled, req.Status)
	assert.Equal(t, "run cancelled", req.Resolution.Reason)

	require.NoError(t, m.Cancel(req, "again"))
	assert.Equal(t, "run cancelled", req.Resolution.Reason)
}

func TestPolicies(t *testing.T) {
	resp := func(ds ...schema.Decision) []schema.ApprovalResponse {
		out := make([]schema.ApprovalResponse, len(ds))
		for i, d := range ds {
			out[i] = schema.ApprovalResponse{Decision: d}
		}
		return out
	}
	assert.Equal(t, PolicyDecision{}, DecideAny(resp("reject"), 2, nil))
	assert.Equal(t, PolicyDecision{Complete: true, Decision: schema.DecisionApprove}, DecideAll(resp("approve", "approve"), 2, nil))
	assert.Equal(t, PolicyDecision{}, DecideMajority(resp("approve"), 1+1, nil))
	assert.Equal(t, PolicyDecision{Complete: true, Decision: schema.DecisionApprove}, DecideMajority(resp("approve"), 1, nil))
	assert.Equal(t, PolicyDecision{Complete: true, Decision: schema.DecisionReject}, Quorum(2)(resp("reject", "reject"), 3, nil))
}
