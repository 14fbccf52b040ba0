package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/pkg/schema"
)

const phishingYAML = `
id: phishing-response
name: Phishing response
variables:
  team: soc
nodes:
  - id: block_sender
    service: mail.block
    payload:
      sender: "{{event.sender}}"
    retryPolicy:
      maxRetries: 3
      initialDelayMs: 1000
    rollbackAction: unblock_sender
  - id: notify
    service: chat.post
    dependsOn: [block_sender]
    payload:
      text: "blocked {{event.sender}} as {{previousActions.block_sender.output.ruleId}} for {{variables.team}}"
rollbackActions:
  - id: unblock_sender
    service: mail.unblock
approvals:
  - nodeId: block_sender
    mode: majority
    approvers:
      - id: alice
        channels: [slack]
      - id: bob
    timeoutMs: 600000
    timeoutAction: reject
`

type registered map[string]bool

func (r registered) Has(name string) bool { return r[name] }

func newValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	v, err := New(opts...)
	require.NoError(t, err)
	return v
}

func messages(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Path + ": " + is.Message
	}
	return out
}

func TestValidateBytes_YAMLDefinition(t *testing.T) {
	v := newValidator(t, WithServices(registered{"mail.block": true, "chat.post": true, "mail.unblock": true}))

	def, result := v.ValidateBytes([]byte(phishingYAML))
	require.True(t, result.Valid(), "%v", messages(result.Errors))
	assert.Empty(t, result.Warnings)

	require.NotNil(t, def)
	assert.Equal(t, "phishing-response", def.ID)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, 3, def.Nodes[0].RetryPolicy.MaxRetries)
	assert.Equal(t, []string{"block_sender"}, def.Nodes[1].DependsOn)
	assert.Equal(t, schema.ApprovalModeMajority, def.Approvals[0].Mode)
	assert.Equal(t, []string{"slack"}, def.Approvals[0].Approvers[0].Channels)
}

func TestValidateBytes_JSONIsAccepted(t *testing.T) {
	v := newValidator(t)
	def, result := v.ValidateBytes([]byte(`{"id":"d","nodes":[{"id":"a","service":"noop","timeoutMs":500}]}`))
	require.True(t, result.Valid(), "%v", messages(result.Errors))
	assert.Equal(t, int64(500), def.Nodes[0].TimeoutMs)
}

func TestValidateBytes_StructuralErrors(t *testing.T) {
	v := newValidator(t)

	_, result := v.ValidateBytes([]byte(`
id: bad
nodes:
  - id: a
    service: noop
    retryPolicy: {maxRetries: -1}
    colour: blue
approvals:
  - nodeId: a
    approvers: []
    mode: plurality
`))
	require.False(t, result.Valid())
	paths := make(map[string]bool)
	for _, is := range result.Errors {
		paths[is.Path] = true
	}
	assert.True(t, paths["/nodes/0"], "unknown property: %v", messages(result.Errors))
	assert.True(t, paths["/nodes/0/retryPolicy/maxRetries"], "%v", messages(result.Errors))
	assert.True(t, paths["/approvals/0/approvers"], "%v", messages(result.Errors))
	assert.True(t, paths["/approvals/0/mode"], "%v", messages(result.Errors))
}

func TestValidateBytes_UndecodableInput(t *testing.T) {
	v := newValidator(t)
	_, result := v.ValidateBytes([]byte("nodes: [unclosed"))
	assert.False(t, result.Valid())

	_, result = v.ValidateBytes(nil)
	assert.False(t, result.Valid())
}

func TestValidate_GraphErrorsStopPipeline(t *testing.T) {
	v := newValidator(t, WithServices(registered{}))
	result := v.Validate(&schema.Definition{
		ID: "loop",
		Nodes: []schema.ActionNode{
			{ID: "A", Service: "noop", DependsOn: []string{"B"}},
			{ID: "B", Service: "noop", DependsOn: []string{"A"}},
		},
	})
	require.Len(t, result.Errors, 1, "semantic stage must not run")
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "A -> B -> A")
}

func TestValidate_Semantic(t *testing.T) {
	policies := engine.NewPolicyRegistry()
	v := newValidator(t, WithServices(registered{"noop": true}), WithPolicies(policies))

	result := v.Validate(&schema.Definition{
		ID: "sem",
		Nodes: []schema.ActionNode{
			{ID: "scan", Service: "scanner", Payload: map[string]any{"host": "{{event.host}}"}},
			{ID: "report", Service: "noop", Payload: map[string]any{
				"a": "{{previousActions.scan.output}}",
				"b": "{{previousActions.ghost.output}}",
				"c": "{{secrets.token}}",
			}},
			{ID: "close", Service: "noop", DependsOn: []string{"scan"}},
		},
		RollbackActions: []schema.ActionNode{{ID: "orphan", Service: "noop"}},
		Approvals: []schema.ApprovalGate{{
			NodeID: "close", Mode: schema.ApprovalModeCustom, CustomPolicy: "two-person",
			Approvers:         []schema.Approver{{ID: "u1"}},
			EscalationTargets: []schema.Approver{{ID: "lead"}},
		}},
	})

	assert.ElementsMatch(t, []string{
		`nodes[0].service: service "scanner" is not registered`,
		`nodes[1].payload: template reference "previousActions.ghost.output" names unknown node "ghost"`,
		`nodes[1].payload: template reference "secrets.token" has unknown root "secrets"`,
		`approvals[0].customPolicy: policy "two-person" is not registered`,
	}, messages(result.Errors))
	assert.ElementsMatch(t, []string{
		`nodes[1].payload: template reference "previousActions.scan.output": node "scan" is not an ancestor and may not have settled`,
		`rollbackActions[0]: rollback action "orphan" is not referenced by any node`,
		`approvals[0].escalationTargets: escalation targets are unused unless timeoutAction is escalate`,
	}, messages(result.Warnings))
}

func TestValidate_TransitiveAncestorsSettle(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(&schema.Definition{
		ID: "chain",
		Nodes: []schema.ActionNode{
			{ID: "a", Service: "noop"},
			{ID: "b", Service: "noop", DependsOn: []string{"a"}},
			{ID: "c", Service: "noop", DependsOn: []string{"b"}, Payload: map[string]any{"x": "{{previousActions.a.status}}"}},
		},
	})
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(phishingYAML), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("id: x\nnodes: []\n"), 0o600))

	v := newValidator(t)
	def, err := v.Load(good)
	require.NoError(t, err)
	assert.Equal(t, "phishing-response", def.ID)

	_, err = v.Load(bad)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = v.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_ExpressionsMustCompile(t *testing.T) {
	v := newValidator(t)
	def := &schema.Definition{
		ID: "exprs",
		Nodes: []schema.ActionNode{
			{ID: "score", Service: "echo", OutputSelector: ".verdict |"},
			{ID: "quarantine", Service: "echo"},
		},
		Branches: []schema.ConditionalBranch{
			{ID: "bad-cel", After: "score", Condition: `previousActions.score.status ==`, ThenActions: []string{"quarantine"}},
			{ID: "good-expr", After: "score", Engine: "expr", Condition: `previousActions.score?.output?.verdict == "malicious"`},
		},
		AutoApprovalRules: []schema.AutoApprovalRule{
			{ID: "bad-jq", Engine: "jq", Condition: `.event.host | startswith(`},
		},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())

	paths := make([]string, 0, len(result.Errors))
	for _, is := range result.Errors {
		paths = append(paths, is.Path)
		assert.Equal(t, schema.ErrCodeExpression, is.Code)
	}
	assert.ElementsMatch(t, []string{
		"nodes[0].outputSelector",
		"branches[0].condition",
		"autoApprovalRules[0].condition",
	}, paths)
}
