package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/pkg/schema"
)

// ServiceLookup reports whether a service name can be invoked.
type ServiceLookup interface {
	Has(name string) bool
}

// PolicyLookup resolves custom approval policies.
type PolicyLookup interface {
	Get(id string) (engine.DecisionFunc, bool)
}

var scopeRoots = map[string]bool{
	"event":           true,
	"variables":       true,
	"previousActions": true,
	"executionId":     true,
	"timestamp":       true,
}

// validateSemantic runs the checks that need a parsed graph: registered
// services and policies, compilable expressions, template references, and
// unused configuration.
func validateSemantic(def *schema.Definition, g *engine.Graph, exprs *expressions.Evaluator, services ServiceLookup, policies PolicyLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if services != nil && !services.Has(n.Service) {
			result.AddError(path+".service", schema.ErrCodeValidation,
				fmt.Sprintf("service %q is not registered", n.Service))
		}
		checkReferences(result, path+".payload", n.Payload, ancestors(g, n.ID), g)
		if n.OutputSelector != "" {
			checkCompiles(result, path+".outputSelector", exprs.CheckSelector(n.OutputSelector))
		}
	}

	usedRollbacks := make(map[string]bool)
	for _, n := range def.Nodes {
		if n.RollbackAction != "" {
			usedRollbacks[n.RollbackAction] = true
		}
	}
	for i, rb := range def.RollbackActions {
		path := fmt.Sprintf("rollbackActions[%d]", i)
		if !usedRollbacks[rb.ID] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("rollback action %q is not referenced by any node", rb.ID))
		}
		if services != nil && !services.Has(rb.Service) {
			result.AddError(path+".service", schema.ErrCodeValidation,
				fmt.Sprintf("service %q is not registered", rb.Service))
		}
	}

	for i := range def.Approvals {
		gate := &def.Approvals[i]
		path := fmt.Sprintf("approvals[%d]", i)
		if gate.EffectiveMode() == schema.ApprovalModeCustom && policies != nil {
			if _, ok := policies.Get(gate.CustomPolicy); !ok {
				result.AddError(path+".customPolicy", schema.ErrCodeDefinition,
					fmt.Sprintf("policy %q is not registered", gate.CustomPolicy))
			}
		}
		if len(gate.EscalationTargets) > 0 && gate.TimeoutAction != schema.TimeoutActionEscalate {
			result.AddWarning(path+".escalationTargets", schema.ErrCodeValidation,
				"escalation targets are unused unless timeoutAction is escalate")
		}
		if gate.Summary != "" {
			checkReferences(result, path+".summary", gate.Summary, ancestors(g, gate.NodeID), g)
		}
	}

	for i, b := range def.Branches {
		path := fmt.Sprintf("branches[%d]", i)
		if len(b.ThenActions) == 0 && len(b.ElseActions) == 0 {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("branch %q gates no actions", b.ID))
		}
		checkCompiles(result, path+".condition", exprs.Check(b.Engine, b.Condition))
	}

	for i, r := range def.AutoApprovalRules {
		checkCompiles(result, fmt.Sprintf("autoApprovalRules[%d].condition", i), exprs.Check(r.Engine, r.Condition))
	}

	return result
}

// checkReferences flags template tokens outside the expression scope and
// warns on previousActions entries that may not have settled yet.
func checkReferences(result *schema.ValidationResult, path string, v any, settled map[string]bool, g *engine.Graph) {
	for _, ref := range expressions.References(v) {
		parts := strings.Split(ref, ".")
		if !scopeRoots[parts[0]] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("template reference %q has unknown root %q", ref, parts[0]))
			continue
		}
		if parts[0] != "previousActions" || len(parts) < 2 {
			continue
		}
		target := parts[1]
		switch {
		case g.Nodes[target] == nil:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("template reference %q names unknown node %q", ref, target))
		case !settled[target]:
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("template reference %q: node %q is not an ancestor and may not have settled", ref, target))
		}
	}
}

// ancestors returns every node id reachable through effective dependencies.
func ancestors(g *engine.Graph, id string) map[string]bool {
	out := make(map[string]bool)
	stack := append([]string(nil), g.Edges[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[cur] {
			continue
		}
		out[cur] = true
		stack = append(stack, g.Edges[cur]...)
	}
	return out
}

func checkCompiles(result *schema.ValidationResult, path string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	var pe *schema.PlaybookError
	if errors.As(err, &pe) && pe.Cause != nil {
		msg = pe.Message + ": " + pe.Cause.Error()
	}
	result.AddError(path, schema.ErrCodeExpression, msg)
}
