package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/pkg/schema"
)

// RollbackStep reports one settled compensation.
type RollbackStep func(result *schema.ActionResult)

// RollbackCoordinator walks succeeded nodes in reverse dependency order and
// runs their compensating actions.
type RollbackCoordinator struct {
	executor *ActionExecutor
	logger   *slog.Logger
}

// NewRollbackCoordinator creates a coordinator that invokes compensations
// through executor.
func NewRollbackCoordinator(executor *ActionExecutor, logger *slog.Logger) *RollbackCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackCoordinator{executor: executor, logger: logger}
}

// Candidates returns the succeeded nodes of rec that declare a rollbackAction.
func Candidates(rec *schema.ExecutionRecord) map[string]bool {
	ids := make(map[string]bool)
	for _, r := range rec.Results {
		if r.Kind == schema.ResultKindRollback || r.Status != schema.ResultSuccess {
			continue
		}
		if n, ok := rec.Definition.Node(r.NodeID); ok && n.RollbackAction != "" {
			ids[r.NodeID] = true
		}
	}
	return ids
}

// Rollback compensates every candidate of rec in reverse topological order.
// A failed compensation is recorded and the walk continues. Results are
// appended to rec.Results and announced through step; previousActions is
// left untouched. It reports whether every compensation succeeded.
func (c *RollbackCoordinator) Rollback(ctx context.Context, rec *schema.ExecutionRecord, graph *Graph, step RollbackStep) bool {
	order := graph.ReverseOrder(Candidates(rec))
	if len(order) == 0 {
		return true
	}
	ctx = logging.WithExecutionID(ctx, rec.ID)
	c.logger.InfoContext(ctx, "rollback started", slog.Int("nodes", len(order)))

	allOK := true
	for _, nodeID := range order {
		node, _ := rec.Definition.Node(nodeID)
		original, _ := rec.Result(nodeID)
		comp, ok := rec.Definition.RollbackNode(node.RollbackAction)
		if !ok {
			continue
		}

		scope := rec.Context.Scope()
		scope["node"] = original.AsMap()
		inv := *comp
		inv.ID = nodeID

		res := c.executor.Run(ctx, Invocation{
			Node:        &inv,
			ExecutionID: rec.ID,
			Scope:       scope,
			KeyID:       nodeID + "#rollback",
		})
		res.Kind = schema.ResultKindRollback
		if res.Status == schema.ResultSuccess {
			res.Status = schema.ResultRolledBack
		} else {
			res.Status = schema.ResultRollbackFailed
			allOK = false
			c.logger.WarnContext(logging.WithNodeID(ctx, nodeID), "rollback failed", slog.String("error", res.Error))
		}
		rec.Results = append(rec.Results, *res)
		if step != nil {
			step(&rec.Results[len(rec.Results)-1])
		}
	}
	return allOK
}
