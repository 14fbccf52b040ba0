package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbook/internal/diagram"
	"github.com/rendis/playbook/pkg/schema"
)

// handleRun validates a definition and starts an execution.
func (s *PlaybookServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, result, errResult := s.resolveDefinition(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	if !result.Valid() {
		return validationFailure(result)
	}
	if approverID := req.GetString("approver_id", ""); approverID != "" {
		s.captureSession(ctx, approverID)
	}

	event := mcp.ParseStringMap(req, "event", nil)
	rec, err := s.engine.Start(ctx, def, event)
	if err != nil && rec == nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	summary, sumErr := s.summarize(ctx, rec)
	if sumErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", sumErr)), nil
	}
	if err != nil {
		// started, but the latest state may not be durable yet
		summary["warning"] = err.Error()
	}
	return marshalResult(summary)
}

// handleValidate runs the validation pipeline only.
func (s *PlaybookServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, result, errResult := s.decodeDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	out := map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}
	if def != nil {
		out["nodes"] = len(def.Nodes)
	}
	return marshalResult(out)
}

// handleDefine validates a definition and stores it for playbook.run.
func (s *PlaybookServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.definitions == nil {
		return mcp.NewToolResultError("definition storage is not enabled"), nil
	}
	def, result, errResult := s.decodeDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	if !result.Valid() {
		return validationFailure(result)
	}
	if err := s.definitions.SaveDefinition(ctx, def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"id":       def.ID,
		"version":  def.Version,
		"warnings": result.Warnings,
	})
}

// handleDefinitions lists stored definitions without their bodies.
func (s *PlaybookServer) handleDefinitions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.definitions == nil {
		return mcp.NewToolResultError("definition storage is not enabled"), nil
	}
	defs, err := s.definitions.ListDefinitions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"id":          d.ID,
			"name":        d.Name,
			"version":     d.Version,
			"description": d.Description,
			"nodes":       len(d.Nodes),
		})
	}
	return marshalResult(map[string]any{"definitions": out})
}

// handleStatus returns an execution record.
func (s *PlaybookServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	rec, err := s.engine.Status(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	if !req.GetBool("include_trail", false) {
		rec.Trail = nil
	}
	return marshalResult(rec)
}

// handleApprovals lists the requests of an execution.
func (s *PlaybookServer) handleApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reqs, err := s.engine.Approvals(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approvals query failed: %v", err)), nil
	}
	if req.GetBool("pending_only", false) {
		reqs = pending(reqs)
	}
	return marshalResult(map[string]any{"approvals": reqs})
}

// handleRespond records an approver decision.
func (s *PlaybookServer) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	approverID, err := req.RequireString("approver_id")
	if err != nil {
		return mcp.NewToolResultError("approver_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	switch schema.Decision(decision) {
	case schema.DecisionApprove, schema.DecisionReject:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("decision must be approve or reject, got %q", decision)), nil
	}

	s.captureSession(ctx, approverID)
	ar, err := s.engine.Respond(ctx, requestID, approverID, schema.Decision(decision), req.GetString("comment", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("respond failed: %v", err)), nil
	}
	return marshalResult(ar)
}

// handleDelegate hands an approver slot to someone else.
func (s *PlaybookServer) handleDelegate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError("from is required"), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError("to is required"), nil
	}

	s.captureSession(ctx, from)
	ar, err := s.engine.Delegate(ctx, requestID, from, to, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delegate failed: %v", err)), nil
	}
	return marshalResult(ar)
}

// handleCancel stops an execution.
func (s *PlaybookServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")
	rec, err := s.engine.Cancel(ctx, executionID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": rec.ID,
		"status":       rec.Status,
		"errors":       rec.Errors,
	})
}

// handleWatch forwards an execution's trail to the calling session.
func (s *PlaybookServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.hub == nil {
		return mcp.NewToolResultError("event streaming is not enabled"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires a client session"), nil
	}
	if _, err := s.engine.Status(ctx, executionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	started, err := s.watch(session.SessionID(), executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("watch failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"watching":     true,
		"already":      !started,
		"method":       EventMethod,
	})
}

// handleServices lists registered services.
func (s *PlaybookServer) handleServices(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.services == nil {
		return marshalResult(map[string]any{"services": []any{}})
	}
	return marshalResult(map[string]any{"services": s.services.List()})
}

// handleDiagram renders a definition, or an execution with its node states.
func (s *PlaybookServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "ascii" {
		return mcp.NewToolResultError(fmt.Sprintf("format must be mermaid or ascii, got %q", format)), nil
	}

	var (
		def *schema.Definition
		rec *schema.ExecutionRecord
	)
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		var err error
		rec, err = s.engine.Status(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		def = rec.Definition
	} else {
		var result *schema.ValidationResult
		var errResult *mcp.CallToolResult
		def, result, errResult = s.resolveDefinition(ctx, req)
		if errResult != nil {
			return errResult, nil
		}
		if !result.Valid() {
			return validationFailure(result)
		}
	}

	model, err := diagram.Build(def, rec)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Internal helpers ---

// decodeDefinition runs the definition argument through the validator. The
// third return is non-nil when the request itself is malformed.
func (s *PlaybookServer) decodeDefinition(req mcp.CallToolRequest) (*schema.Definition, *schema.ValidationResult, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, nil, mcp.NewToolResultError("definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	if s.validator != nil {
		def, result := s.validator.ValidateBytes(data)
		return def, result, nil
	}
	var def schema.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &def, &schema.ValidationResult{}, nil
}

// resolveDefinition takes the inline definition, or loads definition_id
// from the store and re-validates it against the current services.
func (s *PlaybookServer) resolveDefinition(ctx context.Context, req mcp.CallToolRequest) (*schema.Definition, *schema.ValidationResult, *mcp.CallToolResult) {
	if mcp.ParseStringMap(req, "definition", nil) != nil {
		return s.decodeDefinition(req)
	}
	id := req.GetString("definition_id", "")
	if id == "" {
		return nil, nil, mcp.NewToolResultError("definition or definition_id is required")
	}
	if s.definitions == nil {
		return nil, nil, mcp.NewToolResultError("definition storage is not enabled")
	}
	stored, err := s.definitions.GetDefinition(ctx, id)
	if err != nil {
		return nil, nil, mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", err))
	}
	if s.validator == nil {
		return stored, &schema.ValidationResult{}, nil
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, nil, mcp.NewToolResultError(fmt.Sprintf("invalid stored definition: %v", err))
	}
	def, result := s.validator.ValidateBytes(data)
	return def, result, nil
}

// summarize reports a run's status and its open approval requests.
func (s *PlaybookServer) summarize(ctx context.Context, rec *schema.ExecutionRecord) (map[string]any, error) {
	reqs, err := s.engine.Approvals(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"execution_id":      rec.ID,
		"status":            rec.Status,
		"node_states":       rec.NodeStates,
		"metrics":           rec.Metrics,
		"errors":            rec.Errors,
		"pending_approvals": pending(reqs),
	}, nil
}

func pending(reqs []*schema.ApprovalRequest) []*schema.ApprovalRequest {
	out := make([]*schema.ApprovalRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.Status == schema.ApprovalPending {
			out = append(out, r)
		}
	}
	return out
}

func validationFailure(result *schema.ValidationResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]any{
		"valid":    false,
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

// captureSession binds the approver to the calling session for notifications.
func (s *PlaybookServer) captureSession(ctx context.Context, approverID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Bind(approverID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
