package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/pkg/schema"
)

// ApprovalMethod is the notification method carrying approval requests.
const ApprovalMethod = "notifications/playbook/approval"

// MCPNotifier implements engine.Notifier by pushing approval requests to the
// sessions of connected approvers.
type MCPNotifier struct {
	send     func(sessionID, method string, params map[string]any) error
	sessions *ApproverSessions
	logger   *slog.Logger
}

var _ engine.Notifier = (*MCPNotifier)(nil)

// NewMCPNotifier creates a notifier that pushes via the server's sessions.
func NewMCPNotifier(s *PlaybookServer) *MCPNotifier {
	return &MCPNotifier{send: s.send, sessions: s.sessions, logger: s.logger}
}

// Notify pushes n to every session of every approver on each channel. A
// channel is delivered when at least one push succeeded, skipped when none of
// its approvers is connected, and failed otherwise.
func (n *MCPNotifier) Notify(ctx context.Context, note engine.Notification) map[string]schema.DeliveryStatus {
	out := make(map[string]schema.DeliveryStatus, len(note.Channels))
	for _, ch := range note.Channels {
		delivered, attempted := 0, 0
		for _, a := range note.Approvers {
			if !onChannel(a, ch) {
				continue
			}
			for _, sessionID := range n.sessions.SessionsOf(a.ID) {
				attempted++
				err := n.send(sessionID, ApprovalMethod, approvalParams(note, a.ID))
				if errors.Is(err, server.ErrSessionNotFound) {
					// expired between lookup and send
					n.sessions.Drop(sessionID)
					continue
				}
				if err != nil {
					n.logger.WarnContext(ctx, "push approval request",
						slog.String("approver_id", a.ID),
						slog.String("session_id", sessionID),
						slog.Any("error", err))
					continue
				}
				delivered++
			}
		}
		switch {
		case delivered > 0:
			out[ch] = schema.DeliveryDelivered
		case attempted == 0:
			out[ch] = schema.DeliverySkipped
		default:
			out[ch] = schema.DeliveryFailed
		}
	}
	return out
}

func onChannel(a schema.Approver, ch string) bool {
	for _, c := range a.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

func approvalParams(n engine.Notification, approverID string) map[string]any {
	return map[string]any{
		"requestId":       n.RequestID,
		"executionId":     n.ExecutionID,
		"nodeId":          n.NodeID,
		"summary":         n.Summary,
		"approverId":      approverID,
		"timeoutAt":       n.TimeoutAt,
		"escalationLevel": n.EscalationLevel,
	}
}
