package mcp

import (
	"slices"
	"sync"
)

// ApproverSessions tracks which MCP sessions each approver is reachable on.
// An approver may be connected from several clients at once; a binding is
// made whenever a tool call carries approver_id.
type ApproverSessions struct {
	mu         sync.RWMutex
	byApprover map[string][]string // approverID → sessionIDs, oldest first
}

func NewApproverSessions() *ApproverSessions {
	return &ApproverSessions{byApprover: make(map[string][]string)}
}

// Bind records that approverID is reachable on sessionID. Binding the same
// pair twice is a no-op.
func (r *ApproverSessions) Bind(approverID, sessionID string) {
	if approverID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.byApprover[approverID], sessionID) {
		return
	}
	r.byApprover[approverID] = append(r.byApprover[approverID], sessionID)
}

// SessionsOf returns the sessions bound to approverID.
func (r *ApproverSessions) SessionsOf(approverID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byApprover[approverID])
}

// Connected reports whether approverID has at least one session.
func (r *ApproverSessions) Connected(approverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byApprover[approverID]) > 0
}

// Drop forgets sessionID and returns the approvers left without any session.
func (r *ApproverSessions) Drop(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var orphaned []string
	for id, sessions := range r.byApprover {
		i := slices.Index(sessions, sessionID)
		if i < 0 {
			continue
		}
		sessions = slices.Delete(sessions, i, i+1)
		if len(sessions) == 0 {
			delete(r.byApprover, id)
			orphaned = append(orphaned, id)
			continue
		}
		r.byApprover[id] = sessions
	}
	slices.Sort(orphaned)
	return orphaned
}
