package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// EventMethod is the notification method carrying trail entries.
const EventMethod = "notifications/playbook/event"

// watch subscribes sessionID to executionID's events. It reports false when
// the session already watches that execution.
func (s *PlaybookServer) watch(sessionID, executionID string) (bool, error) {
	key := watchKey{sessionID: sessionID, executionID: executionID}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.closed {
		return false, errors.New("server is closed")
	}
	if _, ok := s.watchers[key]; ok {
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		cancel()
		return false, err
	}
	stop := func() {
		cancel()
		unsubscribe()
	}
	s.watchers[key] = stop
	go s.forward(ctx, key, events)
	return true, nil
}

// forward pushes events to the session until the execution settles for good,
// the session goes away, or the watcher is stopped.
func (s *PlaybookServer) forward(ctx context.Context, key watchKey, events <-chan streaming.StreamEvent) {
	defer s.unwatch(key)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			err := s.send(key.sessionID, EventMethod, eventParams(ev))
			if errors.Is(err, server.ErrSessionNotFound) {
				s.sessions.Drop(key.sessionID)
				return
			}
			if err != nil {
				s.logger.Warn("forward trail event",
					slog.String("session_id", key.sessionID),
					slog.String("execution_id", key.executionID),
					slog.Any("error", err))
			}
			if final(ev) {
				return
			}
		}
	}
}

func (s *PlaybookServer) unwatch(key watchKey) {
	s.watchMu.Lock()
	stop, ok := s.watchers[key]
	delete(s.watchers, key)
	s.watchMu.Unlock()
	if ok {
		stop()
	}
}

// final reports whether no further events can follow ev. Failed and
// cancelled runs may still compensate, so only completed and rolled_back end
// the stream on their own.
func final(ev streaming.StreamEvent) bool {
	if ev.EventType != schema.EventExecutionStatus {
		return false
	}
	to, _ := ev.Payload["to"].(string)
	switch schema.ExecutionStatus(to) {
	case schema.ExecutionCompleted, schema.ExecutionRolledBack:
		return true
	}
	return false
}

func eventParams(ev streaming.StreamEvent) map[string]any {
	params := map[string]any{
		"executionId": ev.ExecutionID,
		"seq":         ev.Seq,
		"at":          ev.At,
		"eventType":   ev.EventType,
	}
	if ev.NodeID != "" {
		params["nodeId"] = ev.NodeID
	}
	if ev.ApprovalID != "" {
		params["approvalId"] = ev.ApprovalID
	}
	if ev.Message != "" {
		params["message"] = ev.Message
	}
	if len(ev.Payload) > 0 {
		params["data"] = ev.Payload
	}
	return params
}
