package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// MemoryStore keeps everything in process memory. Values are deep-copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.Definition
	executions  map[string]*schema.ExecutionRecord
	approvals   map[string]*schema.ApprovalRequest
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.Definition),
		executions:  make(map[string]*schema.ExecutionRecord),
		approvals:   make(map[string]*schema.ApprovalRequest),
	}
}

func cloneDefinition(def *schema.Definition) (*schema.Definition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	out := &schema.Definition{}
	return out, json.Unmarshal(data, out)
}

func (m *MemoryStore) SaveDefinition(_ context.Context, def *schema.Definition) error {
	c, err := cloneDefinition(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID] = c
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*schema.Definition, error) {
	m.mu.RLock()
	def, ok := m.definitions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("definition", id)
	}
	return cloneDefinition(def)
}

func (m *MemoryStore) ListDefinitions(_ context.Context) ([]*schema.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Definition, 0, len(m.definitions))
	for _, def := range m.definitions {
		c, err := cloneDefinition(def)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveExecutionRecord(_ context.Context, rec *schema.ExecutionRecord) error {
	c := rec.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ID] = c
	return nil
}

func (m *MemoryStore) LoadExecutionRecord(_ context.Context, id string) (*schema.ExecutionRecord, error) {
	m.mu.RLock()
	rec, ok := m.executions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("execution", id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	statuses := filter.statuses()
	m.mu.RLock()
	var out []*schema.ExecutionRecord
	for _, rec := range m.executions {
		if filter.DefinitionID != "" && rec.DefinitionID != filter.DefinitionID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, rec.Status) {
			continue
		}
		out = append(out, rec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveApprovalRequest(_ context.Context, req *schema.ApprovalRequest) error {
	c := req.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[req.ID] = c
	return nil
}

func (m *MemoryStore) LoadApprovalRequest(_ context.Context, id string) (*schema.ApprovalRequest, error) {
	m.mu.RLock()
	req, ok := m.approvals[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("approval", id)
	}
	return req.Clone(), nil
}

func (m *MemoryStore) LoadPendingApprovals(_ context.Context, before time.Time) ([]*schema.ApprovalRequest, error) {
	m.mu.RLock()
	var out []*schema.ApprovalRequest
	for _, req := range m.approvals {
		if req.Status == schema.ApprovalPending && !req.TimeoutAt.After(before) {
			out = append(out, req.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TimeoutAt.Equal(out[j].TimeoutAt) {
			return out[i].TimeoutAt.Before(out[j].TimeoutAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, executionID string) ([]*schema.ApprovalRequest, error) {
	m.mu.RLock()
	var out []*schema.ApprovalRequest
	for _, req := range m.approvals {
		if req.ExecutionID == executionID {
			out = append(out, req.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Migrate is a no-op.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
