package services

import (
	"context"

	"github.com/rendis/playbook/internal/engine"
)

// RegisterBuiltins adds the noop and echo capabilities.
func RegisterBuiltins(r *Registry) error {
	for _, c := range []Capability{Noop{}, Echo{}} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Noop succeeds without output.
type Noop struct{}

func (Noop) Name() string        { return "noop" }
func (Noop) Description() string { return "Succeeds immediately without side effects." }

func (Noop) Invoke(ctx context.Context, _ map[string]any, _ string) (engine.ServiceResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.ServiceResult{}, err
	}
	return engine.ServiceResult{}, nil
}

// Echo returns its payload as output and the idempotency key as the
// rollback handle.
type Echo struct{}

func (Echo) Name() string        { return "echo" }
func (Echo) Description() string { return "Returns the rendered payload as output." }

func (Echo) Invoke(ctx context.Context, payload map[string]any, key string) (engine.ServiceResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.ServiceResult{}, err
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return engine.ServiceResult{Output: out, RollbackHandle: key}, nil
}
