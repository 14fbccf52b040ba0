package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/playbook/pkg/schema"
)

// RetryConfig bounds the retries of a RetryingStore.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the retry policy used for persistence.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
	}
}

// RetryingStore retries failed store operations with exponential backoff
// and reports exhausted failures as PERSISTENCE_ERROR. NOT_FOUND is passed
// through unchanged.
type RetryingStore struct {
	Store
	config RetryConfig
	logger *slog.Logger
}

// NewRetryingStore wraps inner.
func NewRetryingStore(inner Store, config RetryConfig, logger *slog.Logger) *RetryingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{Store: inner, config: config, logger: logger}
}

func (r *RetryingStore) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.MaxElapsedTime = r.config.MaxElapsedTime

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		switch schema.ErrorCode(err) {
		case schema.ErrCodeNotFound, schema.ErrCodeConflict:
			return backoff.Permanent(err)
		}
		r.logger.WarnContext(ctx, "store operation failed",
			slog.String("op", op), slog.Int("attempt", attempt), slog.String("error", err.Error()))
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, r.config.MaxRetries), ctx))
	if err == nil {
		return nil
	}
	switch schema.ErrorCode(err) {
	case schema.ErrCodeNotFound, schema.ErrCodeConflict:
		return err
	}
	return schema.NewErrorf(schema.ErrCodePersistence, "%s failed after %d attempts", op, attempt).WithCause(err)
}

func (r *RetryingStore) SaveDefinition(ctx context.Context, def *schema.Definition) error {
	return r.retry(ctx, "save definition", func() error { return r.Store.SaveDefinition(ctx, def) })
}

func (r *RetryingStore) GetDefinition(ctx context.Context, id string) (*schema.Definition, error) {
	var out *schema.Definition
	err := r.retry(ctx, "get definition", func() (err error) {
		out, err = r.Store.GetDefinition(ctx, id)
		return err
	})
	return out, err
}

func (r *RetryingStore) SaveExecutionRecord(ctx context.Context, rec *schema.ExecutionRecord) error {
	return r.retry(ctx, "save execution record", func() error { return r.Store.SaveExecutionRecord(ctx, rec) })
}

func (r *RetryingStore) LoadExecutionRecord(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	var out *schema.ExecutionRecord
	err := r.retry(ctx, "load execution record", func() (err error) {
		out, err = r.Store.LoadExecutionRecord(ctx, id)
		return err
	})
	return out, err
}

func (r *RetryingStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	var out []*schema.ExecutionRecord
	err := r.retry(ctx, "list executions", func() (err error) {
		out, err = r.Store.ListExecutions(ctx, filter)
		return err
	})
	return out, err
}

func (r *RetryingStore) SaveApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error {
	return r.retry(ctx, "save approval request", func() error { return r.Store.SaveApprovalRequest(ctx, req) })
}

func (r *RetryingStore) LoadApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	var out *schema.ApprovalRequest
	err := r.retry(ctx, "load approval request", func() (err error) {
		out, err = r.Store.LoadApprovalRequest(ctx, id)
		return err
	})
	return out, err
}

func (r *RetryingStore) LoadPendingApprovals(ctx context.Context, before time.Time) ([]*schema.ApprovalRequest, error) {
	var out []*schema.ApprovalRequest
	err := r.retry(ctx, "load pending approvals", func() (err error) {
		out, err = r.Store.LoadPendingApprovals(ctx, before)
		return err
	})
	return out, err
}

func (r *RetryingStore) ListApprovals(ctx context.Context, executionID string) ([]*schema.ApprovalRequest, error) {
	var out []*schema.ApprovalRequest
	err := r.retry(ctx, "list approvals", func() (err error) {
		out, err = r.Store.ListApprovals(ctx, executionID)
		return err
	})
	return out, err
}
