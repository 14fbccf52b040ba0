package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

// flakyStore fails the first n saves.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) SaveExecutionRecord(ctx context.Context, rec *schema.ExecutionRecord) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("database is locked")
	}
	return f.MemoryStore.SaveExecutionRecord(ctx, rec)
}

func fastRetry(max uint64) RetryConfig {
	return RetryConfig{MaxRetries: max, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: time.Second}
}

func TestRetryingStore_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	s := NewRetryingStore(inner, fastRetry(5), nil)

	require.NoError(t, s.SaveExecutionRecord(context.Background(), testRecord("exec-1", schema.ExecutionRunning, epoch)))
	assert.Equal(t, 3, inner.calls)

	got, err := s.LoadExecutionRecord(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
}

func TestRetryingStore_ExhaustedIsPersistenceError(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	s := NewRetryingStore(inner, fastRetry(2), nil)

	err := s.SaveExecutionRecord(context.Background(), testRecord("exec-1", schema.ExecutionRunning, epoch))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePersistence, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingStore_NotFoundIsNotRetried(t *testing.T) {
	s := NewRetryingStore(NewMemoryStore(), fastRetry(5), nil)

	_, err := s.LoadApprovalRequest(context.Background(), "ghost")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestRetryingStore_StopsOnContextCancel(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	s := NewRetryingStore(inner, RetryConfig{MaxRetries: 100, InitialInterval: time.Hour, MaxInterval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.SaveExecutionRecord(ctx, testRecord("exec-1", schema.ExecutionRunning, epoch))
	assert.Equal(t, schema.ErrCodePersistence, schema.ErrorCode(err))
	assert.Equal(t, 1, inner.calls)
}
