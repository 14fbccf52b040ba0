package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, NodeID(ctx))
	assert.Empty(t, ApprovalID(ctx))

	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithNodeID(ctx, "block_ip")
	ctx = WithApprovalID(ctx, "apr-9")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "block_ip", NodeID(ctx))
	assert.Equal(t, "apr-9", ApprovalID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNodeID(WithExecutionID(context.Background(), "exec-1"), "notify_soc")
	LogWith(ctx, logger).Info("node started")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-1")
	assert.Contains(t, out, "node_id=notify_soc")
	assert.NotContains(t, out, "approval_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithApprovalID(WithExecutionID(context.Background(), "exec-2"), "apr-1")
	logger.InfoContext(ctx, "approval opened")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-2")
	assert.Contains(t, out, "approval_id=apr-1")
	assert.Contains(t, out, "approval opened")
}

func TestCorrelationHandlerKeepsAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).
		With(slog.String("module", "engine")).
		WithGroup("g")

	logger.InfoContext(WithExecutionID(context.Background(), "exec-3"), "msg", slog.Int("n", 1))

	out := buf.String()
	assert.Contains(t, out, "module=engine")
	assert.Contains(t, out, "g.n=1")
	assert.Contains(t, out, "g.execution_id=exec-3")
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "json").DebugContext(WithNodeID(context.Background(), "n1"), "hello")
	assert.Contains(t, buf.String(), `"node_id":"n1"`)

	buf.Reset()
	New(&buf, "error", "text").Info("hidden")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewLeveledFollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := NewLeveled(&buf, lv, "text")

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	lv.Set(slog.LevelInfo)
	logger.Info("loud")
	assert.Contains(t, buf.String(), "msg=loud")
}
