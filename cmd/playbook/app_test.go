package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/notify"
	"github.com/rendis/playbook/pkg/schema"
)

func memoryConfig(t *testing.T) Config {
	t.Helper()
	cfg := defaultConfig()
	cfg.DBDriver = "memory"
	cfg.DBDSN = ""
	cfg.PoolSize = 2
	require.NoError(t, cfg.finalize())
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewApp_RunsDefinitionAndRecordsMetrics(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	def := &schema.Definition{
		ID: "wired",
		Nodes: []schema.ActionNode{
			{ID: "first", Service: "echo", Payload: map[string]any{"msg": "hi"}},
			{ID: "second", Service: "noop", DependsOn: []string{"first"}},
		},
	}
	rec, err := a.orch.Start(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, rec.Status)

	families, err := a.metrics.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["playbook_executions_finished_total"])
	assert.True(t, names["playbook_pool_active"])
	assert.True(t, names["go_goroutines"])

	assert.NotNil(t, a.server.MCPServer().GetTool("playbook.run"))
	assert.Len(t, a.services.List(), 2)
}

func TestNewApp_LoadsServicesFile(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.ServicesFile = writeFile(t, "services.yaml", `
webhooks:
  - name: isolate_host
    url: https://edr.example.com/isolate
`)
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.True(t, a.services.Has("isolate_host"))
}

func TestOpenStore_LibSQLCreatesDirectory(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBDSN = "file:" + filepath.Join(t.TempDir(), "data", "playbook.db")

	st, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.SaveDefinition(context.Background(), &schema.Definition{
		ID: "d", Nodes: []schema.ActionNode{{ID: "a", Service: "noop"}},
	}))
	got, err := st.GetDefinition(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, "d", got.ID)
}

func TestNewNotifier(t *testing.T) {
	cfg := defaultConfig()

	n, closer, err := newNotifier(cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, notify.LogNotifier{}, n)
	assert.Nil(t, closer)

	cfg.Notifier = "gochannel"
	n, closer, err = newNotifier(cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &notify.PubSubNotifier{}, n)
	assert.NoError(t, closer())

	cfg.Notifier = "kafka"
	_, _, err = newNotifier(cfg, quietLogger())
	assert.Error(t, err)
}

func TestValidateFiles(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	good := writeFile(t, "good.yaml", `
id: good
nodes:
  - id: a
    service: noop
  - id: b
    service: echo
    dependsOn: [a]
`)
	bad := writeFile(t, "bad.yaml", `
id: bad
nodes:
  - id: a
    service: ghost
`)
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	reports := validateFiles(a.validator, []string{good, bad, missing})
	require.Len(t, reports, 3)
	assert.True(t, reports[0].Valid)
	assert.Equal(t, 2, reports[0].Nodes)
	assert.False(t, reports[1].Valid)
	assert.Equal(t, "nodes[0].service", reports[1].Errors[0].Path)
	assert.False(t, reports[2].Valid)

	var buf bytes.Buffer
	printReports(&buf, reports)
	out := buf.String()
	assert.Contains(t, out, good+": valid (good, 2 nodes)")
	assert.Contains(t, out, bad+": INVALID")
	assert.Contains(t, out, `service "ghost" is not registered`)
}

func TestExamplePlaybooksValidate(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.ServicesFile = filepath.Join("..", "..", "examples", "services.yaml")
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	paths, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.yaml"))
	require.NoError(t, err)

	var playbooks []string
	for _, p := range paths {
		if filepath.Base(p) != "services.yaml" {
			playbooks = append(playbooks, p)
		}
	}
	require.NotEmpty(t, playbooks)

	for _, r := range validateFiles(a.validator, playbooks) {
		assert.True(t, r.Valid, "%s: %v", r.Path, r.Errors)
	}
}
