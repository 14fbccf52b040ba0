package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func TestNewWebhook_Validation(t *testing.T) {
	_, err := NewWebhook(WebhookConfig{URL: "https://example.com"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = NewWebhook(WebhookConfig{Name: "fw", URL: "ftp://example.com"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	w, err := NewWebhook(WebhookConfig{Name: "fw", URL: "https://example.com/block"})
	require.NoError(t, err)
	assert.Equal(t, "POST https://example.com/block", w.Description())
}

func TestWebhook_Success(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ruleId":"r-9","rollbackHandle":"rule-r-9"}`))
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{Name: "firewall", URL: srv.URL, BearerToken: "tok"})
	require.NoError(t, err)

	res, err := w.Invoke(context.Background(), map[string]any{"ip": "10.0.0.1"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, map[string]any{"ip": "10.0.0.1"}, gotBody)
	assert.Equal(t, "rule-r-9", res.RollbackHandle)

	out := res.Output.(map[string]any)
	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, "r-9", out["body"].(map[string]any)["ruleId"])
}

func TestWebhook_RollbackHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RollbackHeader, "ticket-7")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{Name: "ticket", URL: srv.URL})
	require.NoError(t, err)
	res, err := w.Invoke(context.Background(), nil, "k")
	require.NoError(t, err)
	assert.Equal(t, "ticket-7", res.RollbackHandle)
	assert.Equal(t, "ok", res.Output.(map[string]any)["body"])
}

func TestWebhook_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			w, err := NewWebhook(WebhookConfig{Name: "svc", URL: srv.URL})
			require.NoError(t, err)
			res, err := w.Invoke(context.Background(), nil, "k")
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeActionInvocation, schema.ErrorCode(err))
			assert.Equal(t, tt.retryable, res.Retryable)

			var pe *schema.PlaybookError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.Details["status_code"])
		})
	}
}

func TestWebhook_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	w, err := NewWebhook(WebhookConfig{Name: "slow", URL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	res, err := w.Invoke(context.Background(), nil, "k")
	require.Error(t, err)
	assert.True(t, res.Retryable)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
webhooks:
  - name: firewall.block_ip
    url: https://fw.internal/api/block
    timeout: 5s
    headers:
      X-Team: soc
  - name: ticketing.open
    url: https://tickets.internal/api/open
    method: put
`), 0o600))

	r := NewRegistry()
	n, err := LoadFile(r, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c, err := r.Get("ticketing.open")
	require.NoError(t, err)
	assert.Equal(t, "PUT https://tickets.internal/api/open", c.Description())

	fw, err := r.Get("firewall.block_ip")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, fw.(*Webhook).cfg.Timeout)

	_, err = Load(NewRegistry(), []byte("webhooks:\n  - name: bad\n    url: nope\n"))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
