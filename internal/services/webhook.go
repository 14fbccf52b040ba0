package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultWebhookTimeout  = 30 * time.Second

	// IdempotencyHeader carries the attempt's idempotency key.
	IdempotencyHeader = "Idempotency-Key"
	// RollbackHeader lets a webhook return its rollback handle out of band.
	RollbackHeader = "X-Rollback-Handle"
)

// WebhookConfig describes one HTTP integration.
type WebhookConfig struct {
	Name            string            `yaml:"name" json:"name"`
	Description     string            `yaml:"description" json:"description,omitempty"`
	URL             string            `yaml:"url" json:"url"`
	Method          string            `yaml:"method" json:"method,omitempty"`
	Headers         map[string]string `yaml:"headers" json:"headers,omitempty"`
	BearerToken     string            `yaml:"bearer_token" json:"-"`
	Timeout         time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	MaxResponseBody int64             `yaml:"max_response_body" json:"maxResponseBody,omitempty"`
	TLSSkipVerify   bool              `yaml:"tls_skip_verify" json:"tlsSkipVerify,omitempty"`
}

// Webhook posts the rendered payload as JSON to a fixed URL.
//
// 2xx responses succeed; a JSON body becomes the output and its
// "rollbackHandle" field (or the X-Rollback-Handle header) the rollback
// handle. 408, 429 and 5xx are retryable failures; other statuses are not.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook validates cfg and builds the capability.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook: missing name")
	}
	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "webhook %s: invalid url %q", cfg.Name, cfg.URL)
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Webhook{cfg: cfg, client: &http.Client{Transport: transport}}, nil
}

func (w *Webhook) Name() string { return w.cfg.Name }

func (w *Webhook) Description() string {
	if w.cfg.Description != "" {
		return w.cfg.Description
	}
	return fmt.Sprintf("%s %s", w.cfg.Method, w.cfg.URL)
}

func (w *Webhook) Invoke(ctx context.Context, payload map[string]any, key string) (engine.ServiceResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return engine.ServiceResult{}, schema.NewErrorf(schema.ErrCodeActionInvocation,
			"webhook %s: payload is not JSON", w.cfg.Name).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return engine.ServiceResult{}, schema.NewErrorf(schema.ErrCodeActionInvocation,
			"webhook %s: build request", w.cfg.Name).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, key)
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	if w.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.BearerToken)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return engine.ServiceResult{}, ctx.Err()
		}
		// transport errors are worth another attempt
		return engine.ServiceResult{Retryable: true}, schema.NewErrorf(schema.ErrCodeActionInvocation,
			"webhook %s: request failed", w.cfg.Name).WithCause(err).AsRetryable()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxResponseBody))
	if err != nil {
		return engine.ServiceResult{Retryable: true}, schema.NewErrorf(schema.ErrCodeActionInvocation,
			"webhook %s: read response", w.cfg.Name).WithCause(err).AsRetryable()
	}
	parsed := parseBody(raw, resp.Header.Get("Content-Type"))

	if resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		pe := schema.NewErrorf(schema.ErrCodeActionInvocation, "webhook %s: server returned %d",
			w.cfg.Name, resp.StatusCode).WithDetails(map[string]any{
			"status_code": resp.StatusCode,
			"body":        parsed,
		})
		if retryable {
			pe.AsRetryable()
		}
		return engine.ServiceResult{Retryable: retryable}, pe
	}

	handle := resp.Header.Get(RollbackHeader)
	if m, ok := parsed.(map[string]any); ok {
		if h, ok := m["rollbackHandle"].(string); ok && h != "" {
			handle = h
		}
	}
	return engine.ServiceResult{
		Output: map[string]any{
			"status_code": resp.StatusCode,
			"body":        parsed,
			"duration_ms": time.Since(start).Milliseconds(),
		},
		RollbackHandle: handle,
	}, nil
}

func parseBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
