// Package handlers adapts external business-logic services to the engine.
// Workflow handlers and action executors are reached over HTTP: the engine
// POSTs a JSON document and applies what the service answers.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/secrets"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Headers set on every outbound request when a signing secret is configured.
const (
	HeaderTimestamp = "X-Autopilot-Timestamp"
	HeaderSignature = "X-Autopilot-Signature"
)

const (
	defaultMaxResponseBody = 1 << 20
	defaultTimeout         = 30 * time.Second
)

// Config configures one webhook endpoint.
type Config struct {
	URL         string            `json:"url" yaml:"url"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	BearerToken string            `json:"bearer_token,omitempty" yaml:"bearer_token"`
	// Secret, when set, signs each body as HMAC-SHA256 over "timestamp.body".
	Secret          string `json:"secret,omitempty" yaml:"secret"`
	MaxResponseBody int64  `json:"max_response_body,omitempty" yaml:"max_response_body"`
}

func (c Config) validate() error {
	u, err := url.ParseRequestURI(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid webhook url %q", c.URL)
	}
	return nil
}

type client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

func newClient(cfg Config, hc *http.Client) (*client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if hc == nil {
		hc = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &client{cfg: cfg, http: hc, now: time.Now}, nil
}

// post sends body and returns the raw response body of a 2xx answer.
func (c *client) post(ctx context.Context, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal webhook request").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "build webhook request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	if c.cfg.Secret != "" {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, "sha256="+secrets.Sign([]byte(c.cfg.Secret), ts, payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "webhook did not answer within %s", c.cfg.Timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read webhook response").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := schema.ErrCodeExecution
		if resp.StatusCode == http.StatusUnprocessableEntity {
			code = schema.ErrCodeValidation
		}
		return nil, schema.NewErrorf(code, "webhook returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(data), 512)})
	}
	return data, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// StepRecord is a step reported by a workflow service.
type StepRecord struct {
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// ActionLogRecord is an autonomous action reported by a workflow service.
type ActionLogRecord struct {
	ActionType string          `json:"action_type"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// AutoExecutedRecord is an action the service performed on its own.
type AutoExecutedRecord struct {
	engine.ActionInput
	Result json.RawMessage `json:"result,omitempty"`
}

// Response is the document a workflow service answers with.
type Response struct {
	Summary      string                  `json:"summary"`
	Steps        []StepRecord            `json:"steps,omitempty"`
	ActionLogs   []ActionLogRecord       `json:"action_logs,omitempty"`
	Exceptions   []engine.ExceptionInput `json:"exceptions,omitempty"`
	Actions      []engine.ActionInput    `json:"actions,omitempty"`
	AutoExecuted []AutoExecutedRecord    `json:"auto_executed,omitempty"`
}

// Webhook is a workflow handler backed by an HTTP service. The service
// receives the invocation and answers with the run's summary and children,
// which are recorded in the order of the Response fields.
type Webhook struct {
	c *client
}

// NewWebhook returns a handler posting to cfg.URL. A nil hc uses a client
// that does not follow redirects.
func NewWebhook(cfg Config, hc *http.Client) (*Webhook, error) {
	c, err := newClient(cfg, hc)
	if err != nil {
		return nil, err
	}
	return &Webhook{c: c}, nil
}

// Handle implements engine.Handler.
func (w *Webhook) Handle(ctx context.Context, inv engine.Invocation, rec *engine.Recorder) (*engine.Result, error) {
	data, err := w.c.post(ctx, inv)
	if err != nil {
		return nil, err
	}
	var resp Response
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "webhook response is not valid JSON").WithCause(err)
		}
	}

	for _, s := range resp.Steps {
		if s.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "webhook step without name")
		}
		if err := rec.Step(ctx, s.Name, s.Status, s.Detail); err != nil {
			return nil, fmt.Errorf("record step %s: %w", s.Name, err)
		}
	}
	for _, a := range resp.ActionLogs {
		if err := rec.ActionLog(ctx, a.ActionType, a.Detail); err != nil {
			return nil, fmt.Errorf("record action log %s: %w", a.ActionType, err)
		}
	}
	for _, e := range resp.Exceptions {
		if _, err := rec.RaiseException(ctx, e); err != nil {
			return nil, err
		}
	}
	for _, a := range resp.Actions {
		if _, err := rec.ProposeAction(ctx, a); err != nil {
			return nil, err
		}
	}
	for _, a := range resp.AutoExecuted {
		if _, err := rec.AutoExecuted(ctx, a.ActionInput, a.Result); err != nil {
			return nil, err
		}
	}
	return &engine.Result{Summary: resp.Summary}, nil
}

var _ engine.Handler = (*Webhook)(nil)
