package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// ActionRequest is the document posted to an action executor service.
type ActionRequest struct {
	ActionID   string          `json:"action_id"`
	RunID      string          `json:"run_id,omitempty"`
	PropertyID string          `json:"property_id,omitempty"`
	ManagerID  string          `json:"manager_id"`
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ActionWebhook executes approved actions through an HTTP service. The
// service's JSON answer becomes the action's output.
type ActionWebhook struct {
	c *client
}

// NewActionWebhook returns an executor posting to cfg.URL.
func NewActionWebhook(cfg Config, hc *http.Client) (*ActionWebhook, error) {
	c, err := newClient(cfg, hc)
	if err != nil {
		return nil, err
	}
	return &ActionWebhook{c: c}, nil
}

// Execute implements engine.ActionExecutor.
func (a *ActionWebhook) Execute(ctx context.Context, action *store.Action) (json.RawMessage, error) {
	data, err := a.c.post(ctx, ActionRequest{
		ActionID:   action.ID,
		RunID:      action.RunID,
		PropertyID: action.PropertyID,
		ManagerID:  action.ManagerID,
		ActionType: action.ActionType,
		Payload:    action.Payload,
		CreatedAt:  action.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, schema.NewError(schema.ErrCodeExecution, "executor response is not valid JSON")
	}
	return json.RawMessage(data), nil
}

var _ engine.ActionExecutor = (*ActionWebhook)(nil)
