package intake

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/farizattamimi/PMS-sub002/internal/expressions"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/validation"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

var channelName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// Channel configures one inbound messaging channel. Mapping is a jq
// program that turns the provider's body into the normalized message
// (property_id, tenant_ref, text, thread_id, message_id); empty means the
// body is already normalized.
type Channel struct {
	Name    string `json:"name" yaml:"name"`
	Mapping string `json:"mapping,omitempty" yaml:"mapping"`
}

// InboundMessage is a normalized tenant message.
type InboundMessage struct {
	PropertyID string `json:"property_id"`
	TenantRef  string `json:"tenant_ref"`
	Text       string `json:"text"`
	ThreadID   string `json:"thread_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// Inbound turns channel messages into threads and TENANT_COMMS runs.
type Inbound struct {
	enq       *Enqueuer
	threads   store.ThreadStore
	channels  map[string]Channel
	jq        *expressions.GoJQEngine
	validator *validation.PayloadValidator
	logger    *slog.Logger
}

// NewInbound compiles every channel mapping. With no channels configured
// any well-formed channel name is accepted without a mapping.
func NewInbound(enq *Enqueuer, threads store.ThreadStore, channels []Channel, validator *validation.PayloadValidator, logger *slog.Logger) (*Inbound, error) {
	if logger == nil {
		logger = slog.Default()
	}
	in := &Inbound{
		enq:       enq,
		threads:   threads,
		jq:        expressions.NewGoJQEngine(),
		validator: validator,
		logger:    logger,
	}
	if len(channels) > 0 {
		in.channels = make(map[string]Channel, len(channels))
	}
	for _, ch := range channels {
		if !channelName.MatchString(ch.Name) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid channel name %q", ch.Name)
		}
		if ch.Mapping != "" {
			if err := in.jq.Compile(ch.Mapping); err != nil {
				return nil, fmt.Errorf("channel %s mapping: %w", ch.Name, err)
			}
		}
		in.channels[ch.Name] = ch
	}
	return in, nil
}

// Known reports whether channel may receive messages.
func (in *Inbound) Known(channel string) bool {
	if !channelName.MatchString(channel) {
		return false
	}
	if in.channels == nil {
		return true
	}
	_, ok := in.channels[channel]
	return ok
}

// Normalize applies the channel mapping and validates the result.
func (in *Inbound) Normalize(ctx context.Context, channel string, body map[string]any) (*InboundMessage, error) {
	if !in.Known(channel) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown channel %q", channel)
	}
	doc := body
	if ch := in.channels[channel]; ch.Mapping != "" {
		m, err := in.jq.MapObject(ctx, ch.Mapping, body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "channel %s mapping failed", channel).WithCause(err)
		}
		doc = m
	}
	if in.validator != nil {
		if err := in.validator.ValidateDocument(validation.DocInboundMessage, doc); err != nil {
			return nil, err
		}
	}
	msg := &InboundMessage{
		PropertyID: str(doc, "property_id"),
		TenantRef:  str(doc, "tenant_ref"),
		Text:       str(doc, "text"),
		ThreadID:   str(doc, "thread_id"),
		MessageID:  str(doc, "message_id"),
	}
	if msg.PropertyID == "" || msg.TenantRef == "" || msg.Text == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "property_id, tenant_ref and text are required")
	}
	return msg, nil
}

// Receive records a tenant message and enqueues the TENANT_COMMS run that
// answers it. A redelivered message (same message_id) is skipped.
func (in *Inbound) Receive(ctx context.Context, channel string, body map[string]any) (*Result, error) {
	msg, err := in.Normalize(ctx, channel, body)
	if err != nil {
		return nil, err
	}

	ref := "inbound:" + channel + ":"
	if msg.MessageID != "" {
		ref += msg.MessageID
		dup, err := in.enq.Exists(ctx, ref)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "dedup lookup failed").WithCause(err)
		}
		if dup {
			return in.enq.duplicate(ctx, Request{TriggerType: schema.TriggerInbound, TriggerRef: ref, PropertyID: msg.PropertyID}), nil
		}
	} else {
		ref += uuid.New().String()
	}

	thread, err := in.resolveThread(ctx, channel, msg)
	if err != nil {
		return nil, err
	}
	if err := in.threads.AppendMessage(ctx, &store.Message{
		ID:         uuid.New().String(),
		ThreadID:   thread.ID,
		Direction:  "inbound",
		Body:       msg.Text,
		ExternalID: msg.MessageID,
		CreatedAt:  in.enq.Now(),
	}); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	res, err := in.enq.Enqueue(ctx, Request{
		WorkflowType: schema.WorkflowTenantComms,
		TriggerType:  schema.TriggerInbound,
		TriggerRef:   ref,
		PropertyID:   msg.PropertyID,
		Payload: map[string]any{
			"channel":    channel,
			"thread_id":  thread.ID,
			"message_id": msg.MessageID,
			"tenant_ref": msg.TenantRef,
			"text":       msg.Text,
		},
	})
	if err != nil {
		return nil, err
	}
	res.ThreadID = thread.ID
	return res, nil
}

func (in *Inbound) resolveThread(ctx context.Context, channel string, msg *InboundMessage) (*store.Thread, error) {
	if msg.ThreadID != "" {
		th, err := in.threads.GetThread(ctx, msg.ThreadID)
		if err != nil {
			return nil, err
		}
		if th.PropertyID != msg.PropertyID || th.Channel != channel || th.TenantRef != msg.TenantRef {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "thread %s belongs to another conversation", th.ID)
		}
		return th, nil
	}

	th, err := in.threads.FindOpenThread(ctx, msg.PropertyID, channel, msg.TenantRef)
	if err == nil {
		return th, nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	th = &store.Thread{
		ID:         uuid.New().String(),
		PropertyID: msg.PropertyID,
		Channel:    channel,
		TenantRef:  msg.TenantRef,
		Status:     store.ThreadOpen,
		CreatedAt:  in.enq.Now(),
	}
	if err := in.threads.CreateThread(ctx, th); err != nil {
		return nil, err
	}
	in.logger.InfoContext(ctx, "thread opened",
		slog.String("thread_id", th.ID), slog.String("channel", channel))
	return th, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
