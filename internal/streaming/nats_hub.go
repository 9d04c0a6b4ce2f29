package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSHub publishes lifecycle events to NATS subjects of the form
// <prefix>.<event_type>, so notification services outside the process
// can react to run state changes. Subscribe delivers events received from
// the same subjects.
type NATSHub struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSHub connects to url. The prefix defaults to "autopilot".
func NewNATSHub(ctx context.Context, url, prefix string, logger *slog.Logger) (*NATSHub, error) {
	if prefix == "" {
		prefix = "autopilot"
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("autopilot"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := nc.FlushWithContext(fctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("NATS connection check: %w", err)
	}
	return &NATSHub{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event type is published on.
func (h *NATSHub) Subject(eventType string) string {
	return h.prefix + "." + eventType
}

// Publish implements EventHub.
func (h *NATSHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	return h.nc.Publish(h.Subject(event.EventType), data)
}

// Subscribe implements EventHub. Filtering on event types uses one subject
// per type; everything else is filtered after decoding.
func (h *NATSHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	subjects := []string{h.prefix + ".>"}
	if len(filter.EventTypes) > 0 {
		subjects = subjects[:0]
		for _, t := range filter.EventTypes {
			subjects = append(subjects, h.Subject(t))
		}
	}

	ch := make(chan StreamEvent, defaultChannelBuffer)
	handler := func(msg *nats.Msg) {
		var e StreamEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			h.logger.Warn("discarding malformed stream event",
				slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		if !matchFilter(filter, e) {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}

	var subs []*nats.Subscription
	for _, subj := range subjects {
		sub, err := h.nc.Subscribe(subj, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, nil, fmt.Errorf("subscribe %s: %w", subj, err)
		}
		subs = append(subs, sub)
	}

	cancel := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	return ch, cancel, nil
}

// Close drains the connection.
func (h *NATSHub) Close() error {
	if err := h.nc.Drain(); err != nil && !strings.Contains(err.Error(), "closed") {
		return err
	}
	return nil
}

var _ EventHub = (*NATSHub)(nil)
