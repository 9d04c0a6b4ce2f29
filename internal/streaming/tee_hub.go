package streaming

import (
	"context"
	"errors"
)

// TeeHub publishes every event to a primary hub and any number of
// forwarders. Subscriptions are served by the primary only.
type TeeHub struct {
	primary    EventHub
	forwarders []EventHub
}

// NewTeeHub combines a primary hub with forwarders.
func NewTeeHub(primary EventHub, forwarders ...EventHub) *TeeHub {
	return &TeeHub{primary: primary, forwarders: forwarders}
}

// Publish implements EventHub. Forwarder errors are joined and returned
// after every hub was attempted.
func (t *TeeHub) Publish(ctx context.Context, event StreamEvent) error {
	errs := []error{t.primary.Publish(ctx, event)}
	for _, f := range t.forwarders {
		errs = append(errs, f.Publish(ctx, event))
	}
	return errors.Join(errs...)
}

// Subscribe implements EventHub.
func (t *TeeHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	return t.primary.Subscribe(ctx, filter)
}

var _ EventHub = (*TeeHub)(nil)
