package mcp

import (
	"context"

	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// NotifiedEvents are the hub events pushed to connected MCP clients.
var NotifiedEvents = []string{
	schema.EventGovernorTripped,
	schema.EventGovernorKillSwitch,
	schema.EventGovernorResumed,
	schema.EventPolicyDrift,
	schema.EventExceptionRaised,
	schema.EventRunDeadLettered,
}

// WatchEvents forwards governor, escalation and dead-letter events to every
// connected client as notifications/message until ctx ends.
func (s *Server) WatchEvents(ctx context.Context) error {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: NotifiedEvents})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.mcpServer.SendNotificationToAllClients("notifications/message", notification(ev))
		}
	}
}

func notification(ev streaming.StreamEvent) map[string]any {
	data := map[string]any{
		"event_type": ev.EventType,
		"timestamp":  ev.Timestamp,
	}
	if ev.RunID != "" {
		data["run_id"] = ev.RunID
	}
	if ev.PropertyID != "" {
		data["property_id"] = ev.PropertyID
	}
	if ev.ActionID != "" {
		data["action_id"] = ev.ActionID
	}
	for k, v := range ev.Payload {
		data[k] = v
	}
	level := "info"
	switch ev.EventType {
	case schema.EventGovernorTripped, schema.EventGovernorKillSwitch, schema.EventRunDeadLettered:
		level = "warning"
	}
	return map[string]any{"level": level, "logger": "autopilot", "data": data}
}
