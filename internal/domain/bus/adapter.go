package bus

import (
	"context"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/eventbus"
)

// EventBusAdapter satisfies queue.EventPublisher by wrapping the shared
// infrastructure/eventbus.Bus, constructing a BaseEvent per call. The
// Action Queue is deliberately kept decoupled from eventbus.Event's
// construction — this adapter is the one place that bridges them.
type EventBusAdapter struct {
	bus eventbus.Bus
}

// NewEventBusAdapter wraps bus as a queue.EventPublisher.
func NewEventBusAdapter(bus eventbus.Bus) *EventBusAdapter {
	return &EventBusAdapter{bus: bus}
}

// Publish implements queue.EventPublisher.
func (a *EventBusAdapter) Publish(ctx context.Context, eventType string, payload any) {
	a.bus.Publish(ctx, eventbus.NewEvent(eventType, payload))
}

var _ queue.EventPublisher = (*EventBusAdapter)(nil)
