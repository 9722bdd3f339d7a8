package queue

import "context"

// Queue is the Action Queue contract from spec.md §4.1.
//
// Leasing is single-writer: Pop atomically marks the returned action
// in-progress and stamps its lease time; callers release the lease via
// UpdateStatus to a terminal status or back to pending/waiting. Push
// never blocks; Pop never blocks and returns (nil, nil) when nothing is
// eligible.
type Queue interface {
	// Push enqueues new work and returns its id.
	Push(ctx context.Context, description string, priority int, payload map[string]interface{}) (string, error)

	// Pop returns the highest-priority pending action
	// (FIFO tie-break by creation time), transitioning it to in-progress.
	// Returns (nil, nil) when the queue has nothing eligible.
	Pop(ctx context.Context) (*Action, error)

	// UpdateStatus performs a status transition, recording reason.
	// Returns ErrInvalidTransition without mutating state on an illegal edge.
	UpdateStatus(ctx context.Context, id string, status Status, reason string) error

	// UpdatePayload merges patch into the action's payload.
	UpdatePayload(ctx context.Context, id string, patch map[string]interface{}) error

	// Get returns a copy of the action, or ErrNotFound.
	Get(ctx context.Context, id string) (*Action, error)

	// GetQueue returns a snapshot of all actions, priority order.
	GetQueue(ctx context.Context) ([]*Action, error)

	// GetCounts tallies actions by status.
	GetCounts(ctx context.Context) (Counts, error)

	// Cancel transitions a non-terminal action to cancelled with reason.
	Cancel(ctx context.Context, id string, reason string) error

	// Clear cancels every non-terminal action.
	Clear(ctx context.Context, reason string) error
}

// EventPublisher is the minimal surface the queue needs to announce
// lifecycle events (spec.md §6 outbound event stream); satisfied by
// internal/infrastructure/eventbus.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

// Outbound event type names the queue emits (spec.md §6).
const (
	EventActionPush      = "action:push"
	EventActionQueued    = "action:queued"
	EventActionCancelled = "action:cancelled"
	EventActionCleared   = "action:cleared"
)
