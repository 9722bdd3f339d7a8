package queue

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an Action.
type Status string

const (
	StatusPending    Status = "pending"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// terminal returns true for statuses that never transition further.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validNext defines the allowed status DAG from spec.md §3:
// pending ↔ waiting → in-progress → {completed, failed, cancelled}.
var validNext = map[Status]map[Status]bool{
	StatusPending: {
		StatusWaiting:    true,
		StatusInProgress: true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusWaiting: {
		StatusPending:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusWaiting:   true,
		StatusPending:   true, // released back by updateStatus without completing a step
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge.
func CanTransition(from, to Status) bool {
	allowed, ok := validNext[from]
	return ok && allowed[to]
}

var (
	// ErrInvalidTransition is returned by updateStatus on an illegal edge.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrNotFound is returned when an action id is unknown.
	ErrNotFound = errors.New("queue: action not found")
	// ErrAlreadyLeased names a pop of a leased action; FileQueue.Pop skips leased actions and never returns it.
	ErrAlreadyLeased = errors.New("queue: action already leased")
)

// Action is a unit of work tracked through the lifecycle in spec.md §3.
type Action struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Priority    int                    `json:"priority"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Payload     map[string]interface{} `json:"payload"`
	Step        int                    `json:"step"`
	ParentID    string                 `json:"parent_id,omitempty"`

	// LeaseAt records when pop() transitioned this action to in-progress;
	// used by the scheduler's stale-action sweep.
	LeaseAt time.Time `json:"lease_at,omitempty"`

	// StatusReason carries the "why" for the last status change
	// (e.g. "stale", "abandoned", a guard escalation summary).
	StatusReason string `json:"status_reason,omitempty"`
}

// clone returns a deep-enough copy safe to hand to callers outside the lock.
func (a *Action) clone() *Action {
	cp := *a
	if a.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(a.Payload))
		for k, v := range a.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Counts summarizes the queue by status, returned by GetCounts.
type Counts struct {
	Pending    int `json:"pending"`
	Waiting    int `json:"waiting"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
