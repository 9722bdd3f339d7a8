package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"go.uber.org/zap"
)

// AgentMessage is one entry in a sub-agent's mailbox, delivered by
// Orchestrator.Send or Orchestrator.Broadcast.
type AgentMessage struct {
	From    string
	To      string
	Type    string // free-form, e.g. "instruction", "status", "result"
	Content string
	At      time.Time
}

// Orchestrator is the named facade of spec.md §4.9: sub-agent lifecycle
// and delegated-task routing, built over the teacher's existing
// Spawner (DAGExecutor is not used here). Parent→child relationships ride on
// queue.Action.ParentID, so the Reasoning Loop and Guard can reason
// about delegated completion without importing this package.
type Orchestrator struct {
	spawner Spawner
	queue   queue.Queue
	logger  *zap.Logger

	mu       sync.Mutex
	topLevel map[string]bool // agent ids spawned directly under the orchestrator (its "root")
	mailbox  map[string][]AgentMessage
}

// NewOrchestrator builds an Orchestrator over an existing Spawner and
// the shared Action Queue.
func NewOrchestrator(spawner Spawner, q queue.Queue, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		spawner:  spawner,
		queue:    q,
		logger:   logger.With(zap.String("component", "orchestrator")),
		topLevel: make(map[string]bool),
		mailbox:  make(map[string][]AgentMessage),
	}
}

// Spawn creates a named, role-tagged sub-agent. caps becomes the
// agent's allowed tool list (empty means "inherit everything not
// denied", per Permission.CanUseTool).
func (o *Orchestrator) Spawn(ctx context.Context, name, role string, caps []string) (*SpawnedAgent, error) {
	config := DefaultSpawnConfig(name)
	config.SystemPrompt = fmt.Sprintf("You are %s, acting as %s.", name, role)
	config.AllowedTools = caps
	config.Metadata["role"] = role

	created, err := o.spawner.Spawn(ctx, "", config)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.topLevel[created.ID] = true
	o.mu.Unlock()

	o.logger.Info("agent spawned", zap.String("agent_id", created.ID), zap.String("name", name), zap.String("role", role))
	return created, nil
}

// List returns every live (non-terminated) sub-agent the orchestrator
// knows about.
func (o *Orchestrator) List() []*SpawnedAgent {
	o.mu.Lock()
	ids := make([]string, 0, len(o.topLevel))
	for id := range o.topLevel {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	out := make([]*SpawnedAgent, 0, len(ids))
	for _, id := range ids {
		if a, ok := o.spawner.Get(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// Terminate stops a sub-agent and any of its own children.
func (o *Orchestrator) Terminate(agentID string) error {
	if err := o.spawner.Terminate(agentID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.topLevel, agentID)
	delete(o.mailbox, agentID)
	o.mu.Unlock()
	o.logger.Info("agent terminated", zap.String("agent_id", agentID))
	return nil
}

// Delegate pushes a new Action for targetAgentID to pick up (or for any
// worker when targetAgentID is empty), recording the delegation both in
// the action's payload and, when called from within an owning action's
// context, as a parent→child link via queue.Action.ParentID.
func (o *Orchestrator) Delegate(ctx context.Context, description string, priority int, targetAgentID string, parentActionID string) (string, error) {
	payload := map[string]interface{}{
		"delegated": true,
	}
	if targetAgentID != "" {
		if _, ok := o.spawner.Get(targetAgentID); !ok {
			return "", fmt.Errorf("orchestrator: unknown target agent %s", targetAgentID)
		}
		payload["assigned_agent_id"] = targetAgentID
	}
	if parentActionID != "" {
		payload["parent_id"] = parentActionID
	}

	id, err := o.queue.Push(ctx, description, priority, payload)
	if err != nil {
		return "", err
	}
	o.logger.Info("task delegated", zap.String("action_id", id), zap.String("target_agent", targetAgentID))
	return id, nil
}

// Distribute assigns any pending, unassigned delegated actions to idle
// spawned agents round-robin. It does not run them — that remains the
// Scheduler/Reasoning Loop's job; Distribute only settles which agent
// owns which action.
func (o *Orchestrator) Distribute(ctx context.Context) (int, error) {
	agents := o.List()
	idle := make([]*SpawnedAgent, 0, len(agents))
	for _, a := range agents {
		if a.GetStatus() == AgentStatusIdle {
			idle = append(idle, a)
		}
	}
	if len(idle) == 0 {
		return 0, nil
	}

	actions, err := o.queue.GetQueue(ctx)
	if err != nil {
		return 0, err
	}

	assigned := 0
	cursor := 0
	for _, a := range actions {
		if a.Status != queue.StatusPending {
			continue
		}
		if delegated, _ := a.Payload["delegated"].(bool); !delegated {
			continue
		}
		if existing, ok := a.Payload["assigned_agent_id"].(string); ok && existing != "" {
			continue
		}
		target := idle[cursor%len(idle)]
		cursor++
		if err := o.queue.UpdatePayload(ctx, a.ID, map[string]interface{}{"assigned_agent_id": target.ID}); err != nil {
			o.logger.Warn("distribute: failed to assign action", zap.String("action_id", a.ID), zap.Error(err))
			continue
		}
		assigned++
	}
	return assigned, nil
}

// Send delivers a message to a sub-agent's mailbox.
func (o *Orchestrator) Send(agentID, message, msgType string) error {
	if _, ok := o.spawner.Get(agentID); !ok {
		return fmt.Errorf("orchestrator: unknown agent %s", agentID)
	}
	o.mu.Lock()
	o.mailbox[agentID] = append(o.mailbox[agentID], AgentMessage{
		To:      agentID,
		Type:    msgType,
		Content: message,
		At:      time.Now(),
	})
	o.mu.Unlock()
	return nil
}

// Broadcast delivers a message to every live sub-agent's mailbox.
func (o *Orchestrator) Broadcast(message string) {
	for _, a := range o.List() {
		_ = o.Send(a.ID, message, "broadcast")
	}
}

// Inbox drains and returns the pending messages for agentID.
func (o *Orchestrator) Inbox(agentID string) []AgentMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.mailbox[agentID]
	delete(o.mailbox, agentID)
	return msgs
}

// Complete marks a delegated task's action completed with an optional
// result, and flips the owning agent back to idle.
func (o *Orchestrator) Complete(ctx context.Context, taskActionID string, result string) error {
	reason := "delegated task complete"
	if result != "" {
		reason = result
	}
	if err := o.ensureInProgress(ctx, taskActionID); err != nil {
		return err
	}
	if err := o.queue.UpdateStatus(ctx, taskActionID, queue.StatusCompleted, reason); err != nil {
		return err
	}
	o.releaseAssignedAgent(ctx, taskActionID)
	return nil
}

// Fail marks a delegated task's action failed with the given error, and
// flips the owning agent back to idle.
func (o *Orchestrator) Fail(ctx context.Context, taskActionID string, cause error) error {
	reason := "delegated task failed"
	if cause != nil {
		reason = cause.Error()
	}
	if err := o.ensureInProgress(ctx, taskActionID); err != nil {
		return err
	}
	if err := o.queue.UpdateStatus(ctx, taskActionID, queue.StatusFailed, reason); err != nil {
		return err
	}
	o.releaseAssignedAgent(ctx, taskActionID)
	return nil
}

// ensureInProgress moves a still-pending delegated action through
// in-progress first. Delegate only ever pushes actions as pending — a
// sub-agent can be handed ownership via Distribute without ever calling
// queue.Pop — so Complete/Fail would otherwise try the illegal
// pending→completed/failed edge and fail on the status DAG in
// queue.validNext. Already-leased (in-progress) actions pass through
// untouched.
func (o *Orchestrator) ensureInProgress(ctx context.Context, taskActionID string) error {
	action, err := o.queue.Get(ctx, taskActionID)
	if err != nil {
		return err
	}
	if action.Status == queue.StatusPending {
		return o.queue.UpdateStatus(ctx, taskActionID, queue.StatusInProgress, "delegated task claimed by owning agent")
	}
	return nil
}

func (o *Orchestrator) releaseAssignedAgent(ctx context.Context, taskActionID string) {
	action, err := o.queue.Get(ctx, taskActionID)
	if err != nil {
		return
	}
	agentID, ok := action.Payload["assigned_agent_id"].(string)
	if !ok || agentID == "" {
		return
	}
	if a, ok := o.spawner.Get(agentID); ok {
		a.SetStatus(AgentStatusIdle)
	}
}
