package agent

import (
	"context"
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"go.uber.org/zap"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *queue.FileQueue) {
	t.Helper()
	q, err := queue.NewFileQueue(queue.FileQueueConfig{
		Path:           t.TempDir() + "/queue.json",
		RetentionCount: 50,
	}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	spawner := NewInMemorySpawner(zap.NewNop(), 3)
	return NewOrchestrator(spawner, q, zap.NewNop()), q
}

func TestOrchestrator_SpawnAndList(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a, err := o.Spawn(ctx, "researcher", "research assistant", []string{"web_search"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if a.Name != "researcher" {
		t.Errorf("expected name researcher, got %s", a.Name)
	}

	list := o.List()
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("expected one listed agent matching spawn, got %+v", list)
	}
}

func TestOrchestrator_Terminate(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a, _ := o.Spawn(ctx, "worker", "doer", nil)
	if err := o.Terminate(a.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(o.List()) != 0 {
		t.Fatalf("expected no listed agents after terminate")
	}
}

func TestOrchestrator_DelegateRecordsParentLink(t *testing.T) {
	o, q := newTestOrchestrator(t)
	ctx := context.Background()

	parentID, _ := q.Push(ctx, "parent task", 5, nil)
	a, _ := o.Spawn(ctx, "helper", "assistant", nil)

	childID, err := o.Delegate(ctx, "sub-task", 3, a.ID, parentID)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	child, err := q.Get(ctx, childID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if child.ParentID != parentID {
		t.Errorf("expected parent id %s, got %s", parentID, child.ParentID)
	}
	if child.Payload["assigned_agent_id"] != a.ID {
		t.Errorf("expected assigned_agent_id %s, got %+v", a.ID, child.Payload)
	}
}

func TestOrchestrator_DistributeAssignsIdleAgents(t *testing.T) {
	o, q := newTestOrchestrator(t)
	ctx := context.Background()

	a1, _ := o.Spawn(ctx, "agent-1", "worker", nil)
	a2, _ := o.Spawn(ctx, "agent-2", "worker", nil)

	id1, _ := o.Delegate(ctx, "task one", 5, "", "")
	id2, _ := o.Delegate(ctx, "task two", 5, "", "")

	n, err := o.Distribute(ctx)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 actions distributed, got %d", n)
	}

	action1, _ := q.Get(ctx, id1)
	action2, _ := q.Get(ctx, id2)
	assigned := map[string]bool{
		action1.Payload["assigned_agent_id"].(string): true,
		action2.Payload["assigned_agent_id"].(string): true,
	}
	if !assigned[a1.ID] || !assigned[a2.ID] {
		t.Errorf("expected both agents to receive one task each, got %+v", assigned)
	}
}

func TestOrchestrator_SendAndInbox(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	a, _ := o.Spawn(ctx, "agent-1", "worker", nil)

	if err := o.Send(a.ID, "start working", "instruction"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := o.Inbox(a.ID)
	if len(msgs) != 1 || msgs[0].Content != "start working" {
		t.Fatalf("expected one queued message, got %+v", msgs)
	}
	if len(o.Inbox(a.ID)) != 0 {
		t.Fatalf("expected inbox drained after read")
	}
}

func TestOrchestrator_Broadcast(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	a1, _ := o.Spawn(ctx, "agent-1", "worker", nil)
	a2, _ := o.Spawn(ctx, "agent-2", "worker", nil)

	o.Broadcast("stand down")

	if len(o.Inbox(a1.ID)) != 1 || len(o.Inbox(a2.ID)) != 1 {
		t.Fatalf("expected broadcast to reach both agents")
	}
}

func TestOrchestrator_CompleteReleasesAgent(t *testing.T) {
	o, q := newTestOrchestrator(t)
	ctx := context.Background()
	a, _ := o.Spawn(ctx, "agent-1", "worker", nil)
	a.SetStatus(AgentStatusRunning)

	taskID, _ := o.Delegate(ctx, "do the thing", 5, a.ID, "")

	if err := o.Complete(ctx, taskID, "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	action, _ := q.Get(ctx, taskID)
	if action.Status != queue.StatusCompleted {
		t.Errorf("expected completed status, got %s", action.Status)
	}
	if a.GetStatus() != AgentStatusIdle {
		t.Errorf("expected agent released to idle, got %v", a.GetStatus())
	}
}

func TestOrchestrator_FailReleasesAgent(t *testing.T) {
	o, q := newTestOrchestrator(t)
	ctx := context.Background()
	a, _ := o.Spawn(ctx, "agent-1", "worker", nil)
	a.SetStatus(AgentStatusRunning)

	taskID, _ := o.Delegate(ctx, "do the thing", 5, a.ID, "")

	if err := o.Fail(ctx, taskID, context.DeadlineExceeded); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	action, _ := q.Get(ctx, taskID)
	if action.Status != queue.StatusFailed {
		t.Errorf("expected failed status, got %s", action.Status)
	}
	if a.GetStatus() != AgentStatusIdle {
		t.Errorf("expected agent released to idle, got %v", a.GetStatus())
	}
}
