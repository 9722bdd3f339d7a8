package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestQueue(t *testing.T) (*FileQueue, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	q, err := NewFileQueue(FileQueueConfig{Path: path, RetentionCount: 3}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	return q, path
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusWaiting, true},
		{StatusWaiting, StatusPending, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusInProgress, false},
		{StatusCancelled, StatusWaiting, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestFileQueue_PushPop_PriorityOrder(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	lowID, err := q.Push(ctx, "low", 1, nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	highID, err := q.Push(ctx, "high", 5, nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	a, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if a == nil || a.ID != highID {
		t.Fatalf("expected high-priority action popped first, got %+v", a)
	}
	if a.Status != StatusInProgress {
		t.Errorf("expected in-progress after pop, got %s", a.Status)
	}

	a2, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if a2 == nil || a2.ID != lowID {
		t.Fatalf("expected low-priority action second, got %+v", a2)
	}

	a3, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if a3 != nil {
		t.Errorf("expected nil on empty queue, got %+v", a3)
	}
}

func TestFileQueue_FIFOTieBreak(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	firstID, _ := q.Push(ctx, "first", 1, nil)
	time.Sleep(2 * time.Millisecond)
	_, _ = q.Push(ctx, "second", 1, nil)

	a, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if a.ID != firstID {
		t.Errorf("expected FIFO tie-break to favor first-created action, got %s", a.ID)
	}
}

func TestFileQueue_UpdateStatus_InvalidTransition(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, _ := q.Push(ctx, "task", 0, nil)
	if err := q.UpdateStatus(ctx, id, StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition going pending->completed, got %v", err)
	}

	if err := q.UpdateStatus(ctx, id, StatusInProgress, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := q.UpdateStatus(ctx, id, StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	a, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", a.Status)
	}
}

func TestFileQueue_UpdateStatus_NotFound(t *testing.T) {
	q, _ := setupTestQueue(t)
	if err := q.UpdateStatus(context.Background(), "missing", StatusCompleted, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileQueue_RetentionSweep(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := q.Push(ctx, "task", 0, nil)
		ids = append(ids, id)
		if err := q.UpdateStatus(ctx, id, StatusInProgress, ""); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		if err := q.UpdateStatus(ctx, id, StatusCompleted, ""); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	list, err := q.GetQueue(ctx)
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected retention to cap at 3 actions, got %d", len(list))
	}

	// the three most recently updated must survive
	kept := map[string]bool{}
	for _, a := range list {
		kept[a.ID] = true
	}
	for _, id := range ids[:2] {
		if kept[id] {
			t.Errorf("expected oldest action %s to be evicted by retention", id)
		}
	}
}

func TestFileQueue_StaleSweep(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, _ := q.Push(ctx, "long-running", 0, nil)
	if err := q.UpdateStatus(ctx, id, StatusInProgress, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// force the lease to look old without sleeping the test.
	q.mu.Lock()
	q.actions[id].LeaseAt = time.Now().Add(-time.Hour)
	q.mu.Unlock()

	transitioned, err := q.StaleSweep(ctx, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("StaleSweep: %v", err)
	}
	if len(transitioned) != 1 || transitioned[0].ID != id {
		t.Fatalf("expected stale action to be swept, got %+v", transitioned)
	}

	a, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Status != StatusFailed || a.StatusReason != "stale" {
		t.Errorf("expected failed/stale, got %s/%s", a.Status, a.StatusReason)
	}
}

func TestFileQueue_CancelAndClear(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id1, _ := q.Push(ctx, "a", 0, nil)
	id2, _ := q.Push(ctx, "b", 0, nil)

	if err := q.Cancel(ctx, id1, "user requested"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	a1, _ := q.Get(ctx, id1)
	if a1.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", a1.Status)
	}

	if err := q.Clear(ctx, "shutdown"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	a2, _ := q.Get(ctx, id2)
	if a2.Status != StatusCancelled {
		t.Errorf("expected cancelled after Clear, got %s", a2.Status)
	}
}

func TestFileQueue_UpdatePayload_Merges(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, _ := q.Push(ctx, "task", 0, map[string]interface{}{"a": 1})
	if err := q.UpdatePayload(ctx, id, map[string]interface{}{"b": 2}); err != nil {
		t.Fatalf("UpdatePayload: %v", err)
	}

	a, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Payload["a"] != float64(1) && a.Payload["a"] != 1 {
		t.Errorf("expected payload key 'a' preserved, got %+v", a.Payload)
	}
	if a.Payload["b"] != 2 {
		t.Errorf("expected payload key 'b' merged, got %+v", a.Payload)
	}
}

func TestFileQueue_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")

	q1, err := NewFileQueue(FileQueueConfig{Path: path, RetentionCount: 10}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	ctx := context.Background()
	id, err := q1.Push(ctx, "durable task", 2, nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	q2, err := NewFileQueue(FileQueueConfig{Path: path, RetentionCount: 10}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileQueue (reload): %v", err)
	}

	a, err := q2.Get(ctx, id)
	if err != nil {
		t.Fatalf("expected action to survive reload, got error: %v", err)
	}
	if a.Description != "durable task" {
		t.Errorf("unexpected reloaded action: %+v", a)
	}
}

func TestFileQueue_GetCounts(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id1, _ := q.Push(ctx, "a", 0, nil)
	_, _ = q.Push(ctx, "b", 0, nil)
	if err := q.UpdateStatus(ctx, id1, StatusInProgress, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	counts, err := q.GetCounts(ctx)
	if err != nil {
		t.Fatalf("GetCounts: %v", err)
	}
	if counts.Pending != 1 || counts.InProgress != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}
