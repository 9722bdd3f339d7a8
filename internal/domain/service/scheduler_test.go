package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/memory"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/skills"
)

func newTestScheduler(t *testing.T, llm LLMClient, cfg SchedulerConfig) (*Scheduler, *queue.FileQueue) {
	t.Helper()
	q, err := queue.NewFileQueue(queue.FileQueueConfig{
		Path:           filepath.Join(t.TempDir(), "queue.json"),
		RetentionCount: 50,
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	mem := memory.NewMemoryManager(memory.NewInMemoryVectorStore(), memory.NewSimpleEmbedder(32))
	reg := skills.NewRegistry(skills.RegistryConfig{}, nil, testLogger())

	scriptLLM, _ := llm.(*scriptedLLM)
	var genLLM LLMClient = llm
	if scriptLLM == nil {
		genLLM = &scriptedLLM{responses: []*LLMResponse{{Content: "SATISFIED"}}}
	}
	loop := NewAgentLoop(genLLM, noopToolExecutor{}, DefaultAgentLoopConfig(), testLogger())
	runner := NewActionRunner(loop, q, mem, reg, NewIncidentMemory(30), NewConscienceEngine(nil), NewErrorFixerEngine(), "", ActionRunnerConfig{}, testLogger())

	sched := NewScheduler(q, runner, reg, mem, llm, cfg, testLogger())
	return sched, q
}

func TestScheduler_TickExecutesOneAction(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "all done"},
		{Content: "SATISFIED"},
	}}
	sched, q := newTestScheduler(t, llm, SchedulerConfig{})
	ctx := context.Background()

	id, err := q.Push(ctx, "a quick task", 5, nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	sched.Tick(ctx)

	action, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if action.Status != queue.StatusCompleted {
		t.Errorf("expected action completed after tick, got %s", action.Status)
	}
}

func TestScheduler_TickSkipsWhenActionInProgress(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{Content: "SATISFIED"}}}
	sched, q := newTestScheduler(t, llm, SchedulerConfig{})
	ctx := context.Background()

	id1, _ := q.Push(ctx, "task one", 9, nil)
	_, _ = q.Push(ctx, "task two", 5, nil)

	// Manually lease task one so it looks in-progress.
	leased, err := q.Pop(ctx)
	if err != nil || leased == nil || leased.ID != id1 {
		t.Fatalf("expected to pop task one, got %+v, err=%v", leased, err)
	}

	sched.Tick(ctx)

	counts, _ := q.GetCounts(ctx)
	if counts.InProgress != 1 {
		t.Errorf("expected the in-progress action left untouched, got counts=%+v", counts)
	}
}

func TestScheduler_ProactiveTaskSynthesis(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal.md")
	if err := os.WriteFile(journalPath, []byte("- investigated flaky sensor readings\n"), 0644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "Double-check the sensor calibration script"},
	}}
	sched, q := newTestScheduler(t, llm, SchedulerConfig{
		JournalPath:          journalPath,
		AutonomyBacklogLimit: 5,
	})
	ctx := context.Background()

	sched.Tick(ctx)

	queued, err := q.GetQueue(ctx)
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	found := false
	for _, a := range queued {
		if a.Description == "Double-check the sensor calibration script" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a proactive task to be queued, got %+v", queued)
	}
}

func TestScheduler_ProactiveTaskSkippedAboveBacklogLimit(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{Content: "should not be called"}}}
	sched, q := newTestScheduler(t, llm, SchedulerConfig{AutonomyBacklogLimit: 1})
	ctx := context.Background()

	q.Push(ctx, "existing backlog item", 5, nil)
	// Lease it so Tick's one-action-at-a-time rule skips Pop, isolating
	// this test to the proactive-synthesis backlog check.
	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	sched.Tick(ctx)

	queued, _ := q.GetQueue(ctx)
	for _, a := range queued {
		if a.Description == "should not be called" {
			t.Fatalf("did not expect a synthesized task above backlog limit, got %+v", queued)
		}
	}
}

func TestScheduler_StartStop(t *testing.T) {
	sched, _ := newTestScheduler(t, nil, SchedulerConfig{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()
	sched.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	sched.Stop()
}
