package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/memory"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/skills"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
)

// scriptedLLM returns one canned response per call, in order, looping on
// the last one once exhausted — enough to drive a short ActionRunner run
// without a real model.
type scriptedLLM struct {
	responses []*LLMResponse
	calls     int
}

func (s *scriptedLLM) Generate(_ context.Context, _ *LLMRequest) (*LLMResponse, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	return s.Generate(ctx, req)
}

type noopToolExecutor struct{}

func (noopToolExecutor) Execute(_ context.Context, _ string, _ map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Success: true}, nil
}
func (noopToolExecutor) GetDefinitions() []domaintool.Definition { return nil }
func (noopToolExecutor) GetToolKind(_ string) domaintool.Kind    { return domaintool.KindRead }

func newTestActionRunner(t *testing.T, llm LLMClient) (*ActionRunner, queue.Queue) {
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
	loop := NewAgentLoop(llm, noopToolExecutor{}, DefaultAgentLoopConfig(), testLogger())

	runner := NewActionRunner(
		loop, q, mem, reg,
		NewIncidentMemory(30),
		NewConscienceEngine(nil),
		NewErrorFixerEngine(),
		"You are a helpful assistant.",
		ActionRunnerConfig{},
		testLogger(),
	)
	return runner, q
}

func TestActionRunner_CompletesWhenReviewSatisfied(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "Done, the report has been sent."},
		{Content: "SATISFIED"},
	}}
	runner, q := newTestActionRunner(t, llm)
	ctx := context.Background()

	id, err := q.Push(ctx, "send the weekly report", 5, map[string]interface{}{"session_scope_id": "scope-1"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	action, err := q.Pop(ctx)
	if err != nil || action == nil {
		t.Fatalf("Pop: %v, %+v", err, action)
	}
	if action.ID != id {
		t.Fatalf("expected popped action %s, got %s", id, action.ID)
	}

	result, err := runner.RunAction(ctx, action)
	if err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s (%s)", result.Outcome, result.Reason)
	}

	final, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != queue.StatusCompleted {
		t.Errorf("expected action status completed, got %s", final.Status)
	}
}

func TestActionRunner_ClarificationEntersWaiting(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "Which environment should I deploy to?"},
	}}
	runner, q := newTestActionRunner(t, llm)
	ctx := context.Background()

	q.Push(ctx, "deploy the service", 5, nil)
	action, _ := q.Pop(ctx)

	result, err := runner.RunAction(ctx, action)
	if err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	if result.Outcome != OutcomeWaiting {
		t.Fatalf("expected waiting outcome, got %s", result.Outcome)
	}

	final, _ := q.Get(ctx, action.ID)
	if final.Status != queue.StatusWaiting {
		t.Errorf("expected status waiting, got %s", final.Status)
	}
	if final.Payload["lastUserMessageText"] != result.FinalContent {
		t.Errorf("expected lastUserMessageText carried in payload: %+v", final.Payload)
	}
}

func TestActionRunner_ContinuesThenCompletes(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "I've drafted the email."},
		{Content: "MISSING: the email was not actually sent"},
		{Content: "The email has now been sent."},
		{Content: "SATISFIED"},
	}}
	runner, q := newTestActionRunner(t, llm)
	ctx := context.Background()

	q.Push(ctx, "send an email to the team", 5, map[string]interface{}{"session_scope_id": "scope-2"})
	action, _ := q.Pop(ctx)

	result, err := runner.RunAction(ctx, action)
	if err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected eventual completion, got %s (%s)", result.Outcome, result.Reason)
	}
}

func TestActionRunner_EscalatesOnGuardSnapshot(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "still retrying"},
	}}
	runner, q := newTestActionRunner(t, llm)
	ctx := context.Background()

	q.Push(ctx, "a task that keeps failing", 5, nil)
	action, _ := q.Pop(ctx)

	// Pre-seed two consecutive tool failures for this action, as
	// drainEvents would after a couple of failing steps — enough for
	// the Conscience Engine's rule (c) to mark this step RiskHigh and
	// Escalate before the Reasoning Loop even runs a termination pass.
	runner.incidents.Record(Incident{ActionID: action.ID, Step: 1, Source: IncidentTool, Error: "connection refused"})
	runner.incidents.Record(Incident{ActionID: action.ID, Step: 2, Source: IncidentTool, Error: "connection refused"})

	result, err := runner.RunAction(ctx, action)
	if err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	if result.Outcome != OutcomeEscalated {
		t.Fatalf("expected escalated outcome, got %s (%s)", result.Outcome, result.Reason)
	}

	final, err := q.Get(ctx, action.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != queue.StatusCompleted {
		t.Errorf("expected action status completed-with-escalation, got %s", final.Status)
	}
}

func TestActionRunner_FailsAfterTooManyTerminationRounds(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "still working on it"},
		{Content: "MISSING: x"},
	}}
	runner, q := newTestActionRunner(t, llm)
	runner.config.MaxTerminationPasses = 2
	ctx := context.Background()

	q.Push(ctx, "an impossible task", 5, nil)
	action, _ := q.Pop(ctx)

	result, err := runner.RunAction(ctx, action)
	if err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Outcome)
	}
}
