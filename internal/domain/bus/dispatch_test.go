package bus

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/memory"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"go.uber.org/zap"
)

type fakeEvents struct {
	published []string
}

func (f *fakeEvents) Publish(_ context.Context, eventType string, _ any) {
	f.published = append(f.published, eventType)
}

func newTestBus(t *testing.T, cfg Config) (*MessageBus, *queue.FileQueue, *fakeEvents) {
	t.Helper()
	q, err := queue.NewFileQueue(queue.FileQueueConfig{
		Path:           filepath.Join(t.TempDir(), "queue.json"),
		RetentionCount: 50,
	}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	mem := memory.NewMemoryManager(memory.NewInMemoryVectorStore(), memory.NewSimpleEmbedder(32))
	events := &fakeEvents{}
	return NewMessageBus(mem, q, events, cfg, zap.NewNop()), q, events
}

func TestMessageBus_Dispatch_RegularReply(t *testing.T) {
	b, q, events := newTestBus(t, Config{})
	ctx := context.Background()

	result, err := b.Dispatch(ctx, InboundMessage{
		MessageID:  "msg-1",
		Source:     "telegram",
		SourceID:   "chat-1",
		UserID:     "user-1",
		SenderName: "Alice",
		Body:       "what's the status?",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !result.Queued || result.ActionID == "" {
		t.Fatalf("expected queued action, got %+v", result)
	}

	action, err := q.Get(ctx, result.ActionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if action.Priority != PriorityRegular {
		t.Errorf("expected regular priority, got %d", action.Priority)
	}

	found := false
	for _, ev := range events.published {
		if ev == EventUserActivity {
			found = true
		}
	}
	if !found {
		t.Errorf("expected user:activity event to be published")
	}
}

func TestMessageBus_Dispatch_CommandAlwaysPasses(t *testing.T) {
	b, q, _ := newTestBus(t, Config{AutoReplyEnabled: map[string]bool{"telegram": false}})
	ctx := context.Background()

	result, err := b.Dispatch(ctx, InboundMessage{
		Source:     "telegram",
		SourceID:   "chat-1",
		SenderName: "Alice",
		Body:       "/status",
		IsCommand:  true,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !result.Queued {
		t.Fatalf("expected command to bypass auto-reply suppression")
	}

	action, _ := q.Get(ctx, result.ActionID)
	if action.Priority != PriorityCommand {
		t.Errorf("expected command priority, got %d", action.Priority)
	}
}

func TestMessageBus_Dispatch_AutoReplyDisabled_Suppressed(t *testing.T) {
	b, _, _ := newTestBus(t, Config{AutoReplyEnabled: map[string]bool{"telegram": false}})
	ctx := context.Background()

	result, err := b.Dispatch(ctx, InboundMessage{
		Source:     "telegram",
		SourceID:   "chat-1",
		SenderName: "Alice",
		Body:       "hello",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Queued {
		t.Fatalf("expected message to be suppressed, not queued")
	}
}

func TestMessageBus_Dispatch_SuppressReplyFlag(t *testing.T) {
	b, _, _ := newTestBus(t, Config{})
	ctx := context.Background()

	result, err := b.Dispatch(ctx, InboundMessage{
		Source:        "webhook",
		SourceID:      "x",
		Body:          "fyi",
		SuppressReply: true,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Queued {
		t.Fatalf("expected suppressReply message to skip queuing")
	}
}

func TestMessageBus_Dispatch_EmailThreading(t *testing.T) {
	b, q, _ := newTestBus(t, Config{})
	ctx := context.Background()

	result, err := b.Dispatch(ctx, InboundMessage{
		Source:         "email",
		SourceID:       "thread-9",
		SenderName:     "Bob",
		Body:           "please advise",
		RequiresThread: true,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	action, err := q.Get(ctx, result.ActionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if action.Priority != PriorityEmail {
		t.Errorf("expected email priority, got %d", action.Priority)
	}
	if action.Payload["requires_thread"] != true {
		t.Errorf("expected requires_thread carried in payload: %+v", action.Payload)
	}
}

func TestMessageBus_Dispatch_WhatsAppStatus(t *testing.T) {
	b, q, _ := newTestBus(t, Config{})
	ctx := context.Background()

	result, err := b.Dispatch(ctx, InboundMessage{
		Source:          "whatsapp",
		SourceID:        "chat-2",
		SenderName:      "Carol",
		Body:            "new status posted",
		IsWhatsAppState: true,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	action, _ := q.Get(ctx, result.ActionID)
	if action.Payload["reply_whatsapp_status"] != true {
		t.Errorf("expected reply_whatsapp_status marker: %+v", action.Payload)
	}
}

func TestMessageBus_Dispatch_ExternalObservation_LowPriority(t *testing.T) {
	b, q, _ := newTestBus(t, Config{})
	ctx := context.Background()

	result, err := b.Dispatch(ctx, InboundMessage{
		Source:     "monitoring",
		SourceID:   "alert-1",
		Body:       "disk usage at 90%",
		IsExternal: true,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	action, _ := q.Get(ctx, result.ActionID)
	if action.Priority != PriorityExternal {
		t.Errorf("expected low external priority, got %d", action.Priority)
	}
}

func TestMessageBus_Dispatch_DedupByMessageID(t *testing.T) {
	b, _, _ := newTestBus(t, Config{})
	ctx := context.Background()

	msg := InboundMessage{MessageID: "dup-1", Source: "telegram", SourceID: "c", Body: "hi"}
	first, err := b.Dispatch(ctx, msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !first.Queued {
		t.Fatalf("expected first delivery to queue")
	}

	second, err := b.Dispatch(ctx, msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if second.Queued {
		t.Fatalf("expected duplicate message id to be dropped")
	}
}
