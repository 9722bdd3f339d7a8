package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/memory"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"go.uber.org/zap"
)

// Config tunes per-channel auto-reply policy and dedup bookkeeping.
type Config struct {
	// AutoReplyEnabled maps a channel name (InboundMessage.Source) to
	// whether non-command messages there are auto-replied to. A channel
	// missing from the map defaults to enabled.
	AutoReplyEnabled map[string]bool

	// DedupWindow bounds how many recent message ids are remembered to
	// drop redundant webhook/poll deliveries of the same message.
	DedupWindow int
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 256
	}
	return c
}

func (c Config) autoReplyEnabled(source string) bool {
	if c.AutoReplyEnabled == nil {
		return true
	}
	v, ok := c.AutoReplyEnabled[source]
	if !ok {
		return true
	}
	return v
}

// MessageBus is the Message Bus of spec.md §4.4: dispatch(InboundMessage)
// resolves session scope, records a short memory entry, applies
// auto-reply policy, composes a task description from a channel-specific
// template, and pushes the result to the Action Queue.
type MessageBus struct {
	mu     sync.Mutex
	memory *memory.MemoryManager
	queue  queue.Queue
	events queue.EventPublisher
	config Config
	seen   map[string]struct{}
	seenQ  []string
	logger *zap.Logger
}

// NewMessageBus constructs a Message Bus.
func NewMessageBus(mem *memory.MemoryManager, q queue.Queue, events queue.EventPublisher, cfg Config, logger *zap.Logger) *MessageBus {
	return &MessageBus{
		memory: mem,
		queue:  q,
		events: events,
		config: cfg.withDefaults(),
		seen:   make(map[string]struct{}),
		logger: logger.With(zap.String("component", "message-bus")),
	}
}

// Dispatch implements the Message Bus pipeline of spec.md §4.4.
func (b *MessageBus) Dispatch(ctx context.Context, msg InboundMessage) (*DispatchResult, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	if msg.MessageID != "" && b.isDuplicate(msg.MessageID) {
		b.logger.Debug("Dropping duplicate message", zap.String("message_id", msg.MessageID))
		return &DispatchResult{Queued: false}, nil
	}

	scope := memory.ResolveSessionScope(msg.Source, msg.SourceID, msg.UserID)

	content := composeCanonicalContent(msg)
	if err := b.memory.Save(ctx, &memory.MemoryEntry{
		Content:        content,
		Kind:           memory.KindShort,
		SessionScopeID: scope,
		UserID:         msg.UserID,
		SessionID:      msg.SourceID,
		Metadata: map[string]interface{}{
			"source":     msg.Source,
			"source_id":  msg.SourceID,
			"sender":     msg.SenderName,
			"is_command": msg.IsCommand,
		},
	}); err != nil {
		return nil, fmt.Errorf("bus: persist short memory: %w", err)
	}

	b.emitActivity(ctx, msg)

	if b.suppressed(msg) {
		return &DispatchResult{Queued: false}, nil
	}

	description, priority, payload := buildTaskDescription(msg, scope)

	actionID, err := b.queue.Push(ctx, description, priority, payload)
	if err != nil {
		return nil, fmt.Errorf("bus: push action: %w", err)
	}

	return &DispatchResult{ActionID: actionID, Queued: true}, nil
}

func (b *MessageBus) suppressed(msg InboundMessage) bool {
	if msg.IsCommand {
		return false
	}
	if msg.SuppressReply {
		return true
	}
	return !b.config.autoReplyEnabled(msg.Source)
}

func (b *MessageBus) emitActivity(ctx context.Context, msg InboundMessage) {
	if b.events == nil {
		return
	}
	b.events.Publish(ctx, EventUserActivity, UserActivityPayload{
		Source:   msg.Source,
		SourceID: msg.SourceID,
		At:       msg.ReceivedAt,
	})
}

func (b *MessageBus) isDuplicate(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.seen[messageID]; ok {
		return true
	}
	b.seen[messageID] = struct{}{}
	b.seenQ = append(b.seenQ, messageID)
	if len(b.seenQ) > b.config.DedupWindow {
		evict := b.seenQ[0]
		b.seenQ = b.seenQ[1:]
		delete(b.seen, evict)
	}
	return false
}

// composeCanonicalContent builds the memory content string: sender +
// channel + body + reply context + media analysis (spec.md §4.4).
func composeCanonicalContent(msg InboundMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s/%s] %s: %s", msg.Source, msg.SourceID, msg.SenderName, msg.Body)
	if msg.ReplyContext != "" {
		fmt.Fprintf(&b, "\n(in reply to: %s)", msg.ReplyContext)
	}
	if msg.MediaAnalysis != "" {
		fmt.Fprintf(&b, "\n(media: %s)", msg.MediaAnalysis)
	}
	return b.String()
}

// buildTaskDescription applies the channel-specific templates of
// spec.md §4.4, returning the description, priority, and action payload.
func buildTaskDescription(msg InboundMessage, scope string) (string, int, map[string]interface{}) {
	payload := map[string]interface{}{
		"source":           msg.Source,
		"source_id":        msg.SourceID,
		"session_scope_id": scope,
		"sender":           msg.SenderName,
	}

	switch {
	case msg.IsCommand && msg.IsOwnerSelf:
		payload["command"] = msg.Body
		return fmt.Sprintf("Owner self-command on %s: %s", msg.Source, msg.Body), PriorityOwnerSelf, payload

	case msg.IsCommand:
		payload["command"] = msg.Body
		return fmt.Sprintf("Command from %s on %s: %s", msg.SenderName, msg.Source, msg.Body), PriorityCommand, payload

	case msg.Source == "email":
		payload["requires_thread"] = msg.RequiresThread
		return fmt.Sprintf("Reply to email from %s: %s", msg.SenderName, msg.Body), PriorityEmail, payload

	case msg.IsWhatsAppState:
		payload["reply_whatsapp_status"] = true
		return fmt.Sprintf("React to WhatsApp status from %s: %s", msg.SenderName, msg.Body), PriorityWhatsApp, payload

	case msg.IsExternal:
		return fmt.Sprintf("Observation from %s: %s", msg.Source, msg.Body), PriorityExternal, payload

	default:
		return fmt.Sprintf("Reply to %s on %s: %s", msg.SenderName, msg.Source, msg.Body), PriorityRegular, payload
	}
}
