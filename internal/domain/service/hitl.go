package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	domaincontext "github.com/ngoclaw/ngoclaw/gateway/internal/domain/context"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/memory"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"go.uber.org/zap"
)

// InterventionType classifies an Agentic HITL proxy action, per
// spec.md §3's Intervention entity.
type InterventionType string

const (
	InterventionQuestionAnswer InterventionType = "question-answer"
	InterventionDirectionGuide InterventionType = "direction-guidance"
	InterventionStuckRecovery  InterventionType = "stuck-recovery"
)

// Intervention is a record of the HITL proxy acting on the operator's
// behalf, per spec.md §3.
type Intervention struct {
	ID             string
	ActionID       string
	Type           InterventionType
	TriggerText    string
	Response       string
	Confidence     int
	Applied        bool
	Timestamp      time.Time
	ContextSummary string
}

// hitlDecision is the strict JSON shape the LLM must answer with,
// per spec.md §4.8(e).
type hitlDecision struct {
	Confidence       int    `json:"confidence"`
	Reasoning        string `json:"reasoning"`
	Response         string `json:"response"`
	Restricted       bool   `json:"restricted"`
	RestrictedReason string `json:"restrictedReason"`
	SafeDefault      string `json:"safeDefault"`
}

// HITLConfig tunes the Agentic HITL Proxy of spec.md §4.8.
type HITLConfig struct {
	ResponseDelay             time.Duration // delay before first evaluation (default 2 minutes)
	ActivityCooldown          time.Duration // abort if operator active within this window (default 5 minutes)
	PostInterventionCooldown  time.Duration // abort re-evaluation within this window of a prior applied intervention (default 10 minutes)
	BackoffBase               time.Duration // default 60s
	MaxBackoffDoublings       int           // backoff growth caps after this many doublings (default 5)
	ConfidenceThreshold       int           // default 70
	MaxInterventionsPerAction int           // default 3 (invariant K)
	StuckGateSteps            int           // minimum step delta before re-injecting stuck guidance (default 5)
	BootstrapIdentityPaths    []string
	JournalPath               string
	LearningPath              string
	TailLines                 int
	LogPath                   string // optional JSONL append log of interventions
	MaxContextTokens          int    // token budget for buildContextBundle (default 6000)
}

func (c HITLConfig) withDefaults() HITLConfig {
	if c.ResponseDelay <= 0 {
		c.ResponseDelay = 2 * time.Minute
	}
	if c.ActivityCooldown <= 0 {
		c.ActivityCooldown = 5 * time.Minute
	}
	if c.PostInterventionCooldown <= 0 {
		c.PostInterventionCooldown = 10 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 60 * time.Second
	}
	if c.MaxBackoffDoublings <= 0 {
		c.MaxBackoffDoublings = 5
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 70
	}
	if c.MaxInterventionsPerAction <= 0 {
		c.MaxInterventionsPerAction = 3
	}
	if c.StuckGateSteps <= 0 {
		c.StuckGateSteps = 5
	}
	if c.TailLines <= 0 {
		c.TailLines = 20
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 6000
	}
	return c
}

// StuckSignals carries the proactive-stuck-detection counters spec.md
// §4.8 names, computed by the caller of CheckProactiveStuck from its own
// step history. Neither the Reasoning Loop nor the Scheduler calls it.
type StuckSignals struct {
	RecentFailures        int // failures within the last 6 steps
	SameToolRepeatCount   int // max repeats of any one tool recently
	StepsSinceLastMessage int
	PlanningOnlyTurns     int
}

func (s StuckSignals) isStuck() bool {
	return s.RecentFailures >= 3 || s.SameToolRepeatCount >= 3 ||
		s.StepsSinceLastMessage >= 5 || s.PlanningOnlyTurns >= 3
}

// HITLProxy implements the Agentic Human-in-the-Loop proxy of spec.md
// §4.8: it answers waiting clarifications and nudges stuck in-progress
// actions on the operator's behalf when confidence is high enough.
type HITLProxy struct {
	queue  queue.Queue
	mem    *memory.MemoryManager
	llm    LLMClient
	config HITLConfig
	logger *zap.Logger

	mu                 sync.Mutex
	timers             map[string]*time.Timer
	lastActivity       map[string]time.Time // key: source+"|"+sourceID
	interventionCounts map[string]int
	backoffAttempts    map[string]int
	postCooldownUntil  map[string]time.Time
	lastStuckStep      map[string]int
	interventions      []Intervention
}

// NewHITLProxy builds a HITL Proxy.
func NewHITLProxy(q queue.Queue, mem *memory.MemoryManager, llm LLMClient, config HITLConfig, logger *zap.Logger) *HITLProxy {
	return &HITLProxy{
		queue:              q,
		mem:                mem,
		llm:                llm,
		config:             config.withDefaults(),
		logger:             logger.With(zap.String("component", "hitl-proxy")),
		timers:             make(map[string]*time.Timer),
		lastActivity:       make(map[string]time.Time),
		interventionCounts: make(map[string]int),
		backoffAttempts:    make(map[string]int),
		postCooldownUntil:  make(map[string]time.Time),
		lastStuckStep:      make(map[string]int),
	}
}

func activityKey(source, sourceID string) string {
	return source + "|" + sourceID
}

// OnActionWaiting schedules an evaluation after ResponseDelay, per
// spec.md §4.8's opening sentence. Call this once whenever an action
// transitions into waiting.
func (h *HITLProxy) OnActionWaiting(ctx context.Context, actionID string) {
	h.mu.Lock()
	if existing, ok := h.timers[actionID]; ok {
		existing.Stop()
	}
	h.timers[actionID] = time.AfterFunc(h.config.ResponseDelay, func() {
		h.evaluate(ctx, actionID)
	})
	h.mu.Unlock()
}

// OnUserActivity records operator activity on a channel, informing the
// activity-cooldown check (a). Wire this to bus.EventUserActivity.
func (h *HITLProxy) OnUserActivity(source, sourceID string, at time.Time) {
	h.mu.Lock()
	h.lastActivity[activityKey(source, sourceID)] = at
	h.mu.Unlock()
}

func (h *HITLProxy) recentlyActive(source, sourceID string) bool {
	h.mu.Lock()
	last, ok := h.lastActivity[activityKey(source, sourceID)]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return time.Since(last) < h.config.ActivityCooldown
}

func (h *HITLProxy) inPostInterventionCooldown(actionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	until, ok := h.postCooldownUntil[actionID]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

// recordBackoffAndReschedule implements (c): exponential backoff
// between re-evaluations, base doubled per attempt, growth capped after
// MaxBackoffDoublings doublings.
func (h *HITLProxy) recordBackoffAndReschedule(ctx context.Context, actionID string) {
	h.mu.Lock()
	attempt := h.backoffAttempts[actionID]
	h.backoffAttempts[actionID] = attempt + 1
	if attempt > h.config.MaxBackoffDoublings {
		attempt = h.config.MaxBackoffDoublings
	}
	delay := h.config.BackoffBase << uint(attempt)
	if existing, ok := h.timers[actionID]; ok {
		existing.Stop()
	}
	h.timers[actionID] = time.AfterFunc(delay, func() {
		h.evaluate(ctx, actionID)
	})
	h.mu.Unlock()
}

// evaluate runs one full HITL evaluation pass for actionID, steps (a)
// through (h) of spec.md §4.8.
func (h *HITLProxy) evaluate(ctx context.Context, actionID string) {
	action, err := h.queue.Get(ctx, actionID)
	if err != nil || action.Status != queue.StatusWaiting {
		return
	}

	h.mu.Lock()
	count := h.interventionCounts[actionID]
	h.mu.Unlock()
	if count >= h.config.MaxInterventionsPerAction {
		return
	}

	source, _ := action.Payload["source"].(string)
	sourceID, _ := action.Payload["source_id"].(string)

	if h.recentlyActive(source, sourceID) { // (a)
		h.recordBackoffAndReschedule(ctx, actionID)
		return
	}
	if h.inPostInterventionCooldown(actionID) { // (b)
		h.recordBackoffAndReschedule(ctx, actionID)
		return
	}

	triggerText, _ := action.Payload["lastUserMessageText"].(string)
	bundle := h.buildContextBundle(ctx, action)

	decision, err := h.callLLM(ctx, action, triggerText, bundle)
	if err != nil {
		h.logger.Warn("HITL evaluation LLM call failed", zap.Error(err))
		h.recordBackoffAndReschedule(ctx, actionID)
		return
	}

	// (f) re-verify the action is still waiting, and that the operator
	// has not become active in the meantime — the race guard.
	fresh, err := h.queue.Get(ctx, actionID)
	if err != nil || fresh.Status != queue.StatusWaiting {
		return
	}
	if h.recentlyActive(source, sourceID) {
		h.recordBackoffAndReschedule(ctx, actionID)
		return
	}

	if decision.Confidence >= h.config.ConfidenceThreshold && !decision.Restricted { // (g)
		h.apply(ctx, action, decision.Response, decision.Confidence, InterventionQuestionAnswer, triggerText, bundle)
		return
	}

	if decision.SafeDefault != "" { // (h)
		h.apply(ctx, action, decision.SafeDefault, decision.Confidence, InterventionDirectionGuide, triggerText, bundle)
		return
	}

	h.recordBackoffAndReschedule(ctx, actionID)
}

// apply injects a tagged synthetic response into memory, appends it to
// the action's working context, and transitions the action back to
// pending — invariant: only ever called on an action in waiting.
func (h *HITLProxy) apply(ctx context.Context, action *queue.Action, response string, confidence int, kind InterventionType, trigger, contextSummary string) {
	scope, _ := action.Payload["session_scope_id"].(string)

	_ = h.mem.Save(ctx, &memory.MemoryEntry{
		Content:        response,
		Kind:           memory.KindShort,
		SessionScopeID: scope,
		ActionID:       action.ID,
		Metadata: map[string]interface{}{
			"role":              "assistant",
			"hitl_intervention": true,
			"intervention_type": string(kind),
			"confidence":        confidence,
		},
	})

	_ = h.queue.UpdatePayload(ctx, action.ID, map[string]interface{}{
		"description_addendum": response,
		"clarification":        false,
	})
	_ = h.queue.UpdateStatus(ctx, action.ID, queue.StatusPending, fmt.Sprintf("hitl applied (%s, confidence=%d)", kind, confidence))

	h.mu.Lock()
	h.interventionCounts[action.ID]++
	h.postCooldownUntil[action.ID] = time.Now().Add(h.config.PostInterventionCooldown)
	h.interventions = append(h.interventions, Intervention{
		ID:             fmt.Sprintf("%s-%d", action.ID, len(h.interventions)+1),
		ActionID:       action.ID,
		Type:           kind,
		TriggerText:    trigger,
		Response:       response,
		Confidence:     confidence,
		Applied:        true,
		Timestamp:      time.Now(),
		ContextSummary: contextSummary,
	})
	h.mu.Unlock()

	h.appendLog(Intervention{ActionID: action.ID, Type: kind, TriggerText: trigger, Response: response, Confidence: confidence, Applied: true, Timestamp: time.Now()})
}

// History returns the interventions applied for actionID, most recent
// last — used by tests and by the Orchestrator/guard when reasoning
// about why an action moved.
func (h *HITLProxy) History(actionID string) []Intervention {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Intervention
	for _, iv := range h.interventions {
		if iv.ActionID == actionID {
			out = append(out, iv)
		}
	}
	return out
}

// bundleSection is one named chunk of buildContextBundle's output,
// scored for the context package's importance-based adaptive pruning.
type bundleSection struct {
	key        string
	text       string
	mustKeep   bool // survives pruning unconditionally (system role)
	importance float64
}

// buildContextBundle assembles (d): user profile, contact profile,
// recent episodic memory, journal/learning tail, bootstrap identity
// files, action description, step history, and a semantic recall of
// the task description. Sections are scored and adaptively pruned to
// MaxContextTokens via domaincontext.Pruner — the same budget-capping
// mechanism the Reasoning Loop's ContextGuard uses for message history,
// applied here to the HITL proxy's one-shot context assembly instead.
func (h *HITLProxy) buildContextBundle(ctx context.Context, action *queue.Action) string {
	var sections []bundleSection

	if profile := h.mem.UserContext(); profile != "" {
		sections = append(sections, bundleSection{"profile", fmt.Sprintf("User profile:\n%s\n", profile), false, 0.9})
	}
	if sender, ok := action.Payload["sender"].(string); ok && sender != "" {
		if contact := h.mem.ContactProfile(sender); contact != "" {
			sections = append(sections, bundleSection{"contact", fmt.Sprintf("Contact profile:\n%s\n", contact), false, 0.7})
		}
	}

	scope, _ := action.Payload["session_scope_id"].(string)
	if scope != "" {
		if episodic, err := h.mem.Recent(ctx, 5, &memory.SearchFilter{SessionScopeID: scope, Kind: memory.KindEpisodic}); err == nil && len(episodic) > 0 {
			var b strings.Builder
			b.WriteString("Recent episodic memory:\n")
			for _, e := range episodic {
				fmt.Fprintf(&b, "- %s\n", e.Content)
			}
			sections = append(sections, bundleSection{"episodic", b.String(), false, 0.6})
		}
		if history, err := h.mem.ByAction(ctx, action.ID); err == nil && len(history) > 0 {
			var b strings.Builder
			b.WriteString("Step history:\n")
			for _, e := range history {
				fmt.Fprintf(&b, "- %s\n", e.Content)
			}
			sections = append(sections, bundleSection{"history", b.String(), true, 1.0})
		}
	}

	if recalled, err := h.mem.SemanticSearch(ctx, action.Description, 5); err == nil && len(recalled) > 0 {
		var b strings.Builder
		b.WriteString("Related memory:\n")
		for _, e := range recalled {
			fmt.Fprintf(&b, "- %s\n", e.Content)
		}
		sections = append(sections, bundleSection{"semantic", b.String(), false, 0.5})
	}

	if journal := tailFile(h.config.JournalPath, h.config.TailLines); journal != "" {
		sections = append(sections, bundleSection{"journal", fmt.Sprintf("Journal:\n%s\n", journal), false, 0.4})
	}
	if learning := tailFile(h.config.LearningPath, h.config.TailLines); learning != "" {
		sections = append(sections, bundleSection{"learning", fmt.Sprintf("Learning:\n%s\n", learning), false, 0.4})
	}
	for i, path := range h.config.BootstrapIdentityPaths {
		if content := tailFile(path, 1000); content != "" {
			sections = append(sections, bundleSection{fmt.Sprintf("identity-%d", i), fmt.Sprintf("Identity (%s):\n%s\n", path, content), true, 1.0})
		}
	}

	sections = append(sections, bundleSection{"description", fmt.Sprintf("Action description: %s\n", action.Description), true, 1.0})

	return assembleBundle(sections, h.config.MaxContextTokens)
}

// assembleBundle converts sections into domaincontext.Message values,
// runs them through an adaptive Pruner, and reassembles survivors in
// their original order.
func assembleBundle(sections []bundleSection, maxTokens int) string {
	messages := make([]domaincontext.Message, len(sections))
	for i, s := range sections {
		role := "user"
		if s.mustKeep {
			role = "system"
		}
		messages[i] = domaincontext.Message{Role: role, Content: s.text, Importance: s.importance, ToolCallID: s.key}
	}

	cfg := domaincontext.DefaultPruneConfig()
	cfg.MaxTokens = maxTokens
	cfg.PreserveRecent = 0
	pruner := domaincontext.NewPruner(cfg, domaincontext.NewSimpleTokenizer())
	survivors := pruner.Prune(messages)

	kept := make(map[string]bool, len(survivors))
	for _, m := range survivors {
		kept[m.ToolCallID] = true
	}

	var b strings.Builder
	for _, s := range sections {
		if kept[s.key] {
			b.WriteString(s.text)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// callLLM implements (e): a strict JSON-schema call for the confidence/
// reasoning/response/restricted/restrictedReason/safeDefault decision.
func (h *HITLProxy) callLLM(ctx context.Context, action *queue.Action, trigger, bundle string) (*hitlDecision, error) {
	req := &LLMRequest{
		Messages: []LLMMessage{
			{Role: "system", Content: "You are standing in for the operator, who is currently away. " +
				"Given the context below, decide whether you can confidently answer on their behalf. " +
				"Respond with ONLY a JSON object of this exact shape, no prose, no markdown fences: " +
				`{"confidence":0-100,"reasoning":"...","response":"...","restricted":false,"restrictedReason":"","safeDefault":"..."}`},
			{Role: "user", Content: fmt.Sprintf("%s\n\nThe question waiting for a response: %s", bundle, trigger)},
		},
		Temperature: 0,
	}

	resp, err := h.llm.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	var decision hitlDecision
	raw := strings.TrimSpace(resp.Content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &decision); err != nil {
		return nil, fmt.Errorf("hitl: malformed decision json: %w", err)
	}
	return &decision, nil
}

func (h *HITLProxy) appendLog(iv Intervention) {
	if h.config.LogPath == "" {
		return
	}
	line, err := json.Marshal(iv)
	if err != nil {
		return
	}
	f, err := os.OpenFile(h.config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		h.logger.Warn("failed to open intervention log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		h.logger.Warn("failed to append intervention log", zap.Error(err))
	}
}

// CheckProactiveStuck implements the proactive stuck detection of
// spec.md §4.8's closing sentence: an in-progress action showing any of
// the named stuck signals gets a system memory entry injected, gated by
// StuckGateSteps so the same window doesn't re-trigger repeatedly.
func (h *HITLProxy) CheckProactiveStuck(ctx context.Context, action *queue.Action, step int, signals StuckSignals) bool {
	if !signals.isStuck() {
		return false
	}

	h.mu.Lock()
	last, seen := h.lastStuckStep[action.ID]
	if seen && step-last < h.config.StuckGateSteps {
		h.mu.Unlock()
		return false
	}
	h.lastStuckStep[action.ID] = step
	h.mu.Unlock()

	scope, _ := action.Payload["session_scope_id"].(string)
	_ = h.mem.Save(ctx, &memory.MemoryEntry{
		Content:        fmt.Sprintf("[stuck-guidance step=%d] This task appears stuck; reassess the approach before continuing.", step),
		Kind:           memory.KindShort,
		SessionScopeID: scope,
		ActionID:       action.ID,
		Metadata: map[string]interface{}{
			"role": "system",
			"tag":  "stuck-guidance",
			"step": step,
		},
	})
	return true
}
