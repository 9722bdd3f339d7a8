package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/memory"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/skills"
	"go.uber.org/zap"
)

// SkillRoutingRule surfaces or hides parts of the skills catalog when the
// task description matches TaskPattern (plain substring, case-insensitive),
// per spec.md §4.6's skill routing rule.
type SkillRoutingRule struct {
	TaskPattern      string
	Preferred        []string
	Avoided          []string
	RequirePreferred bool
}

func (r SkillRoutingRule) matches(description string) bool {
	if r.TaskPattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(description), strings.ToLower(r.TaskPattern))
}

// ActionRunnerConfig bounds and tunes a single action's reasoning run.
type ActionRunnerConfig struct {
	MaxStepsPerAction    int
	MaxMessagesPerAction int
	MaxTerminationPasses int // bound on completion<->continue round-trips (default 3)
	SkillRules           []SkillRoutingRule
	PromptMode           skills.PromptMode // default ModeFull
}

func (c ActionRunnerConfig) withDefaults() ActionRunnerConfig {
	if c.MaxStepsPerAction <= 0 {
		c.MaxStepsPerAction = 40
	}
	if c.MaxMessagesPerAction <= 0 {
		c.MaxMessagesPerAction = 20
	}
	if c.MaxTerminationPasses <= 0 {
		c.MaxTerminationPasses = 3
	}
	if c.PromptMode == "" {
		c.PromptMode = skills.ModeFull
	}
	return c
}

// ActionOutcome classifies what a completed AgentLoop run means for the
// action's lifecycle, per spec.md §4.6 step 2.
type ActionOutcome string

const (
	OutcomeCompleted ActionOutcome = "completed"
	OutcomeWaiting   ActionOutcome = "waiting"
	OutcomeFailed    ActionOutcome = "failed"
	OutcomeContinued ActionOutcome = "continued" // still in-progress, more rounds needed
	OutcomeEscalated ActionOutcome = "escalated" // guard forced a blocker report
)

// ActionRunResult summarises one RunAction call.
type ActionRunResult struct {
	Outcome      ActionOutcome
	FinalContent string
	Steps        int
	Messages     int
	Reason       string
}

// ActionRunner adapts the ReAct AgentLoop to drive a single queue.Action
// end-to-end: it assembles the per-step prompt from identity, profile,
// memory, the skills catalog and a guard snapshot, runs the loop, records
// tool observations and incidents into memory/guard, and classifies the
// result into one of the five outcomes of spec.md §4.6.
type ActionRunner struct {
	loop       *AgentLoop
	queue      queue.Queue
	memory     *memory.MemoryManager
	skillsReg  *skills.Registry
	incidents  *IncidentMemory
	conscience *ConscienceEngine
	fixer      *ErrorFixerEngine
	config     ActionRunnerConfig
	identity   string // bootstrap identity preamble, loaded once at startup
	logger     *zap.Logger
}

// NewActionRunner builds an ActionRunner.
func NewActionRunner(
	loop *AgentLoop,
	q queue.Queue,
	mem *memory.MemoryManager,
	skillsReg *skills.Registry,
	incidents *IncidentMemory,
	conscience *ConscienceEngine,
	fixer *ErrorFixerEngine,
	identity string,
	config ActionRunnerConfig,
	logger *zap.Logger,
) *ActionRunner {
	return &ActionRunner{
		loop:       loop,
		queue:      q,
		memory:     mem,
		skillsReg:  skillsReg,
		incidents:  incidents,
		conscience: conscience,
		fixer:      fixer,
		config:     config.withDefaults(),
		identity:   identity,
		logger:     logger.With(zap.String("component", "action-runner")),
	}
}

// RunAction executes the Reasoning Loop for a single leased action and
// applies the resulting status transition to the Action Queue.
func (r *ActionRunner) RunAction(ctx context.Context, action *queue.Action) (*ActionRunResult, error) {
	start := time.Now()
	scope, _ := action.Payload["session_scope_id"].(string)

	totalSteps := 0
	totalMessages := 0
	guidance := ""

	for pass := 1; pass <= r.config.MaxTerminationPasses; pass++ {
		prompt := r.buildSystemPrompt(ctx, action, scope, totalSteps, time.Since(start), guidance)

		result, eventCh := r.loop.Run(ctx, prompt, action.Description, nil, "")
		r.drainEvents(ctx, action.ID, eventCh)

		totalSteps += result.TotalSteps
		if looksLikeDirectResponse(result.FinalContent) {
			totalMessages++
		}

		if totalSteps > r.config.MaxStepsPerAction {
			reason := fmt.Sprintf("exceeded maxStepsPerAction (%d)", r.config.MaxStepsPerAction)
			_ = r.queue.UpdateStatus(ctx, action.ID, queue.StatusFailed, reason)
			return &ActionRunResult{Outcome: OutcomeFailed, Steps: totalSteps, Messages: totalMessages, Reason: reason}, nil
		}
		if totalMessages > r.config.MaxMessagesPerAction {
			reason := fmt.Sprintf("exceeded maxMessagesPerAction (%d)", r.config.MaxMessagesPerAction)
			_ = r.queue.UpdateStatus(ctx, action.ID, queue.StatusFailed, reason)
			return &ActionRunResult{Outcome: OutcomeFailed, Steps: totalSteps, Messages: totalMessages, Reason: reason}, nil
		}

		snap := r.guardSnapshot(action.ID, action.Description, totalSteps, time.Since(start), totalMessages)
		if snap.Escalate {
			blocker := "I've hit a blocker I can't resolve on my own: " + strings.Join(snap.Guidance, " ")
			if err := r.recordOutbound(ctx, action, scope, blocker); err != nil {
				r.logger.Warn("Failed to record escalation memory", zap.Error(err))
			}
			_ = r.queue.UpdateStatus(ctx, action.ID, queue.StatusCompleted, "escalated: "+blocker)
			return &ActionRunResult{Outcome: OutcomeEscalated, FinalContent: blocker, Steps: totalSteps, Messages: totalMessages}, nil
		}

		if isClarification(result.FinalContent) {
			_ = r.queue.UpdatePayload(ctx, action.ID, map[string]interface{}{
				"lastUserMessageText": result.FinalContent,
				"clarification":       true,
			})
			_ = r.queue.UpdateStatus(ctx, action.ID, queue.StatusWaiting, "clarification requested")
			_ = r.recordOutbound(ctx, action, scope, result.FinalContent)
			return &ActionRunResult{Outcome: OutcomeWaiting, FinalContent: result.FinalContent, Steps: totalSteps, Messages: totalMessages}, nil
		}

		satisfied, missing, err := r.terminationReview(ctx, action.Description, scope)
		if err != nil {
			r.logger.Warn("Termination review failed, treating as satisfied", zap.Error(err))
			satisfied = true
		}
		if satisfied {
			_ = r.recordOutbound(ctx, action, scope, result.FinalContent)
			_ = r.queue.UpdateStatus(ctx, action.ID, queue.StatusCompleted, "termination review: satisfied")
			return &ActionRunResult{Outcome: OutcomeCompleted, FinalContent: result.FinalContent, Steps: totalSteps, Messages: totalMessages}, nil
		}

		guidance = "Previous attempt was incomplete. Still missing: " + missing
		r.incidents.Record(Incident{
			ActionID: action.ID, Step: totalSteps, Source: IncidentDecision,
			Summary: "termination review found unmet goals: " + missing, Timestamp: time.Now(),
		})
	}

	reason := fmt.Sprintf("exceeded %d termination-review rounds without satisfying all goals", r.config.MaxTerminationPasses)
	_ = r.queue.UpdateStatus(ctx, action.ID, queue.StatusFailed, reason)
	return &ActionRunResult{Outcome: OutcomeFailed, Steps: totalSteps, Messages: totalMessages, Reason: reason}, nil
}

// buildSystemPrompt assembles step 1 of spec.md §4.6: identity preamble,
// profile, scope-scoped recent memory, episodic highlights, the skills
// catalog (routed per task), and the guard snapshot text.
func (r *ActionRunner) buildSystemPrompt(ctx context.Context, action *queue.Action, scope string, stepsSoFar int, elapsed time.Duration, extraGuidance string) string {
	var b strings.Builder

	if r.identity != "" {
		b.WriteString(r.identity)
		b.WriteString("\n\n")
	}

	if profile := r.memory.UserContext(); profile != "" {
		fmt.Fprintf(&b, "User context:\n%s\n\n", profile)
	}
	if sender, ok := action.Payload["sender"].(string); ok && sender != "" {
		if contact := r.memory.ContactProfile(sender); contact != "" {
			fmt.Fprintf(&b, "Contact profile (%s):\n%s\n\n", sender, contact)
		}
	}

	if scope != "" {
		if recent, err := r.memory.ByScope(ctx, scope, 10); err == nil && len(recent) > 0 {
			b.WriteString("Recent conversation:\n")
			for _, entry := range recent {
				fmt.Fprintf(&b, "- %s\n", entry.Content)
			}
			b.WriteString("\n")
		}
		if episodic, err := r.memory.Recent(ctx, 5, &memory.SearchFilter{SessionScopeID: scope, Kind: memory.KindEpisodic}); err == nil && len(episodic) > 0 {
			b.WriteString("Earlier summary:\n")
			for _, entry := range episodic {
				fmt.Fprintf(&b, "- %s\n", entry.Content)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("Available skills:\n")
	b.WriteString(r.routedSkillsSurface(action.Description))
	b.WriteString("\n")

	snap := r.guardSnapshot(action.ID, action.Description, stepsSoFar, elapsed, 0)
	if text := formatGuardSnapshot(snap); text != "" {
		b.WriteString(text)
		b.WriteString("\n")
	}

	if extraGuidance != "" {
		b.WriteString(extraGuidance)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Task: %s\n", action.Description)
	return b.String()
}

// routedSkillsSurface applies spec.md §4.6's skill routing for the first
// matching rule: preferred skills surfaced first, requirePreferred forcing
// the model to pick from that set. Avoided skill names are always blanked
// out of the full catalog text; they are not restored when nothing else
// matches.
func (r *ActionRunner) routedSkillsSurface(description string) string {
	for _, rule := range r.config.SkillRules {
		if !rule.matches(description) {
			continue
		}
		var b strings.Builder
		if len(rule.Preferred) > 0 {
			fmt.Fprintf(&b, "%s\n", r.skillsReg.PromptSurface(r.config.PromptMode, rule.Preferred...))
		}
		if rule.RequirePreferred {
			b.WriteString("You must choose a skill from the preferred list above for this task.\n")
			return b.String()
		}
		full := r.skillsReg.PromptSurface(r.config.PromptMode)
		for _, avoided := range rule.Avoided {
			full = strings.ReplaceAll(full, avoided, "")
		}
		b.WriteString(full)
		return b.String()
	}
	return r.skillsReg.PromptSurface(r.config.PromptMode)
}

// guardSnapshot composes the current guard view for this action/step.
func (r *ActionRunner) guardSnapshot(actionID, description string, step int, elapsed time.Duration, messagesSent int) GuardSnapshot {
	recent := r.incidents.Recent(actionID)
	lastError := ""
	consecutiveFailures := 0
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Error != "" {
			if lastError == "" {
				lastError = recent[i].Error
			}
			consecutiveFailures++
			continue
		}
		break
	}

	return Snapshot(r.incidents, r.conscience, r.fixer, LoopContext{
		ActionID:            actionID,
		Description:         description,
		Step:                step,
		LastError:           lastError,
		TotalDuration:       elapsed,
		MessagesSent:        messagesSent,
		ConsecutiveFailures: consecutiveFailures,
	})
}

func formatGuardSnapshot(snap GuardSnapshot) string {
	if len(snap.Guidance) == 0 && len(snap.RecoveryPlan) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Guard notes (risk=%s, complexity=%d):\n", snap.RiskLevel, snap.ComplexityScore)
	for _, g := range snap.Guidance {
		fmt.Fprintf(&b, "- %s\n", g)
	}
	for _, p := range snap.RecoveryPlan {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}

// drainEvents consumes an AgentLoop run's event channel, turning tool
// errors into Incidents for the guard and persisting tool observations
// into memory, per spec.md §4.6 step 3.
func (r *ActionRunner) drainEvents(ctx context.Context, actionID string, eventCh <-chan entity.AgentEvent) {
	step := 0
	for ev := range eventCh {
		switch ev.Type {
		case entity.EventStepDone:
			if ev.StepInfo != nil {
				step = ev.StepInfo.Step
			}
		case entity.EventToolResult:
			if ev.ToolCall == nil {
				continue
			}
			_ = r.memory.Save(ctx, &memory.MemoryEntry{
				Content:  fmt.Sprintf("tool %s -> %s", ev.ToolCall.Name, truncateOutput(ev.ToolCall.Output, 2000)),
				Kind:     memory.KindShort,
				ActionID: actionID,
				Metadata: map[string]interface{}{
					"tool_name":  ev.ToolCall.Name,
					"tool_input": ev.ToolCall.Arguments,
					"role":       "tool",
				},
			})
			if !ev.ToolCall.Success {
				r.incidents.Record(Incident{
					ActionID: actionID, Step: step, Source: IncidentTool,
					Summary: fmt.Sprintf("tool %s failed", ev.ToolCall.Name),
					Error:   ev.ToolCall.Output, Timestamp: time.Now(),
				})
			}
		case entity.EventError:
			r.incidents.Record(Incident{
				ActionID: actionID, Step: step, Source: IncidentSystem,
				Summary: "loop error", Error: ev.Error, Timestamp: time.Now(),
			})
		}
	}
}

// recordOutbound persists a direct-response as a tagged memory entry
// (step 4). It does not send the response over any channel.
func (r *ActionRunner) recordOutbound(ctx context.Context, action *queue.Action, scope, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return r.memory.Save(ctx, &memory.MemoryEntry{
		Content:        content,
		Kind:           memory.KindShort,
		SessionScopeID: scope,
		ActionID:       action.ID,
		Metadata: map[string]interface{}{
			"role": "assistant",
		},
	})
}

// terminationReview runs step 6's short LLM pass: "are all stated user
// goals satisfied?" Per the resolved Open Question (b), it reuses the
// same LLMClient/model as the main loop rather than a cheaper tier.
func (r *ActionRunner) terminationReview(ctx context.Context, description, scope string) (satisfied bool, missing string, err error) {
	var trail strings.Builder
	if scope != "" {
		if entries, rerr := r.memory.ByScope(ctx, scope, 15); rerr == nil {
			for _, e := range entries {
				fmt.Fprintf(&trail, "- %s\n", e.Content)
			}
		}
	}

	req := &LLMRequest{
		Messages: []LLMMessage{
			{Role: "system", Content: "You review whether a task has been fully completed. Respond with exactly 'SATISFIED' if every stated goal is met, or 'MISSING: <short list>' naming what remains."},
			{Role: "user", Content: fmt.Sprintf("Task: %s\n\nRecent activity:\n%s", description, trail.String())},
		},
		Temperature: 0,
	}

	resp, err := r.loop.llm.Generate(ctx, req)
	if err != nil {
		return false, "", err
	}
	content := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(strings.ToUpper(content), "SATISFIED") {
		return true, "", nil
	}
	missing = strings.TrimSpace(strings.TrimPrefix(content, "MISSING:"))
	if missing == "" {
		missing = content
	}
	return false, missing, nil
}

// isClarification heuristically detects a clarification request: a short
// direct response ending in a question mark with no tool calls pending.
func isClarification(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	return strings.HasSuffix(trimmed, "?") && len(strings.Fields(trimmed)) < 60
}

func looksLikeDirectResponse(content string) bool {
	return strings.TrimSpace(content) != ""
}
