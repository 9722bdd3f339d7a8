package service

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RiskLevel classifies a GuardSnapshot's severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IncidentSource identifies who raised an Incident.
type IncidentSource string

const (
	IncidentDecision  IncidentSource = "decision"
	IncidentTool      IncidentSource = "tool"
	IncidentSystem    IncidentSource = "system"
	IncidentGuardrail IncidentSource = "guardrail"
)

// Incident is a guard-observed event for a single action step.
type Incident struct {
	ActionID  string
	Step      int
	Source    IncidentSource
	Summary   string
	Error     string
	Metadata  map[string]interface{}
	Timestamp time.Time
}

// IncidentMemory keeps a bounded ring of the most recent incidents per
// action id (default 30), in insertion order. It owns no other state —
// the Reasoning Loop is responsible for calling Record at each step.
type IncidentMemory struct {
	mu       sync.RWMutex
	capacity int
	byAction map[string][]Incident
}

const defaultIncidentCapacity = 30

// NewIncidentMemory builds an IncidentMemory with the given per-action
// ring capacity. capacity <= 0 uses the default of 30.
func NewIncidentMemory(capacity int) *IncidentMemory {
	if capacity <= 0 {
		capacity = defaultIncidentCapacity
	}
	return &IncidentMemory{
		capacity: capacity,
		byAction: make(map[string][]Incident),
	}
}

// Record appends an incident to its action's ring, evicting the oldest
// entry once the ring exceeds capacity.
func (m *IncidentMemory) Record(inc Incident) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.byAction[inc.ActionID]
	ring = append(ring, inc)
	if len(ring) > m.capacity {
		ring = ring[len(ring)-m.capacity:]
	}
	m.byAction[inc.ActionID] = ring
}

// Recent returns a copy of the current ring for actionID, oldest first.
func (m *IncidentMemory) Recent(actionID string) []Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ring := m.byAction[actionID]
	out := make([]Incident, len(ring))
	copy(out, ring)
	return out
}

// Clear drops the ring for actionID, once the action reaches a terminal
// status and its incidents are no longer needed.
func (m *IncidentMemory) Clear(actionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byAction, actionID)
}

// LoopContext is the per-step view the Reasoning Loop feeds the
// Conscience Engine. It carries nothing the engine needs to fetch
// itself — the loop assembles it fresh every step.
type LoopContext struct {
	ActionID            string
	Description         string
	Step                int
	NoToolStepCount     int
	RecentToolNames     []string // most recent first
	LastError           string
	TotalDuration       time.Duration
	MessagesSent        int
	ConsecutiveFailures int
}

// ConscienceResult is the Conscience Engine's per-step verdict.
type ConscienceResult struct {
	Guidance        []string
	Escalate        bool
	ComplexityScore int
	RiskLevel       RiskLevel
}

// ConscienceEngine implements the behavioural rules of spec.md §4.5: a
// small set of heuristics over the current loop context that catch an
// agent circling, retrying blindly, fatiguing, looping on one tool, or
// going silent on the user.
type ConscienceEngine struct {
	loops *LoopDetector
}

// NewConscienceEngine builds a Conscience Engine. loops may be nil; it is
// stored but not consulted, since rule (e) always compares the last four
// tool names in LoopContext.
func NewConscienceEngine(loops *LoopDetector) *ConscienceEngine {
	return &ConscienceEngine{loops: loops}
}

const (
	fatigueStepThreshold     = 15
	fatigueDurationThreshold = 8 * time.Minute
	ghostingStepThreshold    = 5
	escalateStepThreshold    = 20
	longDescriptionWords     = 120
)

// Evaluate runs rules (a) through (f) against ctx, plus the compound rule
// (g) when (c) and (e) both fire, and scores complexity.
func (c *ConscienceEngine) Evaluate(ctx LoopContext) ConscienceResult {
	var guidance []string
	risk := RiskLow

	// (a) circling: >= 2 steps without a tool call.
	if ctx.NoToolStepCount >= 2 {
		guidance = append(guidance, fmt.Sprintf(
			"You have taken %d steps in a row without calling a tool. Decide on one concrete "+
				"action and either call a tool or produce a final response — stop deliberating.",
			ctx.NoToolStepCount,
		))
		if risk == RiskLow {
			risk = RiskMedium
		}
	}

	// (b) last error present: warn and forbid an identical retry.
	if ctx.LastError != "" {
		guidance = append(guidance, fmt.Sprintf(
			"The previous step failed with: %q. Do not repeat the exact same call with the same "+
				"parameters — change your approach or diagnose the cause first.",
			ctx.LastError,
		))
		if risk == RiskLow {
			risk = RiskMedium
		}
	}

	// (c) >= 2 consecutive failures: high risk, demand diagnosis.
	failing := ctx.ConsecutiveFailures >= 2
	if failing {
		guidance = append(guidance, fmt.Sprintf(
			"%d consecutive steps have failed. Stop retrying variations and run a diagnostic step "+
				"(inspect the actual error, check assumptions) or simplify the approach before continuing.",
			ctx.ConsecutiveFailures,
		))
		risk = RiskHigh
	}

	// (d) fatigue: long-running action, require a near-term conclusion.
	if ctx.Step > fatigueStepThreshold || ctx.TotalDuration > fatigueDurationThreshold {
		guidance = append(guidance, "This action has been running a long time. Either complete it "+
			"within the next two steps or report back the specific blocker preventing completion.")
		if risk == RiskLow {
			risk = RiskMedium
		}
	}

	// (e) loop detection: last four tool calls identical.
	loopMsg := c.loopSignal(ctx)
	looping := loopMsg != ""
	if looping {
		guidance = append(guidance, loopMsg)
		risk = RiskHigh
	}

	// (g) compound failure: the agent is both stuck in a tool loop and
	// failing on every attempt — rules (c) and (e) firing together means
	// the same broken call is being retried blind, not just one or the
	// other. That combination is worse than either alone.
	if failing && looping {
		guidance = append(guidance, "Repeated failures on a repeated tool call indicate this approach "+
			"cannot succeed as-is. Stop immediately and escalate rather than retrying further.")
		risk = RiskCritical
	}

	// (f) ghosting: no messages sent to the user after 5 steps.
	if ctx.Step >= ghostingStepThreshold && ctx.MessagesSent == 0 {
		guidance = append(guidance, fmt.Sprintf(
			"%d steps have passed with no update sent to the user. Send a brief status update "+
				"before taking further action.",
			ctx.Step,
		))
		if risk == RiskLow {
			risk = RiskMedium
		}
	}

	score := complexityScore(ctx)
	escalate := risk == RiskHigh || risk == RiskCritical || ctx.Step >= escalateStepThreshold

	return ConscienceResult{
		Guidance:        guidance,
		Escalate:        escalate,
		ComplexityScore: score,
		RiskLevel:       risk,
	}
}

// loopSignal implements rule (e): it reports a loop when the last four
// entries of ctx.RecentToolNames are the same non-empty name. The
// engine's LoopDetector is not used here.
func (c *ConscienceEngine) loopSignal(ctx LoopContext) string {
	if len(ctx.RecentToolNames) >= 4 {
		last4 := ctx.RecentToolNames[:4]
		allSame := true
		for _, n := range last4 {
			if n != last4[0] {
				allSame = false
				break
			}
		}
		if allSame && last4[0] != "" {
			return fmt.Sprintf(
				"The same tool (%s) has been called four times in a row. This is very likely a "+
					"stuck loop — stop calling it and either change strategy or report the blocker.",
				last4[0],
			)
		}
	}
	return ""
}

// complexityScore implements the formula of spec.md §4.5: a base of 10,
// +2 per step, +15 if the last step errored, +10 for a very long task
// description, +10 per step taken without a tool call, capped at 100.
func complexityScore(ctx LoopContext) int {
	score := 10
	score += 2 * ctx.Step
	if ctx.LastError != "" {
		score += 15
	}
	if len(strings.Fields(ctx.Description)) > longDescriptionWords {
		score += 10
	}
	score += 10 * ctx.NoToolStepCount
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ErrorFixerEngine builds an ordered recovery plan from the most recent
// error, per spec.md §4.5. The plan always opens with a reminder of the
// action's objective and a diagnostic step, branches on recognisable
// error signals, and always ends with a rule to surface the exact error
// and ask for help if the fix does not work.
type ErrorFixerEngine struct{}

// NewErrorFixerEngine builds an Error Fixer Engine.
func NewErrorFixerEngine() *ErrorFixerEngine {
	return &ErrorFixerEngine{}
}

// BuildPlan returns the ordered recovery steps for lastError in the
// context of an action working towards description.
func (e *ErrorFixerEngine) BuildPlan(lastError, description string) []string {
	if lastError == "" {
		return nil
	}

	plan := []string{
		fmt.Sprintf("Remember the objective: %s. Do not lose sight of it while recovering from this error.", description),
		fmt.Sprintf("Diagnose before retrying: read the exact error — %q — and identify which assumption it breaks.", lastError),
	}

	lower := strings.ToLower(lastError)
	switch {
	case containsAny(lower, "network", "timeout", "connection", "dial"):
		plan = append(plan,
			"This looks like a transient network failure. Wait briefly and retry once with the same "+
				"parameters; if it fails again, check whether the target endpoint is reachable at all.")

	case containsAny(lower, "enoent", "no such file", "not found"):
		plan = append(plan,
			"This looks like a missing file or path. Verify the path exists and is spelled correctly "+
				"before retrying — do not blindly repeat the same call.")

	case containsAny(lower, "permission", "denied", "eacces", "forbidden", "unauthorized"):
		plan = append(plan,
			"This looks like a permissions problem. Check whether the required access/credentials are "+
				"actually available; if not, this cannot be fixed by retrying — report the blocker.")

	case containsAny(lower, "rate limit", "429", "too many requests"):
		plan = append(plan,
			"This looks like rate limiting. Back off for longer than usual before the next attempt, "+
				"and consider batching remaining work into fewer calls.")

	case containsAny(lower, "syntax", "invalid", "parse", "malformed"):
		plan = append(plan,
			"This looks like a malformed input. Re-examine the exact arguments or payload being sent "+
				"and correct the structure before retrying.")

	default:
		plan = append(plan,
			"No known error pattern matched. Re-read the error closely and try a materially different "+
				"approach rather than repeating the same call.")
	}

	plan = append(plan,
		"If this recovery attempt also fails, stop: surface the exact error text to the user and ask "+
			"for guidance rather than continuing to retry.")

	return plan
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// GuardSnapshot is the derived, per-step evaluation of spec.md §3: a
// pure function of an action's recent incidents and current step
// context. It is safe to compute repeatedly within a single step.
type GuardSnapshot struct {
	ActionID         string
	Step             int
	Guidance         []string
	RecoveryPlan     []string
	MemoryHighlights []string
	RiskLevel        RiskLevel
	ComplexityScore  int
	Escalate         bool
}

// Snapshot composes the Conscience Engine's guidance, the Error Fixer's
// recovery plan (when the step has a fresh error), and a set of memory
// highlights drawn from the incident ring, into one GuardSnapshot. It
// mutates nothing — callers decide whether/when to Record an Incident.
func Snapshot(
	incidents *IncidentMemory,
	conscience *ConscienceEngine,
	fixer *ErrorFixerEngine,
	ctx LoopContext,
) GuardSnapshot {
	result := conscience.Evaluate(ctx)

	var recovery []string
	if ctx.LastError != "" {
		recovery = fixer.BuildPlan(ctx.LastError, ctx.Description)
	}

	var highlights []string
	if incidents != nil {
		for _, inc := range incidents.Recent(ctx.ActionID) {
			if inc.Summary == "" {
				continue
			}
			highlights = append(highlights, fmt.Sprintf("step %d: %s", inc.Step, inc.Summary))
		}
	}

	return GuardSnapshot{
		ActionID:         ctx.ActionID,
		Step:             ctx.Step,
		Guidance:         result.Guidance,
		RecoveryPlan:     recovery,
		MemoryHighlights: highlights,
		RiskLevel:        result.RiskLevel,
		ComplexityScore:  result.ComplexityScore,
		Escalate:         result.Escalate,
	}
}
