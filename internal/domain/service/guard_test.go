package service

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestIncidentMemory_BoundedRing(t *testing.T) {
	m := NewIncidentMemory(3)
	for i := 1; i <= 5; i++ {
		m.Record(Incident{ActionID: "a1", Step: i, Summary: "step"})
	}

	recent := m.Recent("a1")
	if len(recent) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(recent))
	}
	if recent[0].Step != 3 || recent[2].Step != 5 {
		t.Fatalf("expected oldest-evicted order 3,4,5, got %+v", recent)
	}
}

func TestIncidentMemory_PerActionIsolation(t *testing.T) {
	m := NewIncidentMemory(30)
	m.Record(Incident{ActionID: "a1", Step: 1, Summary: "x"})
	m.Record(Incident{ActionID: "a2", Step: 1, Summary: "y"})

	if len(m.Recent("a1")) != 1 || len(m.Recent("a2")) != 1 {
		t.Fatalf("expected independent rings per action")
	}
}

func TestIncidentMemory_Clear(t *testing.T) {
	m := NewIncidentMemory(30)
	m.Record(Incident{ActionID: "a1", Step: 1, Summary: "x"})
	m.Clear("a1")
	if len(m.Recent("a1")) != 0 {
		t.Fatalf("expected ring cleared")
	}
}

func TestConscienceEngine_RuleA_Circling(t *testing.T) {
	c := NewConscienceEngine(nil)
	res := c.Evaluate(LoopContext{Step: 3, NoToolStepCount: 2})
	if !containsGuidance(res.Guidance, "without calling a tool") {
		t.Fatalf("expected circling guidance, got %+v", res.Guidance)
	}
	if res.RiskLevel != RiskMedium {
		t.Errorf("expected medium risk, got %s", res.RiskLevel)
	}
}

func TestConscienceEngine_RuleB_LastError(t *testing.T) {
	c := NewConscienceEngine(nil)
	res := c.Evaluate(LoopContext{Step: 2, LastError: "boom"})
	if !containsGuidance(res.Guidance, "Do not repeat the exact same call") {
		t.Fatalf("expected last-error guidance, got %+v", res.Guidance)
	}
}

func TestConscienceEngine_RuleC_ConsecutiveFailures(t *testing.T) {
	c := NewConscienceEngine(nil)
	res := c.Evaluate(LoopContext{Step: 4, ConsecutiveFailures: 2})
	if res.RiskLevel != RiskHigh {
		t.Fatalf("expected high risk from consecutive failures, got %s", res.RiskLevel)
	}
	if !res.Escalate {
		t.Errorf("expected escalate true on high risk")
	}
	if !containsGuidance(res.Guidance, "run a diagnostic step") {
		t.Fatalf("expected diagnostic guidance, got %+v", res.Guidance)
	}
}

func TestConscienceEngine_RuleG_CompoundFailureLoopIsCritical(t *testing.T) {
	c := NewConscienceEngine(nil)
	res := c.Evaluate(LoopContext{
		Step:                5,
		ConsecutiveFailures: 2,
		RecentToolNames:     []string{"bash", "bash", "bash", "bash"},
	})
	if res.RiskLevel != RiskCritical {
		t.Fatalf("expected critical risk from compound failure+loop, got %s", res.RiskLevel)
	}
	if !res.Escalate {
		t.Errorf("expected escalate true on critical risk")
	}
	if !containsGuidance(res.Guidance, "cannot succeed as-is") {
		t.Fatalf("expected compound-failure guidance, got %+v", res.Guidance)
	}
}

func TestConscienceEngine_RuleD_Fatigue(t *testing.T) {
	c := NewConscienceEngine(nil)

	byStep := c.Evaluate(LoopContext{Step: 16})
	if !containsGuidance(byStep.Guidance, "long time") {
		t.Fatalf("expected fatigue guidance by step count, got %+v", byStep.Guidance)
	}

	byDuration := c.Evaluate(LoopContext{Step: 1, TotalDuration: 9 * time.Minute})
	if !containsGuidance(byDuration.Guidance, "long time") {
		t.Fatalf("expected fatigue guidance by duration, got %+v", byDuration.Guidance)
	}
}

func TestConscienceEngine_RuleE_LoopDetection(t *testing.T) {
	c := NewConscienceEngine(nil)
	res := c.Evaluate(LoopContext{
		Step:            5,
		RecentToolNames: []string{"bash", "bash", "bash", "bash"},
	})
	if res.RiskLevel != RiskHigh {
		t.Fatalf("expected high risk from loop detection, got %s", res.RiskLevel)
	}
	if !containsGuidance(res.Guidance, "stuck loop") {
		t.Fatalf("expected loop guidance, got %+v", res.Guidance)
	}
}

func TestConscienceEngine_RuleE_NoFalsePositiveOnVariedTools(t *testing.T) {
	c := NewConscienceEngine(nil)
	res := c.Evaluate(LoopContext{
		Step:            5,
		RecentToolNames: []string{"bash", "web_search", "bash", "read_file"},
	})
	for _, g := range res.Guidance {
		if strings.Contains(g, "stuck loop") {
			t.Fatalf("did not expect loop guidance for varied tool calls, got %+v", res.Guidance)
		}
	}
}

func TestConscienceEngine_RuleF_Ghosting(t *testing.T) {
	c := NewConscienceEngine(nil)
	res := c.Evaluate(LoopContext{Step: 5, MessagesSent: 0})
	if !containsGuidance(res.Guidance, "no update sent") {
		t.Fatalf("expected ghosting guidance, got %+v", res.Guidance)
	}

	quiet := c.Evaluate(LoopContext{Step: 5, MessagesSent: 1})
	if containsGuidance(quiet.Guidance, "no update sent") {
		t.Fatalf("did not expect ghosting guidance when messages were sent")
	}
}

func TestConscienceEngine_EscalateOnHighStep(t *testing.T) {
	c := NewConscienceEngine(nil)
	res := c.Evaluate(LoopContext{Step: 20})
	if !res.Escalate {
		t.Fatalf("expected escalate at step 20")
	}
}

func TestComplexityScore_Formula(t *testing.T) {
	cases := []struct {
		name string
		ctx  LoopContext
		want int
	}{
		{"base", LoopContext{Step: 0}, 10},
		{"step_scaling", LoopContext{Step: 5}, 20},
		{"with_error", LoopContext{Step: 0, LastError: "x"}, 25},
		{"long_description", LoopContext{Step: 0, Description: strings.Repeat("word ", 130)}, 20},
		{"no_tool_steps", LoopContext{Step: 0, NoToolStepCount: 3}, 40},
		{"capped_at_100", LoopContext{Step: 50, LastError: "x", NoToolStepCount: 5}, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := complexityScore(tc.ctx)
			if got != tc.want {
				t.Errorf("complexityScore(%+v) = %d, want %d", tc.ctx, got, tc.want)
			}
		})
	}
}

func TestErrorFixerEngine_BranchSelection(t *testing.T) {
	e := NewErrorFixerEngine()

	cases := []struct {
		name      string
		lastError string
		want      string
	}{
		{"network", "dial tcp: connection timeout", "transient network failure"},
		{"not_found", "open /tmp/x: no such file or directory (ENOENT)", "missing file or path"},
		{"permission", "open /etc/shadow: permission denied", "permissions problem"},
		{"rate_limit", "received 429 too many requests", "rate limiting"},
		{"syntax", "invalid JSON: malformed payload", "malformed input"},
		{"unknown", "something inexplicable happened", "No known error pattern matched"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := e.BuildPlan(tc.lastError, "finish the task")
			if !containsGuidance(plan, tc.want) {
				t.Errorf("BuildPlan(%q) = %+v, want a step containing %q", tc.lastError, plan, tc.want)
			}
			if !containsGuidance(plan, "finish the task") {
				t.Errorf("expected objective reminder referencing the description, got %+v", plan)
			}
			last := plan[len(plan)-1]
			if !strings.Contains(last, "ask for guidance") {
				t.Errorf("expected terminal surface-error rule, got %q", last)
			}
		})
	}
}

func TestErrorFixerEngine_NoErrorNoPlan(t *testing.T) {
	e := NewErrorFixerEngine()
	if plan := e.BuildPlan("", "task"); plan != nil {
		t.Fatalf("expected nil plan for empty error, got %+v", plan)
	}
}

func TestSnapshot_ComposesAllThree(t *testing.T) {
	incidents := NewIncidentMemory(30)
	incidents.Record(Incident{ActionID: "a1", Step: 1, Summary: "tried bash, got denied"})
	conscience := NewConscienceEngine(NewLoopDetector(20, 3, 8, zap.NewNop()))
	fixer := NewErrorFixerEngine()

	snap := Snapshot(incidents, conscience, fixer, LoopContext{
		ActionID:            "a1",
		Step:                2,
		Description:         "investigate the failure",
		LastError:           "permission denied",
		ConsecutiveFailures: 2,
	})

	if snap.ActionID != "a1" || snap.Step != 2 {
		t.Fatalf("unexpected snapshot identity: %+v", snap)
	}
	if snap.RiskLevel != RiskHigh {
		t.Errorf("expected high risk, got %s", snap.RiskLevel)
	}
	if len(snap.RecoveryPlan) == 0 {
		t.Errorf("expected a non-empty recovery plan when LastError is set")
	}
	if len(snap.MemoryHighlights) != 1 || !strings.Contains(snap.MemoryHighlights[0], "tried bash") {
		t.Errorf("expected memory highlight from incident ring, got %+v", snap.MemoryHighlights)
	}
}

func TestSnapshot_NoRecoveryPlanWithoutError(t *testing.T) {
	incidents := NewIncidentMemory(30)
	conscience := NewConscienceEngine(nil)
	fixer := NewErrorFixerEngine()

	snap := Snapshot(incidents, conscience, fixer, LoopContext{ActionID: "a1", Step: 1})
	if len(snap.RecoveryPlan) != 0 {
		t.Errorf("expected no recovery plan absent an error, got %+v", snap.RecoveryPlan)
	}
}

func containsGuidance(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
