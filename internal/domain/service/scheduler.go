package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/memory"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/queue"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/skills"
	"go.uber.org/zap"
)

// SchedulerConfig tunes the Scheduler/Heartbeat of spec.md §4.7. It is
// the Action-Queue-aware sibling of HeartbeatConfig: same start/stop/
// ticker shape, different cargo.
type SchedulerConfig struct {
	TickInterval          time.Duration // default 15 minutes
	MaxActionRun          time.Duration // passed to StaleSweep (default 30 minutes)
	MaxStaleWaiting       time.Duration // passed to StaleSweep (default 24 hours)
	AutonomyBacklogLimit  int           // max non-terminal actions before proactive synthesis stops (default 5)
	JournalPath           string        // free-form reflections file
	LearningPath          string        // accumulated knowledge file
	ProactiveTaskPriority int           // default 2 (low, below regular channel traffic)
	TailLines             int           // lines of journal/learning to surface (default 20)

	HeartbeatFilePath string        // path to HEARTBEAT.md; empty disables the heartbeat channel
	HeartbeatInterval time.Duration // heartbeat poll cadence (default: TickInterval)
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Minute
	}
	if c.MaxActionRun <= 0 {
		c.MaxActionRun = 30 * time.Minute
	}
	if c.MaxStaleWaiting <= 0 {
		c.MaxStaleWaiting = 24 * time.Hour
	}
	if c.AutonomyBacklogLimit <= 0 {
		c.AutonomyBacklogLimit = 5
	}
	if c.ProactiveTaskPriority <= 0 {
		c.ProactiveTaskPriority = 2
	}
	if c.TailLines <= 0 {
		c.TailLines = 20
	}
	return c
}

// Scheduler drives the Action Queue forward at a fixed cadence and on
// push events, per spec.md §4.7: stale-action sweep, one-action-at-a-
// time execution via the Reasoning Loop, plugin/skill rescan, memory
// consolidation, and bounded proactive task synthesis when idle.
type Scheduler struct {
	queue    *queue.FileQueue
	runner   *ActionRunner
	registry *skills.Registry
	mem      *memory.MemoryManager
	llm      LLMClient
	config   SchedulerConfig
	logger   *zap.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	pushCh    chan struct{}
	heartbeat *HeartbeatService
}

// NewScheduler builds a Scheduler. llm may be nil, in which case
// proactive task synthesis is skipped entirely. When
// config.HeartbeatFilePath is set, the Scheduler also owns a
// HeartbeatService polling HEARTBEAT.md — a second, file-driven
// proactive channel alongside the journal/learning-driven one in
// maybeSynthesizeProactiveTask, per spec.md §4.7's heartbeat cadence.
// Each non-comment line in that file is pushed onto the same Action
// Queue the regular Reasoning Loop drains, instead of being executed
// directly against a fixed chat target.
func NewScheduler(
	q *queue.FileQueue,
	runner *ActionRunner,
	registry *skills.Registry,
	mem *memory.MemoryManager,
	llm LLMClient,
	config SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	config = config.withDefaults()
	s := &Scheduler{
		queue:    q,
		runner:   runner,
		registry: registry,
		mem:      mem,
		llm:      llm,
		config:   config,
		logger:   logger.With(zap.String("component", "scheduler")),
		pushCh:   make(chan struct{}, 1),
	}

	if config.HeartbeatFilePath != "" {
		interval := config.HeartbeatInterval
		if interval <= 0 {
			interval = config.TickInterval
		}
		s.heartbeat = NewHeartbeatService(HeartbeatConfig{
			FilePath: config.HeartbeatFilePath,
			Interval: interval,
			Enabled:  true,
		}, s.logger)
		s.heartbeat.SetExecutor(s.executeHeartbeatCommand)
	}

	return s
}

// executeHeartbeatCommand is the HeartbeatService's executor callback:
// each HEARTBEAT.md line becomes a normal proactive Action Queue entry
// rather than being run directly, so it passes through the same
// Reasoning Loop, Guard, and priority handling as any other task.
func (s *Scheduler) executeHeartbeatCommand(ctx context.Context, _ int64, command string) (string, error) {
	id, err := s.queue.Push(ctx, command, ProactiveTaskPriority(s.config), map[string]interface{}{
		"source": "heartbeat",
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("Heartbeat command queued", zap.String("action_id", id))
	return id, nil
}

// Start begins the scheduler's ticker loop, and the heartbeat poller
// when one is configured.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	go s.loop(runCtx)
	if s.heartbeat != nil {
		if err := s.heartbeat.Start(); err != nil {
			s.logger.Warn("Heartbeat service failed to start", zap.Error(err))
		}
	}
	s.logger.Info("Scheduler started", zap.Duration("interval", s.config.TickInterval))
}

// Stop halts the scheduler's loop and the heartbeat poller.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cancel()
		s.running = false
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
		s.logger.Info("Scheduler stopped")
	}
}

// NotifyPushEvent triggers an out-of-cadence tick, e.g. when the Message
// Bus just pushed a new action. Non-blocking: a pending notification is
// coalesced if the scheduler hasn't drained the previous one yet.
func (s *Scheduler) NotifyPushEvent() {
	select {
	case s.pushCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.pushCh:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass: stale sweep, at most one action
// execution (or, when none ran, proactive task synthesis), plugin/package
// rescan, and consolidation — in that order,
// per spec.md §4.7.
func (s *Scheduler) Tick(ctx context.Context) {
	stale, err := s.queue.StaleSweep(ctx, s.config.MaxActionRun, s.config.MaxStaleWaiting)
	if err != nil {
		s.logger.Error("Stale sweep failed", zap.Error(err))
	} else if len(stale) > 0 {
		s.logger.Info("Stale actions swept", zap.Int("count", len(stale)))
	}

	counts, err := s.queue.GetCounts(ctx)
	if err != nil {
		s.logger.Error("GetCounts failed", zap.Error(err))
	}

	executedOne := false
	if counts.InProgress == 0 {
		action, err := s.queue.Pop(ctx)
		if err != nil {
			s.logger.Error("Pop failed", zap.Error(err))
		} else if action != nil {
			executedOne = true
			if _, runErr := s.runner.RunAction(ctx, action); runErr != nil {
				s.logger.Error("RunAction failed", zap.String("action_id", action.ID), zap.Error(runErr))
			}
		}
	}

	if !executedOne {
		s.maybeSynthesizeProactiveTask(ctx, counts)
	}

	if s.registry != nil {
		if err := s.registry.LoadPackages(ctx); err != nil {
			s.logger.Error("Package rescan failed", zap.Error(err))
		}
	}

	s.runConsolidationSweep(ctx)
}

// maybeSynthesizeProactiveTask proposes a new task from journal/learning
// context when the queue is idle and under the autonomy backlog limit.
func (s *Scheduler) maybeSynthesizeProactiveTask(ctx context.Context, counts queue.Counts) {
	if s.llm == nil {
		return
	}
	backlog := counts.Pending + counts.Waiting + counts.InProgress
	if backlog >= s.config.AutonomyBacklogLimit {
		return
	}

	journal := tailFile(s.config.JournalPath, s.config.TailLines)
	learning := tailFile(s.config.LearningPath, s.config.TailLines)
	if journal == "" && learning == "" {
		return
	}

	prompt := fmt.Sprintf(
		"Given this recent journal:\n%s\n\nAnd this accumulated learning:\n%s\n\n"+
			"Propose exactly one small, concrete, worthwhile task to work on next. "+
			"Reply with just the task description, or 'NONE' if nothing is worth doing right now.",
		journal, learning,
	)

	resp, err := s.llm.Generate(ctx, &LLMRequest{
		Messages:    []LLMMessage{{Role: "user", Content: prompt}},
		Temperature: 0.3,
	})
	if err != nil {
		s.logger.Warn("Proactive task synthesis failed", zap.Error(err))
		return
	}

	desc := strings.TrimSpace(resp.Content)
	if desc == "" || strings.EqualFold(desc, "NONE") {
		return
	}

	if _, err := s.queue.Push(ctx, desc, ProactiveTaskPriority(s.config), map[string]interface{}{
		"source": "scheduler",
	}); err != nil {
		s.logger.Error("Failed to push proactive task", zap.Error(err))
		return
	}
	s.logger.Info("Proactive task synthesized", zap.String("description", desc))
}

// ProactiveTaskPriority exposes the configured priority for proactive
// tasks, exported so callers assembling the same payload elsewhere stay
// in sync with the scheduler's own value.
func ProactiveTaskPriority(cfg SchedulerConfig) int {
	return cfg.withDefaults().ProactiveTaskPriority
}

// runConsolidationSweep triggers memory consolidation for any session
// scope that has crossed the configured threshold. The Memory Manager
// tracks thresholds per call, so the scheduler simply asks it to try;
// MemoryManager.Consolidate no-ops below threshold.
func (s *Scheduler) runConsolidationSweep(ctx context.Context) {
	if s.mem == nil {
		return
	}
	scopes := s.recentScopes(ctx)
	for _, scope := range scopes {
		summary, err := s.mem.Consolidate(ctx, scope)
		if err != nil {
			s.logger.Warn("Consolidation failed", zap.String("scope", scope), zap.Error(err))
			continue
		}
		if summary != nil {
			s.logger.Info("Memory consolidated", zap.String("scope", scope))
		}
	}
}

// recentScopes collects the distinct session scopes seen in the active
// actions, so consolidation only runs against scopes that matter.
func (s *Scheduler) recentScopes(ctx context.Context) []string {
	actions, err := s.queue.GetQueue(ctx)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var scopes []string
	for _, a := range actions {
		scope, ok := a.Payload["session_scope_id"].(string)
		if !ok || scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		scopes = append(scopes, scope)
	}
	return scopes
}

// tailFile returns the last n non-empty lines of path, or "" if the
// file doesn't exist — mirrors heartbeat.go's readHeartbeatFile.
func tailFile(path string, n int) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
