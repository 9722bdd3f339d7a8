package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileQueueConfig configures a file-backed Queue.
type FileQueueConfig struct {
	// Path is the queue's durable JSON file (e.g. ~/.ngoclaw/queue.json).
	Path string
	// RetentionCount caps the number of terminal actions kept,
	// ordered by last-update descending (spec.md §4.1 Retention).
	RetentionCount int
}

// FileQueue is a single-writer, mutex-guarded Action Queue persisted
// to a JSON file via write-tmp-then-rename, so a crash mid-mutation
// leaves the prior consistent state on disk (spec.md §4.1 Persistence).
type FileQueue struct {
	mu      sync.Mutex
	path    string
	backup  string
	retain  int
	actions map[string]*Action
	events  EventPublisher
	logger  *zap.Logger
}

// NewFileQueue creates a FileQueue, loading existing state from cfg.Path if present.
func NewFileQueue(cfg FileQueueConfig, events EventPublisher, logger *zap.Logger) (*FileQueue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("queue: Path is required")
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = 500
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}

	q := &FileQueue{
		path:    cfg.Path,
		backup:  cfg.Path + ".bak",
		retain:  cfg.RetentionCount,
		actions: make(map[string]*Action),
		events:  events,
		logger:  logger.With(zap.String("component", "action-queue")),
	}

	if err := q.load(); err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}

	return q, nil
}

// load reads the queue file if it exists; a missing file means a fresh queue.
func (q *FileQueue) load() error {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var list []*Action
	if err := json.Unmarshal(data, &list); err != nil {
		// Fatal-kind per spec.md §7: corrupted queue file. The caller
		// (process entry point) decides whether to abort; here we
		// attempt the recovery pass from the backup snapshot first.
		q.logger.Error("Queue file corrupted, attempting recovery from backup", zap.Error(err))
		return q.loadBackup()
	}
	for _, a := range list {
		q.actions[a.ID] = a
	}
	return nil
}

func (q *FileQueue) loadBackup() error {
	data, err := os.ReadFile(q.backup)
	if err != nil {
		return fmt.Errorf("no recoverable backup: %w", err)
	}
	var list []*Action
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("backup also corrupted: %w", err)
	}
	for _, a := range list {
		q.actions[a.ID] = a
	}
	q.logger.Warn("Recovered queue state from backup snapshot")
	return nil
}

// persist flushes the in-memory map atomically: write to a temp file in
// the same directory, then rename over the target (atomic on POSIX).
// The previous good file is preserved as a .bak for Fatal-kind recovery.
func (q *FileQueue) persist() error {
	list := make([]*Action, 0, len(q.actions))
	for _, a := range q.actions {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	if _, err := os.Stat(q.path); err == nil {
		_ = copyFile(q.path, q.backup)
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func (q *FileQueue) publish(ctx context.Context, eventType string, a *Action) {
	if q.events == nil {
		return
	}
	q.events.Publish(ctx, eventType, a.clone())
}

// Push implements Queue.
func (q *FileQueue) Push(ctx context.Context, description string, priority int, payload map[string]interface{}) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	a := &Action{
		ID:          uuid.NewString(),
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Payload:     payload,
	}
	if a.Payload == nil {
		a.Payload = map[string]interface{}{}
	}
	if parentID, ok := a.Payload["parent_id"].(string); ok && parentID != "" {
		a.ParentID = parentID
	}

	q.actions[a.ID] = a
	if err := q.persist(); err != nil {
		delete(q.actions, a.ID)
		return "", fmt.Errorf("queue: persist: %w", err)
	}

	q.publish(ctx, EventActionPush, a)
	return a.ID, nil
}

// Pop implements Queue: single-writer lease acquisition.
func (q *FileQueue) Pop(ctx context.Context) (*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Action
	for _, a := range q.actions {
		if a.Status != StatusPending {
			continue
		}
		if best == nil ||
			a.Priority > best.Priority ||
			(a.Priority == best.Priority && a.CreatedAt.Before(best.CreatedAt)) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusInProgress
	best.LeaseAt = time.Now()
	best.UpdatedAt = best.LeaseAt
	if err := q.persist(); err != nil {
		return nil, fmt.Errorf("queue: persist: %w", err)
	}

	q.publish(ctx, EventActionQueued, best)
	return best.clone(), nil
}

// UpdateStatus implements Queue.
func (q *FileQueue) UpdateStatus(ctx context.Context, id string, status Status, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(a.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}

	a.Status = status
	a.StatusReason = reason
	a.UpdatedAt = time.Now()
	if status == StatusInProgress {
		a.LeaseAt = a.UpdatedAt
	}

	if err := q.persist(); err != nil {
		return fmt.Errorf("queue: persist: %w", err)
	}
	q.retentionSweep()
	return nil
}

// UpdatePayload implements Queue.
func (q *FileQueue) UpdatePayload(ctx context.Context, id string, patch map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return ErrNotFound
	}
	if a.Payload == nil {
		a.Payload = map[string]interface{}{}
	}
	for k, v := range patch {
		a.Payload[k] = v
	}
	a.UpdatedAt = time.Now()
	return q.persist()
}

// Get implements Queue.
func (q *FileQueue) Get(ctx context.Context, id string) (*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// GetQueue implements Queue.
func (q *FileQueue) GetQueue(ctx context.Context) ([]*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := make([]*Action, 0, len(q.actions))
	for _, a := range q.actions {
		list = append(list, a.clone())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// GetCounts implements Queue.
func (q *FileQueue) GetCounts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, a := range q.actions {
		switch a.Status {
		case StatusPending:
			c.Pending++
		case StatusWaiting:
			c.Waiting++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c, nil
}

// Cancel implements Queue.
func (q *FileQueue) Cancel(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	a, ok := q.actions[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if a.Status.terminal() {
		q.mu.Unlock()
		return nil
	}
	if !CanTransition(a.Status, StatusCancelled) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, a.Status)
	}
	a.Status = StatusCancelled
	a.StatusReason = reason
	a.UpdatedAt = time.Now()
	err := q.persist()
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("queue: persist: %w", err)
	}
	q.publish(ctx, EventActionCancelled, a)
	return nil
}

// Clear implements Queue: cancels every non-terminal action.
func (q *FileQueue) Clear(ctx context.Context, reason string) error {
	q.mu.Lock()
	var touched []*Action
	for _, a := range q.actions {
		if a.Status.terminal() {
			continue
		}
		a.Status = StatusCancelled
		a.StatusReason = reason
		a.UpdatedAt = time.Now()
		touched = append(touched, a)
	}
	err := q.persist()
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("queue: persist: %w", err)
	}
	for _, a := range touched {
		q.publish(ctx, EventActionCleared, a)
	}
	return nil
}

// StaleSweep implements spec.md §4.1's stale-action policy. It is invoked
// by the Scheduler on each tick, not run as its own goroutine, to keep
// the "single cooperative lock per component" model of spec.md §5.
func (q *FileQueue) StaleSweep(ctx context.Context, maxActionRun, maxStaleWaiting time.Duration) ([]*Action, error) {
	q.mu.Lock()
	now := time.Now()
	var transitioned []*Action
	for _, a := range q.actions {
		switch a.Status {
		case StatusInProgress:
			if !a.LeaseAt.IsZero() && now.Sub(a.LeaseAt) > maxActionRun {
				a.Status = StatusFailed
				a.StatusReason = "stale"
				a.UpdatedAt = now
				transitioned = append(transitioned, a)
			}
		case StatusWaiting:
			if now.Sub(a.UpdatedAt) > maxStaleWaiting {
				a.Status = StatusCancelled
				a.StatusReason = "abandoned"
				a.UpdatedAt = now
				transitioned = append(transitioned, a)
			}
		}
	}
	var err error
	if len(transitioned) > 0 {
		err = q.persist()
	}
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("queue: persist: %w", err)
	}
	for _, a := range transitioned {
		q.publish(ctx, EventActionCancelled, a)
	}
	return transitioned, nil
}

// retentionSweep drops the oldest terminal actions beyond RetentionCount.
// Must be called with q.mu held.
func (q *FileQueue) retentionSweep() {
	var terminal []*Action
	for _, a := range q.actions {
		if a.Status.terminal() {
			terminal = append(terminal, a)
		}
	}
	if len(terminal) <= q.retain {
		return
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].UpdatedAt.After(terminal[j].UpdatedAt) })
	for _, a := range terminal[q.retain:] {
		delete(q.actions, a.ID)
	}
	if err := q.persist(); err != nil {
		q.logger.Error("Retention sweep persist failed", zap.Error(err))
	}
}

var _ Queue = (*FileQueue)(nil)
