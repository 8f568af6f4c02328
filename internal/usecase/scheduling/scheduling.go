// Package scheduling runs maintenance actions (keyword reloads, metrics
// snapshots, session pruning, breaker resets) on cron or interval schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agent-orchestrator/internal/domain"
)

// ScheduledAction identifies a type of scheduled action.
type ScheduledAction string

const (
	ActionReloadKeywords ScheduledAction = "reload_keywords"
	ActionLogMetrics     ScheduledAction = "log_metrics"
	ActionPruneSessions  ScheduledAction = "prune_sessions"
	ActionResetBreakers  ScheduledAction = "reset_breakers"
	ActionPruneAudit     ScheduledAction = "prune_audit"
)

// taskTimeout bounds a single run of any action.
const taskTimeout = time.Minute

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   ScheduledAction
	OneShot  bool
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Action   string    `json:"action"`
	Next     time.Time `json:"next_run"`
	Runs     int       `json:"runs"`
	LastErr  string    `json:"last_error,omitempty"`
}

type taskEntry struct {
	task    ScheduledTask
	id      cron.EntryID
	runs    int
	lastErr string
}

// Scheduler runs tasks on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron    *cron.Cron
	actions map[ScheduledAction]func(ctx context.Context) error
	tasks   map[string]*taskEntry
	bus     domain.EventBus
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. bus may be nil.
func NewScheduler(logger *slog.Logger, bus domain.EventBus) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[ScheduledAction]func(ctx context.Context) error),
		tasks:   make(map[string]*taskEntry),
		bus:     bus,
		logger:  logger,
	}
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask adds a scheduled task. The schedule can be a cron expression or a duration string.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}

	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	entry := &taskEntry{task: task}
	entry.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(entry, fn) }))
	s.tasks[task.Name] = entry

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

func (s *Scheduler) run(entry *taskEntry, fn func(ctx context.Context) error) {
	// Read context under lock
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	name := entry.task.Name
	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	start := time.Now()
	err := fn(taskCtx)
	if err != nil {
		s.logger.Warn("scheduled task failed",
			"task", name,
			"error", err,
			"duration", time.Since(start))
	} else {
		s.logger.Debug("scheduled task completed",
			"task", name,
			"duration", time.Since(start))
	}

	s.mu.Lock()
	entry.runs++
	entry.lastErr = ""
	if err != nil {
		entry.lastErr = err.Error()
	}
	if entry.task.OneShot {
		s.cron.Remove(entry.id)
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	payload := map[string]any{
		"task":        name,
		"action":      string(entry.task.Action),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	domain.PublishEvent(ctx, s.bus, domain.EventSchedulerFired, payload)
}

// RemoveTask removes a task by name.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(entry.id)
	delete(s.tasks, name)
	s.logger.Info("task removed", "name", name)
	return nil
}

// Tasks lists registered tasks sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, TaskInfo{
			Name:     e.task.Name,
			Schedule: e.task.Schedule,
			Action:   string(e.task.Action),
			Next:     s.cron.Entry(e.id).Next,
			Runs:     e.runs,
			LastErr:  e.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu when they finish, so wait outside the lock.
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	// Try cron expression first.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	// Fall back to duration.
	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// ParseSchedule exposes schedule parsing for config validation.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
