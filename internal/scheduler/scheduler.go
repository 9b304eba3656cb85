package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/store"
	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

// Delegator submits a fired schedule as a sub-agent task.
type Delegator interface {
	Delegate(userID int64, description, prompt string) (string, error)
}

// Publisher receives schedule_executed events.
type Publisher interface {
	Publish(userID int64, ev protocol.Event)
}

// Scheduler owns every user's scheduled tasks, their tasks.json files
// and operation logs.
type Scheduler struct {
	root      *store.Root
	locks     *store.LockTable
	users     *store.Users
	delegator Delegator
	bus       Publisher
	clock     func() time.Time
	tick      time.Duration

	mu sync.Mutex
	// fired remembers the last local minute each wall-clock task fired
	// in, so a sub-minute tick never double-fires.
	fired map[string]string
}

// New creates a scheduler. tick is the evaluation period; zero means
// 30 seconds.
func New(root *store.Root, locks *store.LockTable, users *store.Users, delegator Delegator, bus Publisher, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		root:      root,
		locks:     locks,
		users:     users,
		delegator: delegator,
		bus:       bus,
		clock:     time.Now,
		tick:      tick,
		fired:     make(map[string]string),
	}
}

// Create stores a new task. The id must be unique for the user.
func (s *Scheduler) Create(userID int64, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.CreatedAt = s.clock().UTC()
	err := s.withTasks(userID, func(tasks map[string]*Task) error {
		if _, exists := tasks[t.TaskID]; exists {
			return fmt.Errorf("task %s already exists", t.TaskID)
		}
		tasks[t.TaskID] = t.clone()
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("scheduler.created", "user_id", userID, "task_id", t.TaskID, "type", t.Type)
	return s.appendOp(userID, OpEntry{Op: OpCreate, TaskID: t.TaskID, Snapshot: t.clone()})
}

// Update replaces a task's definition, keeping its execution history
// (run_count, last_run, created_at).
func (s *Scheduler) Update(userID int64, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	err := s.withTasks(userID, func(tasks map[string]*Task) error {
		old, ok := tasks[t.TaskID]
		if !ok {
			return fmt.Errorf("task %s not found", t.TaskID)
		}
		fresh := t.clone()
		fresh.RunCount = old.RunCount
		fresh.LastRun = old.LastRun
		fresh.CreatedAt = old.CreatedAt
		tasks[t.TaskID] = fresh
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendOp(userID, OpEntry{Op: OpUpdate, TaskID: t.TaskID})
}

// Delete removes a task, recording its full snapshot in the operation
// log.
func (s *Scheduler) Delete(userID int64, taskID string) error {
	var snapshot *Task
	err := s.withTasks(userID, func(tasks map[string]*Task) error {
		t, ok := tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s not found", taskID)
		}
		snapshot = t.clone()
		delete(tasks, taskID)
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("scheduler.deleted", "user_id", userID, "task_id", taskID)
	return s.appendOp(userID, OpEntry{Op: OpDelete, TaskID: taskID, Snapshot: snapshot})
}

// Enable turns a task back on. A task that spent its run budget must
// be Reset instead.
func (s *Scheduler) Enable(userID int64, taskID string) error {
	err := s.withTasks(userID, func(tasks map[string]*Task) error {
		t, ok := tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s not found", taskID)
		}
		if t.exhausted() {
			return fmt.Errorf("task %s hit max_runs; reset it first", taskID)
		}
		t.Enabled = true
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendOp(userID, OpEntry{Op: OpEnable, TaskID: taskID})
}

// Disable turns a task off without touching its history.
func (s *Scheduler) Disable(userID int64, taskID string) error {
	err := s.withTasks(userID, func(tasks map[string]*Task) error {
		t, ok := tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s not found", taskID)
		}
		t.Enabled = false
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendOp(userID, OpEntry{Op: OpDisable, TaskID: taskID})
}

// Reset clears run_count and re-enables a task that hit max_runs.
func (s *Scheduler) Reset(userID int64, taskID string) error {
	err := s.withTasks(userID, func(tasks map[string]*Task) error {
		t, ok := tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s not found", taskID)
		}
		t.RunCount = 0
		t.LastRun = nil
		t.Enabled = true
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendOp(userID, OpEntry{Op: OpReset, TaskID: taskID})
}

// Get returns a copy of one task.
func (s *Scheduler) Get(userID int64, taskID string) (*Task, error) {
	tasks, err := s.loadTasks(userID)
	if err != nil {
		return nil, err
	}
	t, ok := tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return t.clone(), nil
}

// List returns copies of the user's tasks ordered by task_id.
func (s *Scheduler) List(userID int64) ([]*Task, error) {
	tasks, err := s.loadTasks(userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Run evaluates schedules until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler.started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler.stopped")
			return
		case <-ticker.C:
			s.CheckOnce(s.clock())
		}
	}
}

type dueTask struct {
	userID int64
	task   *Task
	loc    *time.Location
}

// CheckOnce evaluates every user's tasks at the given instant and
// fires the due ones in (user_id, task_id) order. Missed minutes are
// never fired retroactively.
func (s *Scheduler) CheckOnce(now time.Time) {
	var due []dueTask
	for _, user := range s.users.List() {
		if !user.Enabled {
			continue
		}
		tasks, err := s.loadTasks(user.ID)
		if err != nil {
			slog.Error("scheduler.load_failed", "user_id", user.ID, "error", err)
			continue
		}
		loc := user.Location()
		local := now.In(loc)
		for _, t := range tasks {
			if !t.Enabled || t.exhausted() {
				continue
			}
			switch t.Type {
			case TypeInterval:
				if t.dueInterval(now) {
					due = append(due, dueTask{user.ID, t, loc})
				}
			default:
				if t.dueAt(local) && !s.firedThisMinute(user.ID, t.TaskID, local) {
					due = append(due, dueTask{user.ID, t, loc})
				}
			}
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].userID != due[j].userID {
			return due[i].userID < due[j].userID
		}
		return due[i].task.TaskID < due[j].task.TaskID
	})
	for _, d := range due {
		s.fire(d.userID, d.task, d.loc, now)
	}
}

func (s *Scheduler) firedThisMinute(userID int64, taskID string, local time.Time) bool {
	key := fmt.Sprintf("%d/%s", userID, taskID)
	minute := local.Format("200601021504")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired[key] == minute {
		return true
	}
	s.fired[key] = minute
	return false
}

func (s *Scheduler) fire(userID int64, t *Task, loc *time.Location, now time.Time) {
	subID, err := s.delegator.Delegate(userID, "scheduled: "+t.Name, t.Prompt)
	if err != nil {
		// One failed fire never stops the scheduler.
		slog.Error("scheduler.delegate_failed", "user_id", userID, "task_id", t.TaskID, "error", err)
		return
	}

	var updated *Task
	err = s.withTasks(userID, func(tasks map[string]*Task) error {
		cur, ok := tasks[t.TaskID]
		if !ok {
			return fmt.Errorf("task %s vanished mid-fire", t.TaskID)
		}
		cur.RunCount++
		ts := now.UTC()
		cur.LastRun = &ts
		if cur.Type == TypeOnce || cur.exhausted() {
			cur.Enabled = false
		}
		updated = cur.clone()
		return nil
	})
	if err != nil {
		slog.Error("scheduler.record_failed", "user_id", userID, "task_id", t.TaskID, "error", err)
		return
	}

	if err := s.appendOp(userID, OpEntry{
		Op:             OpExecute,
		TaskID:         t.TaskID,
		SubAgentTaskID: subID,
		RunCount:       &updated.RunCount,
	}); err != nil {
		slog.Error("scheduler.oplog_failed", "user_id", userID, "task_id", t.TaskID, "error", err)
	}

	var nextRun string
	if next := updated.NextRun(now, loc); next != nil {
		nextRun = next.Format(time.RFC3339)
	}
	s.bus.Publish(userID, protocol.Event{
		Type: protocol.EventScheduleExecuted,
		Data: protocol.ScheduleExecutedPayload{
			TaskID:   t.TaskID,
			RunCount: updated.RunCount,
			NextRun:  nextRun,
		},
	})
	slog.Info("scheduler.fired", "user_id", userID, "task_id", t.TaskID, "run_count", updated.RunCount, "sub_agent_task", subID)
}

func (s *Scheduler) loadTasks(userID int64) (map[string]*Task, error) {
	path := s.root.ScheduleTasksFile(userID)
	defer s.locks.Lock(path)()
	return s.loadTasksLocked(path)
}

func (s *Scheduler) loadTasksLocked(path string) (map[string]*Task, error) {
	tasks := make(map[string]*Task)
	err := store.ReadJSON(path, &tasks)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	return tasks, nil
}

func (s *Scheduler) withTasks(userID int64, fn func(map[string]*Task) error) error {
	path := s.root.ScheduleTasksFile(userID)
	defer s.locks.Lock(path)()
	tasks, err := s.loadTasksLocked(path)
	if err != nil {
		return err
	}
	if err := fn(tasks); err != nil {
		return err
	}
	return store.WriteJSON(path, tasks)
}
