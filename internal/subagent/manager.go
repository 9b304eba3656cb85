package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agenthost/internal/filetrack"
	"github.com/nextlevelbuilder/agenthost/internal/store"
	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

// Runner executes one task attempt against the model backend.
type Runner interface {
	RunTask(ctx context.Context, userID int64, prompt string) (string, error)
}

// Publisher receives lifecycle events. Satisfied by the event bus.
type Publisher interface {
	Publish(userID int64, ev protocol.Event)
}

// Options configure a Manager.
type Options struct {
	MaxSubAgents int // global cap on running tasks, default 10
	MaxRetries   int // executions a reviewed task may use in total, default 10
	InlineLimit  int // files delivered individually before archiving
}

// Manager owns all sub-agent tasks. Admission is a global FIFO queue:
// at most MaxSubAgents tasks run at once, across all users, and
// waiting tasks start in delegation order. A review-induced retry
// gives the slot back and rejoins the queue at the tail.
type Manager struct {
	runner   Runner
	reviewer Reviewer
	sender   filetrack.Sender
	bus      Publisher
	root     *store.Root
	docs     *taskDocs
	opts     Options
	clock    func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// mu guards the fields below and every Task's mutable fields.
	mu         sync.Mutex
	tasks      map[string]*Task
	pending    []*Task
	running    int
	closed     bool
	reviewLogs map[string][]attemptRecord

	wg sync.WaitGroup
}

// NewManager creates a Manager. reviewer may be nil when no review
// tasks will be delegated.
func NewManager(root *store.Root, runner Runner, reviewer Reviewer, sender filetrack.Sender, bus Publisher, opts Options) *Manager {
	if opts.MaxSubAgents <= 0 {
		opts.MaxSubAgents = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:     runner,
		reviewer:   reviewer,
		sender:     sender,
		bus:        bus,
		root:       root,
		docs:       &taskDocs{root: root, clock: time.Now},
		opts:       opts,
		clock:      time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*Task),
		reviewLogs: make(map[string][]attemptRecord),
	}
}

// Delegate enqueues a task and returns its id immediately.
func (m *Manager) Delegate(userID int64, description, prompt string) (string, error) {
	return m.submit(userID, description, prompt, "")
}

// DelegateAndReview enqueues a task whose output must pass review
// against criteria before it is delivered.
func (m *Manager) DelegateAndReview(userID int64, description, prompt, reviewCriteria string) (string, error) {
	if m.reviewer == nil {
		return "", fmt.Errorf("no reviewer configured")
	}
	if strings.TrimSpace(reviewCriteria) == "" {
		return "", fmt.Errorf("empty review criteria")
	}
	return m.submit(userID, description, prompt, reviewCriteria)
}

func (m *Manager) submit(userID int64, description, prompt, criteria string) (string, error) {
	t := &Task{
		TaskID:         uuid.NewString()[:8],
		UserID:         userID,
		Description:    description,
		Prompt:         prompt,
		Status:         StatusPending,
		CreatedAt:      m.clock().UTC(),
		MaxRetries:     m.opts.MaxRetries,
		ReviewCriteria: criteria,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("shutting down, not accepting tasks")
	}
	m.tasks[t.TaskID] = t
	m.pending = append(m.pending, t)
	m.mu.Unlock()

	m.docs.create(t)
	m.bus.Publish(userID, protocol.Event{
		Type: protocol.EventTaskCreated,
		Data: protocol.TaskCreatedPayload{TaskID: t.TaskID, Description: description, CreatedAt: t.CreatedAt.Format(time.RFC3339)},
	})
	slog.Info("subagent.delegated", "user_id", userID, "task_id", t.TaskID, "reviewed", criteria != "")

	m.mu.Lock()
	m.tryDispatch()
	m.mu.Unlock()
	return t.TaskID, nil
}

// tryDispatch starts queued tasks while slots are free. Caller holds
// m.mu.
func (m *Manager) tryDispatch() {
	for m.running < m.opts.MaxSubAgents && len(m.pending) > 0 {
		t := m.pending[0]
		m.pending = m.pending[1:]
		m.running++
		m.wg.Add(1)
		go m.execute(t)
	}
}

func (m *Manager) execute(t *Task) {
	defer func() {
		m.mu.Lock()
		m.running--
		if !m.closed {
			m.tryDispatch()
		}
		m.mu.Unlock()
		m.wg.Done()
	}()

	if t.cancelled() {
		m.finalize(t, StatusCancelled, "", "task cancelled")
		return
	}

	now := m.clock().UTC()
	m.mu.Lock()
	firstAttempt := t.StartedAt == nil
	t.Status = StatusRunning
	if firstAttempt {
		t.StartedAt = &now
	}
	m.mu.Unlock()
	if firstAttempt {
		m.publishUpdate(t)
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	defer cancel()
	t.armCancel(cancel)
	if t.cancelled() {
		m.finalize(t, StatusCancelled, "", "task cancelled")
		return
	}

	tracker := filetrack.NewTracker(m.root.DataDir(t.UserID))
	tracker.Start()

	result, err := m.runner.RunTask(ctx, t.UserID, m.attemptPrompt(t))
	if t.cancelled() || ctx.Err() != nil {
		// Result and files are discarded.
		m.finalize(t, StatusCancelled, "", "task cancelled")
		return
	}
	if err != nil {
		// Transport-level failures end the task; the review loop only
		// handles quality.
		m.finalize(t, StatusFailed, "", err.Error())
		return
	}

	if !t.reviewed() {
		result = m.captureArtifacts(t, tracker, result)
		m.finalize(t, StatusCompleted, result, "")
		return
	}
	m.reviewAttempt(t, tracker, result)
}

// reviewAttempt judges one execution of a reviewed task and decides
// between completion, re-enqueue and forced completion.
func (m *Manager) reviewAttempt(t *Task, tracker *filetrack.Tracker, result string) {
	attempt := t.RetryCount + 1
	verdict := m.reviewer.Review(m.baseCtx, t.Description, result, t.ReviewCriteria, attempt)

	rec := attemptRecord{
		attempt:           attempt,
		timestamp:         m.clock(),
		resultPreview:     head(result, 2000),
		feedback:          verdict.Feedback,
		suggestions:       verdict.Suggestions,
		missingDimensions: verdict.MissingDimensions,
	}

	if verdict.Accepted {
		rec.status = "PASSED"
		attempts := m.appendAttempt(t.TaskID, rec)
		if len(attempts) > 1 {
			if _, err := m.docs.writeReviewLog(t, attempts); err != nil {
				slog.Warn("subagent.review_log_failed", "task_id", t.TaskID, "error", err)
			}
		}
		result = m.captureArtifacts(t, tracker, result)
		if len(attempts) > 1 {
			result += fmt.Sprintf("\n\n(accepted after %d attempts)", len(attempts))
		}
		m.finalize(t, StatusCompleted, result, "")
		return
	}

	rec.status = "REJECTED"
	attempts := m.appendAttempt(t.TaskID, rec)
	m.mu.Lock()
	t.addRetryHistory(result, verdict.Feedback, verdict.Suggestions, verdict.MissingDimensions, m.clock().UTC())
	t.RetryCount++
	exhausted := t.RetryCount >= t.MaxRetries
	m.mu.Unlock()
	slog.Info("subagent.review_rejected", "task_id", t.TaskID, "attempt", attempt, "retry_count", t.RetryCount)

	if !exhausted {
		// Give the slot back and rejoin the admission queue.
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			m.finalize(t, StatusCancelled, "", "task cancelled")
			return
		}
		t.Status = StatusPending
		t.armCancel(nil)
		m.pending = append(m.pending, t)
		m.mu.Unlock()
		return
	}

	// Review budget exhausted: deliver what exists, with the log.
	m.mu.Lock()
	t.MaxRetriesReached = true
	m.mu.Unlock()
	result = m.captureArtifacts(t, tracker, result)
	if path, err := m.docs.writeReviewLog(t, attempts); err == nil {
		m.sender.SendFile(t.UserID, path, fmt.Sprintf("Review log (%d attempts)", len(attempts)))
	} else {
		slog.Warn("subagent.review_log_failed", "task_id", t.TaskID, "error", err)
	}
	result += fmt.Sprintf("\n\n(review budget of %d attempts exhausted; latest result delivered as-is)", t.MaxRetries)
	m.finalize(t, StatusCompleted, result, "")
}

func (m *Manager) appendAttempt(taskID string, rec attemptRecord) []attemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewLogs[taskID] = append(m.reviewLogs[taskID], rec)
	return m.reviewLogs[taskID]
}

// attemptPrompt is the original prompt plus the accumulated retry
// history, so each attempt sees what was rejected and why.
func (m *Manager) attemptPrompt(t *Task) string {
	if len(t.RetryHistory) == 0 {
		return t.Prompt
	}
	var b strings.Builder
	b.WriteString(t.Prompt)
	b.WriteString("\n\n## Previous attempts\n")
	b.WriteString("Earlier runs of this task were rejected by review. Address the feedback below.\n")
	for _, e := range t.RetryHistory {
		fmt.Fprintf(&b, "\n### Attempt %d (rejected)\n", e.Attempt)
		fmt.Fprintf(&b, "Result summary: %s\n", e.ResultSummary)
		fmt.Fprintf(&b, "Feedback: %s\n", e.Feedback)
		if len(e.Suggestions) > 0 {
			b.WriteString("Suggestions:\n")
			for _, s := range e.Suggestions {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
		if len(e.MissingDimensions) > 0 {
			b.WriteString("Missing dimensions:\n")
			for _, d := range e.MissingDimensions {
				fmt.Fprintf(&b, "- %s\n", d)
			}
		}
	}
	return b.String()
}

// captureArtifacts diffs the working directory, delivers changed files
// and records them on the task. Returns result with a generated-files
// note appended when anything was sent.
func (m *Manager) captureArtifacts(t *Task, tracker *filetrack.Tracker, result string) string {
	files := tracker.Diff()
	tracker.CleanupTemp()
	if len(files) == 0 {
		return result
	}
	root := m.root.DataDir(t.UserID)
	sent := filetrack.Deliver(m.sender, t.UserID, root, files, m.opts.InlineLimit)

	rels := make([]string, 0, len(files))
	for _, f := range files {
		if rel, err := filepath.Rel(root, f); err == nil {
			rels = append(rels, filepath.ToSlash(rel))
		} else {
			rels = append(rels, filepath.Base(f))
		}
	}
	m.mu.Lock()
	t.FilesProduced = rels
	m.mu.Unlock()

	if sent > 0 {
		list := strings.Join(rels[:min(5, len(rels))], ", ")
		if len(rels) > 5 {
			list += fmt.Sprintf(" (+%d more)", len(rels)-5)
		}
		result += fmt.Sprintf("\n\nGenerated files (%d): %s", sent, list)
	}
	return result
}

// finalize records the terminal state, archives the task document,
// publishes the terminal event and notifies the user.
func (m *Manager) finalize(t *Task, status Status, result, errMsg string) {
	now := m.clock().UTC()
	m.mu.Lock()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = &now
	delete(m.reviewLogs, t.TaskID)
	m.mu.Unlock()
	m.docs.finish(t)
	m.publishUpdate(t)

	switch status {
	case StatusCompleted:
		if result != "" {
			m.sender.SendText(t.UserID, result)
		}
	case StatusFailed:
		m.sender.SendText(t.UserID, fmt.Sprintf("Task %q failed: %s", t.Description, errMsg))
	}
	slog.Info("subagent.finished", "task_id", t.TaskID, "status", status, "retries", t.RetryCount)
}

func (m *Manager) publishUpdate(t *Task) {
	payload := protocol.TaskUpdatePayload{TaskID: t.TaskID, Status: string(t.Status)}
	if t.Status.Terminal() {
		payload.Result = t.Result
		if t.CompletedAt != nil {
			payload.CompletedAt = t.CompletedAt.Format(time.RFC3339)
		}
	}
	m.bus.Publish(t.UserID, protocol.Event{Type: protocol.EventTaskUpdate, Data: payload})
}

// Cancel stops a task best-effort. A pending task is cancelled when it
// reaches the head of the queue; a running one is signalled now.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown task %s", taskID)
	}
	if status := t.Status; status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("task %s already %s", taskID, status)
	}
	m.mu.Unlock()
	t.RequestCancel()
	return nil
}

// Get returns a copy of a task by id.
func (m *Manager) Get(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.snapshot(), true
}

// List returns copies of a user's tasks, oldest first.
func (m *Manager) List(userID int64) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, t.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RunningCount returns the number of currently executing tasks.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SweepStaleDocs archives running-task documents left over from a
// previous process. Called once per user at startup.
func (m *Manager) SweepStaleDocs(userID int64) int {
	return m.docs.sweepStaleRunning(userID)
}

const (
	// terminalRetention keeps finished tasks queryable via Get/List
	// before Prune drops them from the index.
	terminalRetention = time.Hour
	// docRetention keeps completed-task documents on disk.
	docRetention = 7 * 24 * time.Hour
)

// Prune drops terminal tasks older than an hour from the in-memory
// index and deletes the user's completed-task documents older than a
// week. The operation log of the scheduler and chat summaries are
// untouched; only task bookkeeping ages out.
func (m *Manager) Prune(userID int64) int {
	cutoff := m.clock().UTC().Add(-terminalRetention)
	m.mu.Lock()
	dropped := 0
	for id, t := range m.tasks {
		if t.UserID != userID || !t.Status.Terminal() {
			continue
		}
		if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			dropped++
		}
	}
	m.mu.Unlock()

	removed := m.docs.pruneCompleted(userID, docRetention)
	if dropped > 0 || removed > 0 {
		slog.Debug("subagent.pruned", "user_id", userID, "index_dropped", dropped, "docs_removed", removed)
	}
	return dropped
}

// Close refuses new admissions, cancels running tasks, marks pending
// tasks cancelled and waits for executors to drain or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, t := range pending {
		t.RequestCancel()
		m.finalize(t, StatusCancelled, "", "shutdown")
	}
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with tasks still running: %w", ctx.Err())
	}
}
