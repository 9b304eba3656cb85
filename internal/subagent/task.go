// Package subagent executes delegated background tasks under a global
// concurrency cap, captures the files they produce, and optionally
// gates their output behind an automated review loop.
package subagent

import (
	"context"
	"sync"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RetryEntry records one review rejection.
type RetryEntry struct {
	Attempt           int       `json:"attempt"`
	ResultSummary     string    `json:"result_summary"` // at most 500 chars
	Feedback          string    `json:"feedback"`
	Suggestions       []string  `json:"suggestions,omitempty"`
	MissingDimensions []string  `json:"missing_dimensions,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Task is one delegated unit of work.
type Task struct {
	TaskID      string `json:"task_id"`
	UserID      int64  `json:"user_id"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RetryCount     int          `json:"retry_count"`
	MaxRetries     int          `json:"max_retries"`
	ReviewCriteria string       `json:"review_criteria,omitempty"`
	RetryHistory   []RetryEntry `json:"retry_history,omitempty"`
	// MaxRetriesReached marks a completion forced by exhausting the
	// review budget rather than passing review.
	MaxRetriesReached bool `json:"max_retries_reached,omitempty"`

	FilesProduced []string `json:"files_produced,omitempty"`
	Result        string   `json:"result,omitempty"`
	Error         string   `json:"error,omitempty"`

	mu     sync.Mutex
	cancel context.CancelFunc
	// cancelRequested survives between re-enqueues, where no cancel
	// func is armed.
	cancelRequested bool
}

func (t *Task) reviewed() bool { return t.ReviewCriteria != "" }

// RequestCancel signals the task to stop. Effective immediately for a
// running task; a pending task is cancelled at admission.
func (t *Task) RequestCancel() {
	t.mu.Lock()
	t.cancelRequested = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Task) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

func (t *Task) armCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

// snapshot copies the task for handing to callers while the executor
// may still be mutating it. The cancel plumbing is not carried over;
// callers holding a snapshot cancel through the Manager. Caller holds
// the Manager's lock.
func (t *Task) snapshot() *Task {
	c := &Task{
		TaskID:            t.TaskID,
		UserID:            t.UserID,
		Description:       t.Description,
		Prompt:            t.Prompt,
		Status:            t.Status,
		CreatedAt:         t.CreatedAt,
		RetryCount:        t.RetryCount,
		MaxRetries:        t.MaxRetries,
		ReviewCriteria:    t.ReviewCriteria,
		MaxRetriesReached: t.MaxRetriesReached,
		Result:            t.Result,
		Error:             t.Error,
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if len(t.RetryHistory) > 0 {
		c.RetryHistory = append([]RetryEntry(nil), t.RetryHistory...)
	}
	if len(t.FilesProduced) > 0 {
		c.FilesProduced = append([]string(nil), t.FilesProduced...)
	}
	return c
}

func (t *Task) addRetryHistory(result, feedback string, suggestions, missing []string, now time.Time) {
	summary := result
	if len(summary) > 500 {
		summary = summary[:500]
	}
	t.RetryHistory = append(t.RetryHistory, RetryEntry{
		Attempt:           t.RetryCount + 1,
		ResultSummary:     summary,
		Feedback:          feedback,
		Suggestions:       suggestions,
		MissingDimensions: missing,
		Timestamp:         now,
	})
}
