// Package store provides the file-backed persistence layer: the on-disk
// layout, a per-path lock table, atomic JSON documents, the user registry,
// and storage quota accounting.
//
// Layout under the persistence root:
//
//	users.json                          user registry
//	sessions.json                       active session pointers
//	users/<id>/data/                    user working directory
//	users/<id>/data/chat_logs/          per-session transcripts
//	users/<id>/data/chat_summaries/     archived summaries
//	users/<id>/data/memories.json       memory list, newest-first
//	users/<id>/data/schedules/          tasks.json + operation_log.jsonl
//	users/<id>/data/running_tasks/      in-flight task documents
//	users/<id>/data/completed_tasks/    authoritative task history
//	users/<id>/data/review_logs/        review loop transcripts
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Root resolves paths under the persistence root.
type Root struct {
	base string
}

// NewRoot creates a Root at base, creating the directory if needed.
func NewRoot(base string) (*Root, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve persistence root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence root: %w", err)
	}
	return &Root{base: abs}, nil
}

// Base returns the absolute persistence root.
func (r *Root) Base() string { return r.base }

// UsersFile is the shared user registry document.
func (r *Root) UsersFile() string { return filepath.Join(r.base, "users.json") }

// SessionsFile is the shared active-session pointer document.
func (r *Root) SessionsFile() string { return filepath.Join(r.base, "sessions.json") }

// UserDir is the per-user root.
func (r *Root) UserDir(userID int64) string {
	return filepath.Join(r.base, "users", strconv.FormatInt(userID, 10))
}

// DataDir is the user-visible working directory. Every file path the
// system hands out is interpreted relative to this root.
func (r *Root) DataDir(userID int64) string {
	return filepath.Join(r.UserDir(userID), "data")
}

func (r *Root) ChatLogsDir(userID int64) string {
	return filepath.Join(r.DataDir(userID), "chat_logs")
}

func (r *Root) ChatSummariesDir(userID int64) string {
	return filepath.Join(r.DataDir(userID), "chat_summaries")
}

func (r *Root) MemoriesFile(userID int64) string {
	return filepath.Join(r.DataDir(userID), "memories.json")
}

func (r *Root) SchedulesDir(userID int64) string {
	return filepath.Join(r.DataDir(userID), "schedules")
}

func (r *Root) ScheduleTasksFile(userID int64) string {
	return filepath.Join(r.SchedulesDir(userID), "tasks.json")
}

func (r *Root) ScheduleOpLogFile(userID int64) string {
	return filepath.Join(r.SchedulesDir(userID), "operation_log.jsonl")
}

func (r *Root) RunningTasksDir(userID int64) string {
	return filepath.Join(r.DataDir(userID), "running_tasks")
}

func (r *Root) CompletedTasksDir(userID int64) string {
	return filepath.Join(r.DataDir(userID), "completed_tasks")
}

func (r *Root) ReviewLogsDir(userID int64) string {
	return filepath.Join(r.DataDir(userID), "review_logs")
}

// InitUserSpace creates the directory tree for a user.
func (r *Root) InitUserSpace(userID int64) error {
	dirs := []string{
		r.DataDir(userID),
		r.ChatLogsDir(userID),
		r.ChatSummariesDir(userID),
		r.SchedulesDir(userID),
		r.RunningTasksDir(userID),
		r.CompletedTasksDir(userID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("init user space %d: %w", userID, err)
		}
	}
	return nil
}

// WithinData reports whether path resolves inside the user's working
// directory. Symlink escapes are rejected: the resolved path must stay
// under the data root.
func (r *Root) WithinData(userID int64, path string) bool {
	root := r.DataDir(userID)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Not yet on disk: check the lexical form.
		resolved = filepath.Clean(path)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}
