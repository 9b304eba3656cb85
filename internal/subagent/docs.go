package subagent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/store"
)

// taskDocs maintains the human-readable task documents: one markdown
// file per task, created under running_tasks/ and moved to
// completed_tasks/ at the end. completed_tasks/ is the authoritative
// task history.
type taskDocs struct {
	root  *store.Root
	clock func() time.Time
}

func (d *taskDocs) create(t *Task) {
	dir := d.root.RunningTasksDir(t.UserID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("taskdocs.create_failed", "task_id", t.TaskID, "error", err)
		return
	}
	content := fmt.Sprintf(`# Task: %s

**Task ID:** %s
**Status:** %s
**Created:** %s

## Task Instructions

%s

## Progress

_Task is running..._
`, t.Description, t.TaskID, t.Status, t.CreatedAt.Format("2006-01-02 15:04:05"), t.Prompt)
	if err := os.WriteFile(filepath.Join(dir, t.TaskID+".md"), []byte(content), 0o644); err != nil {
		slog.Error("taskdocs.create_failed", "task_id", t.TaskID, "error", err)
	}
}

// finish rewrites the document's progress section with the outcome and
// moves it to completed_tasks/.
func (d *taskDocs) finish(t *Task) {
	src := filepath.Join(d.root.RunningTasksDir(t.UserID), t.TaskID+".md")
	raw, err := os.ReadFile(src)
	if err != nil {
		return
	}
	content := string(raw)
	now := d.clock().Format("2006-01-02 15:04:05")

	var outcome string
	switch {
	case t.Result != "":
		result := t.Result
		if len(result) > 5000 {
			result = result[:5000] + "\n\n... (truncated)"
		}
		outcome = fmt.Sprintf("\n## Result\n\n**Completed:** %s\n**Status:** %s\n\n%s\n", now, t.Status, result)
	case t.Error != "":
		outcome = fmt.Sprintf("\n## Error\n\n**Failed:** %s\n**Status:** %s\n**Error:** %s\n", now, t.Status, t.Error)
	default:
		outcome = fmt.Sprintf("\n## Completed\n\n**Time:** %s\n**Status:** %s\n", now, t.Status)
	}

	if i := strings.Index(content, "## Progress"); i >= 0 {
		content = content[:i] + outcome
	} else {
		content += outcome
	}
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		slog.Error("taskdocs.update_failed", "task_id", t.TaskID, "error", err)
	}

	destDir := d.root.CompletedTasksDir(t.UserID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return
	}
	if err := os.Rename(src, filepath.Join(destDir, t.TaskID+".md")); err != nil {
		slog.Error("taskdocs.move_failed", "task_id", t.TaskID, "error", err)
	}
}

// writeReviewLog renders every attempt of a reviewed task into
// review_logs/review_<id>.md and returns the path.
func (d *taskDocs) writeReviewLog(t *Task, attempts []attemptRecord) (string, error) {
	dir := d.root.ReviewLogsDir(t.UserID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	var b strings.Builder
	finalStatus := "Unknown"
	if len(attempts) > 0 {
		finalStatus = attempts[len(attempts)-1].status
	}
	fmt.Fprintf(&b, "# Review Log: %s\n\n**Task ID:** %s\n**Total Attempts:** %d\n**Final Status:** %s\n\n---\n",
		t.Description, t.TaskID, len(attempts), finalStatus)

	for _, a := range attempts {
		fmt.Fprintf(&b, "\n## Attempt %d — %s\n\n*%s*\n\n", a.attempt, a.status, a.timestamp.Format("2006-01-02 15:04:05"))
		if a.feedback != "" {
			fmt.Fprintf(&b, "**Feedback:**\n%s\n\n", a.feedback)
		}
		if len(a.missingDimensions) > 0 {
			b.WriteString("**Missing dimensions:**\n")
			for _, m := range a.missingDimensions {
				fmt.Fprintf(&b, "- %s\n", m)
			}
			b.WriteString("\n")
		}
		if len(a.suggestions) > 0 {
			b.WriteString("**Suggestions:**\n")
			for _, s := range a.suggestions {
				fmt.Fprintf(&b, "- %s\n", s)
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "**Result preview:**\n\n```\n%s\n```\n", a.resultPreview)
	}

	path := filepath.Join(dir, "review_"+t.TaskID+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write review log: %w", err)
	}
	return path, nil
}

// sweepStaleRunning moves documents orphaned in running_tasks/ by a
// crash or restart into completed_tasks/ with an interruption note.
func (d *taskDocs) sweepStaleRunning(userID int64) int {
	dir := d.root.RunningTasksDir(userID)
	matches, _ := filepath.Glob(filepath.Join(dir, "*.md"))
	moved := 0
	for _, src := range matches {
		raw, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		content := string(raw)
		note := fmt.Sprintf("\n## Interrupted\n\n**Time:** %s\n\nThe host restarted while this task was running; it did not finish.\n",
			d.clock().Format("2006-01-02 15:04:05"))
		if i := strings.Index(content, "## Progress"); i >= 0 {
			content = content[:i] + note
		} else {
			content += note
		}
		os.WriteFile(src, []byte(content), 0o644)

		destDir := d.root.CompletedTasksDir(userID)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(destDir, filepath.Base(src))); err == nil {
			moved++
		}
	}
	if moved > 0 {
		slog.Info("taskdocs.stale_swept", "user_id", userID, "moved", moved)
	}
	return moved
}

// pruneCompleted removes completed-task documents older than maxAge.
func (d *taskDocs) pruneCompleted(userID int64, maxAge time.Duration) int {
	cutoff := d.clock().Add(-maxAge)
	matches, _ := filepath.Glob(filepath.Join(d.root.CompletedTasksDir(userID), "*.md"))
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed
}

// attemptRecord is one attempt in a task's internal review log.
type attemptRecord struct {
	attempt           int
	timestamp         time.Time
	status            string // "PASSED" or "REJECTED"
	resultPreview     string // at most 2000 chars
	feedback          string
	suggestions       []string
	missingDimensions []string
}
