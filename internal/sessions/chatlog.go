package sessions

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/store"
)

// chatLogger owns the on-disk transcripts: one append-only log per
// session under chat_logs/, archived into chat_summaries/ at expiry.
type chatLogger struct {
	root  *store.Root
	locks *store.LockTable
	clock func() time.Time
}

func sessionShort(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}

// logFile returns the path of the session's log, reusing an existing
// file when one matches the session id.
func (c *chatLogger) logFile(userID int64, sessionID string) string {
	dir := c.root.ChatLogsDir(userID)
	short := sessionShort(sessionID)
	if matches, _ := filepath.Glob(filepath.Join(dir, "*_"+short+".log")); len(matches) > 0 {
		return matches[0]
	}
	ts := c.clock().Format("20060102_150405")
	return filepath.Join(dir, fmt.Sprintf("chat_%s_%s.log", ts, short))
}

// Append writes one turn to the session's log, creating it with a
// header on first write.
func (c *chatLogger) Append(userID int64, sessionID, role, body string) error {
	path := c.logFile(userID, sessionID)
	defer c.locks.Lock(path)()

	var entry strings.Builder
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(&entry, "# Chat transcript\n# User: %d\n# Session: %s\n# Started: %s\n",
			userID, sessionID, c.clock().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&entry, "\n%s\n[%s] %s:\n%s\n",
		strings.Repeat("=", 60), c.clock().Format("2006-01-02 15:04:05"), role, body)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(entry.String()); err != nil {
		return fmt.Errorf("append chat log: %w", err)
	}
	return nil
}

// Read returns the session's full transcript, or "" when none exists.
func (c *chatLogger) Read(userID int64, sessionID string) string {
	path := c.logFile(userID, sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Archive writes the summary file, folds the raw transcript into it
// and deletes the log. The summary file is the only surviving record
// of the session.
func (c *chatLogger) Archive(userID int64, sessionID, summary string) error {
	var content strings.Builder
	fmt.Fprintf(&content, "# Conversation summary\n# Time: %s\n# Session: %s\n\n%s\n",
		c.clock().Format("2006-01-02 15:04:05"), sessionID, summary)

	logPath := c.logFile(userID, sessionID)
	raw, err := os.ReadFile(logPath)
	if err == nil {
		fmt.Fprintf(&content, "\n\n%s\n# Original transcript\n%s\n%s",
			strings.Repeat("=", 60), strings.Repeat("=", 60), raw)
	}

	dir := c.root.ChatSummariesDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	summaryPath := filepath.Join(dir, fmt.Sprintf("summary_%s.txt", c.clock().Format("20060102_150405")))
	if err := os.WriteFile(summaryPath, []byte(content.String()), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if raw != nil {
		if err := os.Remove(logPath); err != nil {
			slog.Warn("sessions.log_remove_failed", "user_id", userID, "path", logPath, "error", err)
		}
	}
	slog.Info("sessions.archived", "user_id", userID, "session_id", sessionShort(sessionID), "summary", filepath.Base(summaryPath))
	return nil
}

// RecentSummaries returns the newest limit summary texts, newest
// first.
func (c *chatLogger) RecentSummaries(userID int64, limit int) []string {
	dir := c.root.ChatSummariesDir(userID)
	matches, _ := filepath.Glob(filepath.Join(dir, "summary_*.txt"))
	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	var out []string
	for _, path := range matches {
		if len(out) >= limit {
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		out = append(out, string(data))
	}
	return out
}

// CleanupOldLogs deletes logs and summaries older than keepDays.
// Returns the number of files removed.
func (c *chatLogger) CleanupOldLogs(userID int64, keepDays int) int {
	cutoff := c.clock().AddDate(0, 0, -keepDays)
	removed := 0
	for _, dir := range []string{c.root.ChatLogsDir(userID), c.root.ChatSummariesDir(userID)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Info("sessions.logs_cleaned", "user_id", userID, "removed", removed)
	}
	return removed
}
