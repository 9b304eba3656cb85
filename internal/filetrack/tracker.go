// Package filetrack identifies files a task created or modified in the
// user's working directory and delivers them when the task completes.
package filetrack

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Exclusion sets are fixed. Working/scratch areas never count as task
// output.
var (
	excludedDirs = map[string]bool{
		"temp": true, "tmp": true, "working": true, "cache": true,
		"drafts": true, "__pycache__": true, ".git": true,
		"node_modules": true, ".venv": true, ".cache": true,
	}
	excludedExts = map[string]bool{
		".tmp": true, ".log": true, ".pyc": true, ".pyo": true,
		".swp": true, ".swo": true,
	}
	// Glob patterns matched against the base name.
	excludedPatterns = []string{
		"*_draft.*", "*_temp.*", "*_tmp.*", "*_wip.*",
		"*_step*.*", "*_intermediate.*",
	}
)

type fileState struct {
	mtime time.Time
	size  int64
}

// Tracker is one snapshot/diff scope over a directory tree. One per
// task; not reusable across tasks.
type Tracker struct {
	root      string
	startedAt time.Time
	baseline  map[string]fileState
}

// NewTracker creates a tracker rooted at root. Call Start before the
// task runs and Diff after.
func NewTracker(root string) *Tracker {
	return &Tracker{root: root}
}

// Start records the baseline state of every tracked file under root.
func (t *Tracker) Start() {
	t.startedAt = time.Now()
	t.baseline = t.scan()
	slog.Debug("filetrack.started", "root", t.root, "baseline_files", len(t.baseline))
}

// Diff rescans and returns every path that is new or whose
// (mtime, size) changed since Start, absolute, newest first. Idempotent
// while the tree does not change.
func (t *Tracker) Diff() []string {
	if t.baseline == nil {
		slog.Warn("filetrack.diff_without_start", "root", t.root)
		return nil
	}
	current := t.scan()
	var changed []string
	for path, state := range current {
		base, seen := t.baseline[path]
		if !seen || state.mtime.After(base.mtime) || state.size != base.size {
			changed = append(changed, path)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		return current[changed[i]].mtime.After(current[changed[j]].mtime)
	})
	slog.Info("filetrack.diff", "root", t.root, "changed", len(changed))
	return changed
}

// CleanupTemp deletes the contents of the temp subdirectory under
// root. The directory itself stays.
func (t *Tracker) CleanupTemp() {
	tempDir := filepath.Join(t.root, "temp")
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tempDir, e.Name())); err != nil {
			slog.Warn("filetrack.cleanup_failed", "path", e.Name(), "error", err)
		}
	}
}

func (t *Tracker) scan() map[string]fileState {
	files := make(map[string]fileState)
	root, err := filepath.EvalSymlinks(t.root)
	if err != nil {
		return files
	}
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (excludedDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			// Symlinks are not followed; a link escaping root can
			// never be reported.
			return nil
		}
		if Excluded(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[path] = fileState{mtime: info.ModTime(), size: info.Size()}
		return nil
	})
	return files
}

// Excluded reports whether a base name is filtered from tracking.
func Excluded(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return true
	}
	if excludedExts[strings.ToLower(filepath.Ext(name))] {
		return true
	}
	for _, pattern := range excludedPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
