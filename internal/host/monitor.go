package host

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

// storageDebounce batches bursts of file events into one report.
const storageDebounce = 2 * time.Second

// runStorageMonitor watches the users tree and publishes a
// storage_update after the user's files settle.
func (h *AgentHost) runStorageMonitor(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	usersRoot := filepath.Join(h.root.Base(), "users")
	if err := os.MkdirAll(usersRoot, 0o755); err != nil {
		return err
	}
	watchTree(watcher, usersRoot)

	pending := make(map[int64]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("host.storage_watch_error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// New directories join the watch so deeper writes are seen.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					watchTree(watcher, ev.Name)
				}
			}
			userID, ok := userFromPath(usersRoot, ev.Name)
			if !ok {
				continue
			}
			if t, exists := pending[userID]; exists {
				t.Reset(storageDebounce)
				continue
			}
			id := userID
			pending[id] = time.AfterFunc(storageDebounce, func() {
				h.publishStorage(id)
			})
		}
	}
}

func (h *AgentHost) publishStorage(userID int64) {
	used, quota, err := h.quota.Report(userID)
	if err != nil {
		slog.Debug("host.storage_report_failed", "user_id", userID, "error", err)
		return
	}
	h.bus.Publish(userID, protocol.Event{
		Type: protocol.EventStorageUpdate,
		Data: protocol.StorageUpdatePayload{UsedBytes: used, QuotaBytes: quota},
	})
}

// watchTree adds dir and every directory below it to the watcher.
// fsnotify watches are not recursive.
func watchTree(watcher *fsnotify.Watcher, dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			slog.Debug("host.storage_watch_add_failed", "path", path, "error", err)
		}
		return nil
	})
}

// userFromPath extracts the user id from users/<id>/... paths.
func userFromPath(usersRoot, path string) (int64, bool) {
	rel, err := filepath.Rel(usersRoot, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return 0, false
	}
	first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	id, err := strconv.ParseInt(first, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
