package filetrack

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// archiveLinger is how long a delivered archive stays in the temp dir
// before removal.
const archiveLinger = 10 * time.Minute

// Sender delivers files and messages to a user. Satisfied by the
// channels outbox.
type Sender interface {
	SendText(userID int64, text string)
	SendFile(userID int64, path, caption string)
}

// Deliver sends changed files to the user: up to inlineLimit files
// individually, more as one tar.gz archive. The archive is a transport
// wrapper, deleted after handoff. Returns the number of files handed
// to the sender.
func Deliver(sender Sender, userID int64, root string, files []string, inlineLimit int) int {
	if inlineLimit <= 0 {
		inlineLimit = 5
	}

	existing := files[:0:0]
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0
	}

	if len(existing) <= inlineLimit {
		for _, path := range existing {
			sender.SendFile(userID, path, relName(root, path))
		}
		return len(existing)
	}

	archive, err := packArchive(root, existing)
	if err != nil {
		slog.Error("filetrack.archive_failed", "user_id", userID, "error", err)
		// Degrade to sending the first inlineLimit files.
		sender.SendText(userID, fmt.Sprintf("Packing %d files failed; sending the first %d individually.", len(existing), inlineLimit))
		for _, path := range existing[:inlineLimit] {
			sender.SendFile(userID, path, relName(root, path))
		}
		return inlineLimit
	}
	sender.SendFile(userID, archive, fmt.Sprintf("%d files produced by this task", len(existing)))
	// Delivery through the outbox is asynchronous; the archive must
	// outlive the queued send before it is cleaned up.
	time.AfterFunc(archiveLinger, func() { os.Remove(archive) })
	return len(existing)
}

func packArchive(root string, files []string) (string, error) {
	tmp, err := os.CreateTemp("", "task_files_*.tar.gz")
	if err != nil {
		return "", err
	}
	gz, _ := gzip.NewWriterLevel(tmp, gzip.BestSpeed)
	tw := tar.NewWriter(gz)

	for _, path := range files {
		if err := addToArchive(tw, root, path); err != nil {
			tw.Close()
			gz.Close()
			tmp.Close()
			os.Remove(tmp.Name())
			return "", fmt.Errorf("pack %s: %w", filepath.Base(path), err)
		}
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func addToArchive(tw *tar.Writer, root, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = relName(root, path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func relName(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil && filepath.IsLocal(rel) {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}
