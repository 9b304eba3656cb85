package store

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// ErrQuotaDenied marks a write refused by the quota gate. Callers treat
// it as a soft failure reported to the originator.
var ErrQuotaDenied = errors.New("storage quota exceeded")

// QuotaGate admits or denies writes that enlarge a user's working
// directory.
type QuotaGate interface {
	// Check returns nil when additionalBytes fit, or an error wrapping
	// ErrQuotaDenied.
	Check(userID int64, additionalBytes int64) error
	// Report returns current usage and the user's quota.
	Report(userID int64) (used, quota int64, err error)
}

// DirUsageGate implements QuotaGate by walking the user's directory
// tree. Usage is computed on demand; no cache, the tree is the truth.
type DirUsageGate struct {
	root  *Root
	users *Users
}

// NewDirUsageGate creates a gate over the registry's quotas.
func NewDirUsageGate(root *Root, users *Users) *DirUsageGate {
	return &DirUsageGate{root: root, users: users}
}

func (g *DirUsageGate) Check(userID int64, additionalBytes int64) error {
	used, quota, err := g.Report(userID)
	if err != nil {
		return err
	}
	if used+additionalBytes > quota {
		return fmt.Errorf("user %d: %d+%d bytes over %d: %w",
			userID, used, additionalBytes, quota, ErrQuotaDenied)
	}
	return nil
}

func (g *DirUsageGate) Report(userID int64) (int64, int64, error) {
	rec := g.users.Get(userID)
	if rec == nil {
		return 0, 0, fmt.Errorf("unknown user %d", userID)
	}
	used, err := DirSize(g.root.UserDir(userID))
	if err != nil {
		return 0, 0, err
	}
	return used, rec.QuotaBytes, nil
}

// DirSize returns the total size of regular files under dir. A missing
// directory counts as zero.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
