package store

import (
	"path/filepath"
	"sync"
)

// LockTable serializes access to persistence files: one mutex per
// canonical path. All readers and writers of a file go through the same
// lock, which is the single-writer discipline the layout depends on.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for path and returns its release func.
//
//	defer locks.Lock(path)()
func (t *LockTable) Lock(path string) func() {
	key := filepath.Clean(path)

	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
