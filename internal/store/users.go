package store

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// User is one registry entry. Users are created on first authenticated
// contact and never destroyed.
type User struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	QuotaBytes  int64     `json:"quota_bytes"`
	Enabled     bool      `json:"enabled"`
	Timezone    string    `json:"timezone,omitempty"` // IANA name; empty = UTC
	CreatedAt   time.Time `json:"created_at"`
}

// Location resolves the user's timezone, falling back to UTC.
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Users is the file-backed user registry (users.json).
type Users struct {
	root         *Root
	locks        *LockTable
	defaultQuota int64

	mu    sync.RWMutex
	byID  map[int64]*User
	clock func() time.Time
}

// NewUsers loads the registry from users.json.
func NewUsers(root *Root, locks *LockTable, defaultQuota int64) (*Users, error) {
	u := &Users{
		root:         root,
		locks:        locks,
		defaultQuota: defaultQuota,
		byID:         make(map[int64]*User),
		clock:        time.Now,
	}
	if err := u.load(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Users) load() error {
	defer u.locks.Lock(u.root.UsersFile())()

	var records map[string]*User
	err := ReadJSON(u.root.UsersFile(), &records)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user registry: %w", err)
	}
	for idStr, rec := range records {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("user registry: bad id %q", idStr)
		}
		rec.ID = id
		u.byID[id] = rec
	}
	slog.Info("users.loaded", "count", len(u.byID))
	return nil
}

func (u *Users) save() error {
	records := make(map[string]*User, len(u.byID))
	for id, rec := range u.byID {
		records[strconv.FormatInt(id, 10)] = rec
	}
	defer u.locks.Lock(u.root.UsersFile())()
	return WriteJSON(u.root.UsersFile(), records)
}

// Ensure returns the user, creating the registry entry and on-disk
// space on first contact.
func (u *Users) Ensure(id int64, displayName string) (*User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if rec, ok := u.byID[id]; ok {
		return rec, nil
	}
	rec := &User{
		ID:          id,
		DisplayName: displayName,
		QuotaBytes:  u.defaultQuota,
		Enabled:     true,
		CreatedAt:   u.clock().UTC(),
	}
	u.byID[id] = rec
	if err := u.root.InitUserSpace(id); err != nil {
		delete(u.byID, id)
		return nil, err
	}
	if err := u.save(); err != nil {
		delete(u.byID, id)
		return nil, err
	}
	slog.Info("users.created", "user_id", id, "display_name", displayName)
	return rec, nil
}

// Get returns the user or nil.
func (u *Users) Get(id int64) *User {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.byID[id]
}

// List returns all users ordered by id.
func (u *Users) List() []*User {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*User, 0, len(u.byID))
	for _, rec := range u.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetTimezone updates a user's timezone after validating it.
func (u *Users) SetTimezone(id int64, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.byID[id]
	if !ok {
		return fmt.Errorf("unknown user %d", id)
	}
	rec.Timezone = tz
	return u.save()
}
