package memory

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agenthost/internal/store"
)

// Store is the file-backed memory store. One memories.json per user;
// every operation loads, mutates and rewrites the document under the
// file lock, so concurrent writers never lose updates.
type Store struct {
	root  *store.Root
	locks *store.LockTable
	clock func() time.Time
}

// NewStore creates a store over the data root.
func NewStore(root *store.Root, locks *store.LockTable) *Store {
	return &Store{root: root, locks: locks, clock: time.Now}
}

// SaveOptions tune how a memory is recorded.
type SaveOptions struct {
	SourceType string // defaults to "inferred"
	Confidence float64
	Tags       []string
	ValidFrom  string // YYYY-MM-DD, defaults to today
	RelatedTo  []string
	// Visibility overrides the category default when non-empty.
	Visibility Visibility
}

// Save records a new memory. If an active memory with identical
// content (case-insensitive) already exists it is returned unchanged
// and created is false.
func (s *Store) Save(userID int64, content, category string, opts SaveOptions) (mem *Memory, created bool, err error) {
	err = s.withDocument(userID, func(doc *document) error {
		for _, existing := range doc.Memories {
			if existing.Active() && strings.EqualFold(existing.Content, content) {
				mem = existing
				return errNoSave
			}
		}
		mem = s.newMemory(content, category, opts, &doc.Preferences)
		// Newest first.
		doc.Memories = append([]*Memory{mem}, doc.Memories...)
		doc.TotalCreated++
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		slog.Info("memory.saved", "user_id", userID, "memory_id", mem.ID, "category", category)
	}
	return mem, created, nil
}

// SaveSuperseding records a new memory replacing an old one. The old
// memory is kept, marked superseded, and closes its validity window.
// If the old id is unknown the memory is saved as new.
func (s *Store) SaveSuperseding(userID int64, content, category, supersedesID string, opts SaveOptions) (*Memory, error) {
	var mem *Memory
	err := s.withDocument(userID, func(doc *document) error {
		var old *Memory
		for _, m := range doc.Memories {
			if m.ID == supersedesID {
				old = m
				break
			}
		}
		if old == nil {
			mem = s.newMemory(content, category, opts, &doc.Preferences)
		} else {
			if opts.Visibility == "" {
				opts.Visibility = old.Visibility
			}
			if opts.Tags == nil {
				opts.Tags = old.Tags
			}
			if opts.RelatedTo == nil {
				opts.RelatedTo = old.RelatedTo
			}
			mem = s.newMemory(content, category, opts, &doc.Preferences)
			mem.Supersedes = supersedesID
			old.SupersededBy = mem.ID
			old.ValidUntil = s.clock().Format("2006-01-02")
		}
		doc.Memories = append([]*Memory{mem}, doc.Memories...)
		doc.TotalCreated++
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("memory.superseded", "user_id", userID, "old", supersedesID, "new", mem.ID)
	return mem, nil
}

// Update patches an existing memory. A visibility change is treated as
// a user correction and updates the category's visibility preference.
type Update struct {
	Content       *string
	Visibility    *Visibility
	UserConfirmed *bool
	Tags          []string
}

func (s *Store) Update(userID int64, memoryID string, upd Update) error {
	return s.withDocument(userID, func(doc *document) error {
		for _, m := range doc.Memories {
			if m.ID != memoryID {
				continue
			}
			if upd.Content != nil {
				m.Content = *upd.Content
			}
			if upd.Visibility != nil {
				m.Visibility = *upd.Visibility
				if doc.Preferences.VisibilityOverrides == nil {
					doc.Preferences.VisibilityOverrides = make(map[string]Visibility)
				}
				doc.Preferences.VisibilityOverrides[m.Category] = *upd.Visibility
			}
			if upd.UserConfirmed != nil {
				m.UserConfirmed = *upd.UserConfirmed
			}
			if upd.Tags != nil {
				m.Tags = upd.Tags
			}
			doc.TotalCorrections++
			return nil
		}
		return fmt.Errorf("memory %s not found", memoryID)
	})
}

// Delete removes a memory permanently.
func (s *Store) Delete(userID int64, memoryID string) error {
	return s.withDocument(userID, func(doc *document) error {
		for i, m := range doc.Memories {
			if m.ID == memoryID {
				doc.Memories = append(doc.Memories[:i], doc.Memories[i+1:]...)
				doc.TotalDeleted++
				return nil
			}
		}
		return fmt.Errorf("memory %s not found", memoryID)
	})
}

// Query filters a Search. Zero values mean "no filter".
type Query struct {
	Keyword    string
	Category   string
	Visibility Visibility
	// IncludeSuperseded also returns inactive memories.
	IncludeSuperseded bool
	Limit             int // 0 = default of 10
}

// Search scans memories in storage order (newest first). The keyword
// matches content or tags, case-insensitive.
func (s *Store) Search(userID int64, q Query) ([]*Memory, error) {
	doc, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	keyword := strings.ToLower(q.Keyword)

	var results []*Memory
	for _, m := range doc.Memories {
		if !q.IncludeSuperseded && !m.Active() {
			continue
		}
		if q.Category != "" && m.Category != q.Category {
			continue
		}
		if q.Visibility != "" && m.Visibility != q.Visibility {
			continue
		}
		if keyword != "" && !matchesKeyword(m, keyword) {
			continue
		}
		results = append(results, m)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Timeline returns every memory of a category, superseded included,
// ordered oldest first by validity start.
func (s *Store) Timeline(userID int64, category string) ([]*Memory, error) {
	doc, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	var results []*Memory
	for _, m := range doc.Memories {
		if m.Category == category {
			results = append(results, m)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].ValidFrom < results[j].ValidFrom
	})
	return results, nil
}

// Public returns active public memories, for contexts shared beyond
// the user's own sessions.
func (s *Store) Public(userID int64) ([]*Memory, error) {
	return s.Search(userID, Query{Visibility: VisibilityPublic, Limit: 100})
}

// SetCategoryVisibility records an explicit visibility preference.
func (s *Store) SetCategoryVisibility(userID int64, category string, v Visibility) error {
	if v != VisibilityPublic && v != VisibilityPrivate {
		return fmt.Errorf("invalid visibility %q", v)
	}
	return s.withDocument(userID, func(doc *document) error {
		if doc.Preferences.VisibilityOverrides == nil {
			doc.Preferences.VisibilityOverrides = make(map[string]Visibility)
		}
		doc.Preferences.VisibilityOverrides[category] = v
		return nil
	})
}

// Stats summarizes the user's store.
func (s *Store) Stats(userID int64) (*Stats, error) {
	doc, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Total:        len(doc.Memories),
		ByCategory:   make(map[string]int),
		ByVisibility: make(map[string]int),
		Created:      doc.TotalCreated,
		Deleted:      doc.TotalDeleted,
		Corrections:  doc.TotalCorrections,
	}
	for _, m := range doc.Memories {
		st.ByCategory[m.Category]++
		st.ByVisibility[string(m.Visibility)]++
		if m.Active() {
			st.Active++
		}
	}
	return st, nil
}

func (s *Store) newMemory(content, category string, opts SaveOptions, prefs *Preferences) *Memory {
	now := s.clock()
	if opts.SourceType == "" {
		opts.SourceType = "inferred"
	}
	if opts.Confidence == 0 {
		opts.Confidence = 0.8
	}
	if opts.ValidFrom == "" {
		opts.ValidFrom = now.Format("2006-01-02")
	}
	visibility := opts.Visibility
	if visibility == "" {
		visibility = prefs.VisibilityFor(category)
	}
	return &Memory{
		ID:         fmt.Sprintf("mem_%s_%s", now.Format("20060102"), uuid.NewString()[:6]),
		Content:    content,
		Category:   category,
		Visibility: visibility,
		SourceType: opts.SourceType,
		Confidence: opts.Confidence,
		Tags:       opts.Tags,
		CreatedAt:  now.UTC(),
		ValidFrom:  opts.ValidFrom,
		RelatedTo:  opts.RelatedTo,
	}
}

func matchesKeyword(m *Memory, keyword string) bool {
	if strings.Contains(strings.ToLower(m.Content), keyword) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), keyword) {
			return true
		}
	}
	return false
}

// errNoSave aborts withDocument without persisting; not an error for
// callers.
var errNoSave = fmt.Errorf("no save needed")

func (s *Store) withDocument(userID int64, fn func(*document) error) error {
	path := s.root.MemoriesFile(userID)
	defer s.locks.Lock(path)()

	doc, err := s.loadLocked(path)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		if err == errNoSave {
			return nil
		}
		return err
	}
	doc.LastUpdated = s.clock().UTC()
	return store.WriteJSON(path, doc)
}

func (s *Store) load(userID int64) (*document, error) {
	path := s.root.MemoriesFile(userID)
	defer s.locks.Lock(path)()
	return s.loadLocked(path)
}

func (s *Store) loadLocked(path string) (*document, error) {
	var doc document
	err := store.ReadJSON(path, &doc)
	if os.IsNotExist(err) {
		return &document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	return &doc, nil
}
