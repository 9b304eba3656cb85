// Package memory is the per-user long-term memory store: discrete
// facts the agent learned about a user, with category-based visibility
// and supersede chains for facts that change over time.
package memory

import "time"

// Visibility controls where a memory may be used.
type Visibility string

const (
	// VisibilityPublic memories may surface in shared contexts.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate memories stay within the user's own sessions.
	VisibilityPrivate Visibility = "private"
)

// Categories a memory can belong to.
const (
	CategoryPersonal      = "personal"
	CategoryFamily        = "family"
	CategoryCareer        = "career"
	CategoryEducation     = "education"
	CategoryInterests     = "interests"
	CategoryPreferences   = "preferences"
	CategoryGoals         = "goals"
	CategoryFinance       = "finance"
	CategoryHealth        = "health"
	CategorySchedule      = "schedule"
	CategoryContext       = "context"
	CategoryRelationships = "relationships"
	CategoryEmotions      = "emotions"
)

var allCategories = map[string]struct{}{
	CategoryPersonal: {}, CategoryFamily: {}, CategoryCareer: {},
	CategoryEducation: {}, CategoryInterests: {}, CategoryPreferences: {},
	CategoryGoals: {}, CategoryFinance: {}, CategoryHealth: {},
	CategorySchedule: {}, CategoryContext: {}, CategoryRelationships: {},
	CategoryEmotions: {},
}

// ValidCategory reports whether name is a known category.
func ValidCategory(name string) bool {
	_, ok := allCategories[name]
	return ok
}

// defaultVisibility is the out-of-the-box visibility per category.
// Unknown categories default to private.
var defaultVisibility = map[string]Visibility{
	CategoryCareer:    VisibilityPublic,
	CategoryInterests: VisibilityPublic,
	CategoryGoals:     VisibilityPublic,
	CategoryEducation: VisibilityPublic,
}

// Memory is one remembered fact.
type Memory struct {
	ID            string     `json:"id"`
	Content       string     `json:"content"`
	Category      string     `json:"category"`
	Visibility    Visibility `json:"visibility"`
	SourceType    string     `json:"source_type"` // "explicit" or "inferred"
	Confidence    float64    `json:"confidence"`
	UserConfirmed bool       `json:"user_confirmed"`
	Supersedes    string     `json:"supersedes,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ValidFrom     string     `json:"valid_from"`            // YYYY-MM-DD
	ValidUntil    string     `json:"valid_until,omitempty"` // YYYY-MM-DD
	RelatedTo     []string   `json:"related_to,omitempty"`
}

// Active reports whether the memory has not been superseded.
func (m *Memory) Active() bool { return m.SupersededBy == "" }

// Preferences holds the user's memory-handling preferences.
type Preferences struct {
	// VisibilityOverrides replaces the default visibility per category,
	// learned from user corrections or set explicitly.
	VisibilityOverrides map[string]Visibility `json:"visibility_overrides,omitempty"`
	DisabledCategories  []string              `json:"disabled_categories,omitempty"`
}

// VisibilityFor resolves a category's effective visibility.
func (p *Preferences) VisibilityFor(category string) Visibility {
	if v, ok := p.VisibilityOverrides[category]; ok {
		return v
	}
	if v, ok := defaultVisibility[category]; ok {
		return v
	}
	return VisibilityPrivate
}

// document is the on-disk layout of memories.json. Memories are kept
// newest first.
type document struct {
	Memories    []*Memory   `json:"memories"`
	Preferences Preferences `json:"preferences"`
	LastUpdated time.Time   `json:"last_updated"`

	TotalCreated     int `json:"total_memories_created"`
	TotalDeleted     int `json:"total_memories_deleted"`
	TotalCorrections int `json:"total_user_corrections"`
}

// Stats summarizes a user's memory store.
type Stats struct {
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	ByCategory   map[string]int `json:"by_category"`
	ByVisibility map[string]int `json:"by_visibility"`
	Created      int            `json:"total_created"`
	Deleted      int            `json:"total_deleted"`
	Corrections  int            `json:"total_corrections"`
}
