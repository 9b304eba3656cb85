// Package sessions maintains at most one active conversation per user,
// appends turns to its transcript and archives it with a summary when
// it expires.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agenthost/internal/store"
)

// ExpireReason says why a session ended.
type ExpireReason string

const (
	ReasonTimeout       ExpireReason = "timeout"
	ReasonRemoteUnknown ExpireReason = "remote_unknown"
	ReasonManualNew     ExpireReason = "manual_new"
	ReasonCompact       ExpireReason = "compact"
)

// Usage is the per-turn accounting applied to a session.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Session is one active conversation.
type Session struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Turns        int       `json:"turns"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	// RemoteID is the backend's conversation token. Empty until the
	// first backend call succeeds.
	RemoteID string `json:"remote_id,omitempty"`
}

// Summarizer condenses a transcript. Satisfied by the model backend.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}

// Options configure a Manager.
type Options struct {
	Timeout         time.Duration
	StaleThreshold  time.Duration
	RecoveryTail    int // chars of transcript in a recovery block
	RecentSummaries int // summaries included in a recovery block
	LogRetention    int // days
}

// Manager owns sessions and their transcripts.
type Manager struct {
	root       *store.Root
	locks      *store.LockTable
	summarizer Summarizer
	opts       Options
	clock      func() time.Time

	mu       sync.Mutex
	active   map[int64]*Session
	expiring map[int64]chan struct{}

	logger *chatLogger
}

// NewManager loads the active-session index from disk.
func NewManager(root *store.Root, locks *store.LockTable, summarizer Summarizer, opts Options) (*Manager, error) {
	if opts.Timeout == 0 {
		opts.Timeout = time.Hour
	}
	if opts.StaleThreshold == 0 {
		opts.StaleThreshold = 10 * time.Minute
	}
	if opts.RecoveryTail == 0 {
		opts.RecoveryTail = 8000
	}
	if opts.RecentSummaries == 0 {
		opts.RecentSummaries = 3
	}
	if opts.LogRetention == 0 {
		opts.LogRetention = 30
	}
	m := &Manager{
		root:       root,
		locks:      locks,
		summarizer: summarizer,
		opts:       opts,
		clock:      time.Now,
		active:     make(map[int64]*Session),
		expiring:   make(map[int64]chan struct{}),
		logger:     &chatLogger{root: root, locks: locks, clock: time.Now},
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	var records map[string]*Session
	err := store.ReadJSON(m.root.SessionsFile(), &records)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	for idStr, s := range records {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("sessions index: bad user id %q", idStr)
		}
		s.UserID = id
		m.active[id] = s
	}
	slog.Info("sessions.loaded", "count", len(m.active))
	return nil
}

// saveLocked persists the active-session index. Caller holds m.mu.
func (m *Manager) saveLocked() error {
	records := make(map[string]*Session, len(m.active))
	for id, s := range m.active {
		records[strconv.FormatInt(id, 10)] = s
	}
	defer m.locks.Lock(m.root.SessionsFile())()
	return store.WriteJSON(m.root.SessionsFile(), records)
}

// OpenOrResume returns the user's active session, expiring a timed-out
// one first. resumed is false when a fresh session was created.
func (m *Manager) OpenOrResume(ctx context.Context, userID int64) (s *Session, resumed bool, err error) {
	m.mu.Lock()
	existing := m.active[userID]
	fresh := existing == nil || m.expired(existing)
	m.mu.Unlock()

	if existing != nil && fresh {
		if err := m.Expire(ctx, userID, ReasonTimeout); err != nil {
			return nil, false, err
		}
	}
	if !fresh {
		return existing, true, nil
	}

	now := m.clock().UTC()
	s = &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.mu.Lock()
	m.active[userID] = s
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	slog.Info("sessions.created", "user_id", userID, "session_id", sessionShort(s.ID))
	return s, false, nil
}

// Active returns the user's session without side effects, or nil.
func (m *Manager) Active(userID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active[userID]
	if s == nil || m.expired(s) {
		return nil
	}
	return s
}

func (m *Manager) expired(s *Session) bool {
	if m.opts.Timeout <= 0 {
		return false
	}
	return m.clock().Sub(s.LastActivity) >= m.opts.Timeout
}

// RecordTurn appends one turn to the transcript and updates the
// session's counters. A persistence failure leaves the session usable
// for a retry.
func (m *Manager) RecordTurn(s *Session, role, body string, usage *Usage) error {
	if err := m.logger.Append(s.UserID, s.ID, role, body); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastActivity = m.clock().UTC()
	s.Turns++
	if role == "user" {
		s.MessageCount++
	}
	if usage != nil {
		s.InputTokens += usage.InputTokens
		s.OutputTokens += usage.OutputTokens
		s.Cost += usage.Cost
	}
	return m.saveLocked()
}

// SetRemoteID records the backend's conversation token.
func (m *Manager) SetRemoteID(s *Session, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.RemoteID = remoteID
	return m.saveLocked()
}

// Stale reports whether recovery context should accompany the next
// backend call.
func (m *Manager) Stale(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active[userID]
	if s == nil {
		return true
	}
	return m.clock().Sub(s.LastActivity) >= m.opts.StaleThreshold
}

// Expire archives and removes the user's session. Only one expiry runs
// per user; concurrent callers wait for the in-flight one. A failed
// summarization never blocks expiry: a deterministic fallback summary
// is written instead.
func (m *Manager) Expire(ctx context.Context, userID int64, reason ExpireReason) error {
	m.mu.Lock()
	if inFlight, ok := m.expiring[userID]; ok {
		m.mu.Unlock()
		select {
		case <-inFlight:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	s := m.active[userID]
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	m.expiring[userID] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.expiring, userID)
		m.mu.Unlock()
		close(done)
	}()

	transcript := m.logger.Read(userID, s.ID)
	summary := ""
	if transcript != "" {
		var err error
		summary, err = m.summarizer.Summarize(ctx, transcript, 2000)
		if err != nil || strings.TrimSpace(summary) == "" {
			slog.Warn("sessions.summarize_failed", "user_id", userID, "error", err)
			summary = fallbackSummary(transcript, s)
		}
	} else {
		summary = fallbackSummary(transcript, s)
	}
	summary = fmt.Sprintf("Ended: %s\n\n%s", reason, summary)

	if err := m.logger.Archive(userID, s.ID, summary); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.active, userID)
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	slog.Info("sessions.expired", "user_id", userID, "session_id", sessionShort(s.ID), "reason", reason, "turns", s.Turns)
	return nil
}

// RecoverContext builds the context block sent to the backend after a
// lost remote session or a long idle gap: the transcript tail plus the
// most recent summaries.
func (m *Manager) RecoverContext(userID int64) string {
	var b strings.Builder

	summaries := m.logger.RecentSummaries(userID, m.opts.RecentSummaries)
	if len(summaries) > 0 {
		b.WriteString("## Previous conversations\n")
		for i := len(summaries) - 1; i >= 0; i-- {
			b.WriteString(summaries[i])
			b.WriteString("\n")
		}
	}

	if s := m.Active(userID); s != nil {
		if transcript := m.logger.Read(userID, s.ID); transcript != "" {
			tail := transcript
			if len(tail) > m.opts.RecoveryTail {
				tail = tail[len(tail)-m.opts.RecoveryTail:]
			}
			b.WriteString("## Current conversation (tail)\n")
			b.WriteString(tail)
		}
	}
	return b.String()
}

// ExpireTimedOut archives every session past its timeout. Called
// periodically by the host.
func (m *Manager) ExpireTimedOut(ctx context.Context) {
	m.mu.Lock()
	var due []int64
	for userID, s := range m.active {
		if m.expired(s) {
			due = append(due, userID)
		}
	}
	m.mu.Unlock()
	for _, userID := range due {
		if err := m.Expire(ctx, userID, ReasonTimeout); err != nil {
			slog.Error("sessions.expire_failed", "user_id", userID, "error", err)
		}
	}
}

// CleanupOldLogs removes transcripts and summaries past retention.
func (m *Manager) CleanupOldLogs(userID int64) int {
	return m.logger.CleanupOldLogs(userID, m.opts.LogRetention)
}

// fallbackSummary is the deterministic stand-in used when the backend
// cannot summarize: transcript head and tail plus aggregate stats.
func fallbackSummary(transcript string, s *Session) string {
	const window = 1200
	var b strings.Builder
	fmt.Fprintf(&b, "(automatic summary) %d messages, %d turns, %d+%d tokens.\n",
		s.MessageCount, s.Turns, s.InputTokens, s.OutputTokens)
	if transcript == "" {
		return b.String()
	}
	if len(transcript) <= 2*window {
		b.WriteString(transcript)
		return b.String()
	}
	b.WriteString(transcript[:window])
	b.WriteString("\n...\n")
	b.WriteString(transcript[len(transcript)-window:])
	return b.String()
}
