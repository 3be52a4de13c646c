// Package session owns the authoritative Session aggregate. Every
// mutation to a session funnels through Store.Apply, which serializes
// message-driven and timer-driven transitions on a per-session mutex:
// whichever arrives first wins, the loser observes the updated state.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dmitro3/flipnosis/internal/models"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when creating a session with a taken id.
	ErrExists = errors.New("session already exists")
)

// DueKind identifies which deadline of a session fired.
type DueKind string

const (
	DueDeposit DueKind = "DEPOSIT"
	DueChoice  DueKind = "CHOICE"
)

// Due describes a session whose deadline has passed.
type Due struct {
	SessionID uuid.UUID
	Kind      DueKind
	Deadline  time.Time
}

// Store holds all live sessions. Cross-session operations are fully
// parallel; each session is guarded by its own mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
	clock    clockwork.Clock
}

type entry struct {
	mu sync.Mutex
	s  *models.Session
}

// NewStore creates an empty session store.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		sessions: make(map[uuid.UUID]*entry),
		clock:    clock,
	}
}

// Create registers a new session.
func (st *Store) Create(s *models.Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[s.ID]; ok {
		return ErrExists
	}
	now := st.clock.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	st.sessions[s.ID] = &entry{s: s}
	return nil
}

// Apply runs fn against the session under its per-session mutex. fn
// must be fast and in-memory; no I/O while the lock is held.
func (st *Store) Apply(id uuid.UUID, fn func(s *models.Session) error) error {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e.s); err != nil {
		return err
	}
	e.s.UpdatedAt = st.clock.Now().UTC()
	return nil
}

// Snapshot returns a deep copy of the session for read-only use. This
// is the history/rehydration projection sent to (re)connecting clients.
func (st *Store) Snapshot(id uuid.UUID) (models.Session, error) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return models.Session{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(e.s), nil
}

// Remove drops a terminal session from the live set.
func (st *Store) Remove(id uuid.UUID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// NextDeadline returns the earliest pending deadline across all live
// sessions, or nil when no timer is outstanding.
func (st *Store) NextDeadline() *Due {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	var next *Due
	for _, e := range entries {
		e.mu.Lock()
		d := pendingDeadline(e.s)
		e.mu.Unlock()
		if d != nil && (next == nil || d.Deadline.Before(next.Deadline)) {
			next = d
		}
	}
	return next
}

// DueSessions returns every session whose deadline is at or before now.
func (st *Store) DueSessions(now time.Time) []Due {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	var due []Due
	for _, e := range entries {
		e.mu.Lock()
		d := pendingDeadline(e.s)
		e.mu.Unlock()
		if d != nil && !d.Deadline.After(now) {
			due = append(due, *d)
		}
	}
	return due
}

func pendingDeadline(s *models.Session) *Due {
	switch {
	case s.Status == models.SessionStatusAwaitingDeposit && s.DepositDeadline != nil:
		return &Due{SessionID: s.ID, Kind: DueDeposit, Deadline: *s.DepositDeadline}
	case s.Status == models.SessionStatusActive && s.Phase == models.PhaseChoosing && s.RoundDeadline != nil:
		return &Due{SessionID: s.ID, Kind: DueChoice, Deadline: *s.RoundDeadline}
	default:
		return nil
	}
}

func copySession(s *models.Session) models.Session {
	out := *s
	if s.Rounds != nil {
		out.Rounds = make([]models.RoundResult, len(s.Rounds))
		copy(out.Rounds, s.Rounds)
	}
	if s.CreatorPower != nil {
		p := *s.CreatorPower
		out.CreatorPower = &p
	}
	if s.ChallengerPower != nil {
		p := *s.ChallengerPower
		out.ChallengerPower = &p
	}
	if s.DepositDeadline != nil {
		t := *s.DepositDeadline
		out.DepositDeadline = &t
	}
	if s.RoundDeadline != nil {
		t := *s.RoundDeadline
		out.RoundDeadline = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
