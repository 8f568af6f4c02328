package multiagent

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agent-orchestrator/internal/domain"
)

// HistoryKey is the query-context key under which agents receive the
// session's previous turns.
const HistoryKey = "history"

// Defaults.
const (
	DefaultSessionHistory = 10
	DefaultSessionTTL     = time.Hour
)

// Turn is one answered query within a session.
type Turn struct {
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	AgentName string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`
}

// Session keeps the most recent turns of one caller conversation.
type Session struct {
	mu        sync.RWMutex
	ID        string    `json:"id"` // ULID
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// History returns a copy of the recorded turns, oldest first.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]Turn, len(s.Turns))
	copy(cp, s.Turns)
	return cp
}

func (s *Session) add(t Turn, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns = append(s.Turns, t)
	if over := len(s.Turns) - limit; over > 0 {
		s.Turns = append(s.Turns[:0:0], s.Turns[over:]...)
	}
	s.UpdatedAt = t.Timestamp
}

func (s *Session) lastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UpdatedAt
}

// SessionStore is an in-memory set of sessions with bounded history.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	limit    int
	ttl      time.Duration
	bus      domain.EventBus
	now      func() time.Time
}

// NewSessionStore creates a store keeping limit turns per session and
// treating sessions idle for longer than ttl as expired. bus may be nil.
func NewSessionStore(limit int, ttl time.Duration, bus domain.EventBus) *SessionStore {
	if limit <= 0 {
		limit = DefaultSessionHistory
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		limit:    limit,
		ttl:      ttl,
		bus:      bus,
		now:      time.Now,
	}
}

func newSessionID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// GetOrCreate returns the session for id. An empty or unknown id starts a
// new session with a fresh ULID.
func (st *SessionStore) GetOrCreate(ctx context.Context, id string) *Session {
	if id != "" {
		st.mu.RLock()
		s, ok := st.sessions[id]
		st.mu.RUnlock()
		if ok {
			return s
		}
	}

	now := st.now()
	s := &Session{ID: newSessionID(now), CreatedAt: now, UpdatedAt: now}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	domain.PublishEvent(domain.ContextWithSessionID(ctx, s.ID), st.bus, domain.EventSessionCreated, map[string]any{
		"session_id":   s.ID,
		"requested_id": id,
	})
	return s
}

// Get returns the session for id, or ErrNotFound.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, domain.NewDomainError("SessionStore.Get", domain.ErrNotFound, id)
	}
	return s, nil
}

// Append records a turn on the session.
func (st *SessionStore) Append(s *Session, t Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = st.now()
	}
	s.add(t, st.limit)
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Prune drops sessions idle for longer than the TTL and returns how many
// were removed.
func (st *SessionStore) Prune() int {
	cutoff := st.now().Add(-st.ttl)

	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		if s.lastUpdate().Before(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}
