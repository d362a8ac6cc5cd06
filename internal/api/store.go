package api

import (
	"sync"
	"time"

	"github.com/samcharles93/retention/internal/retention"
)

const (
	DefaultMaxSessions = 1024
	DefaultSessionTTL  = 30 * time.Minute
)

// session is one caller's recurrent decoding context. mu serialises forward
// calls because the accumulator is strictly sequential.
type session struct {
	mu        sync.Mutex
	id        string
	batch     int
	createdAt time.Time
	state     *retention.State
	cache     *retention.RotaryCache

	// lastUsed is guarded by the store's mutex.
	lastUsed time.Time
}

func (s *session) snapshot() SessionResp {
	return SessionResp{
		ID:         s.id,
		Object:     "retention.session",
		CreatedAt:  s.createdAt.Unix(),
		Batch:      s.batch,
		Position:   s.state.Pos,
		StateShape: s.state.Shape(),
	}
}

// SessionStore holds open sessions. It is bounded by a session count and an
// idle TTL; expired sessions are dropped by Sweep.
type SessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*session
	maxSessions int
	ttl         time.Duration
}

type StoreOption func(*SessionStore)

// WithMaxSessions caps the number of open sessions. n <= 0 removes the cap.
func WithMaxSessions(n int) StoreOption {
	return func(s *SessionStore) { s.maxSessions = n }
}

// WithSessionTTL sets how long a session may sit idle before Sweep drops it.
// d <= 0 disables expiry.
func WithSessionTTL(d time.Duration) StoreOption {
	return func(s *SessionStore) { s.ttl = d }
}

func NewSessionStore(opts ...StoreOption) *SessionStore {
	s := &SessionStore{
		sessions:    make(map[string]*session),
		maxSessions: DefaultMaxSessions,
		ttl:         DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a session, or fails with ErrSessionLimit when the store is
// full. Callers should Sweep first so that idle sessions make room.
func (s *SessionStore) Create(batch int, now time.Time) (*session, error) {
	sess := &session{
		id:        newSessionID(),
		batch:     batch,
		createdAt: now,
		lastUsed:  now,
		state:     retention.NewState(),
		cache:     retention.NewRotaryCache(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return nil, ErrSessionLimit
	}
	s.sessions[sess.id] = sess
	return sess, nil
}

// Get looks up a session and marks it used at now.
func (s *SessionStore) Get(id string, now time.Time) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		sess.lastUsed = now
	}
	return sess, ok
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Sweep drops sessions idle for longer than the TTL and returns how many
// were removed.
func (s *SessionStore) Sweep(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastUsed) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
