package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceFactory builds the service backing a newly opened session.
type ServiceFactory func(sessionID string) *Service

// Sessions holds one independent registry per user session. Sessions never
// share cell state.
type Sessions struct {
	mu       sync.RWMutex
	factory  ServiceFactory
	clock    Clock
	logger   Logger
	sessions map[string]*session
}

type session struct {
	service  *Service
	openedAt time.Time
	lastSeen time.Time
}

// SessionInfo describes an open session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Cells    int       `json:"cells"`
	OpenedAt time.Time `json:"opened_at"`
	LastSeen time.Time `json:"last_seen"`
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithSessionsClock overrides the clock used for idle tracking.
func WithSessionsClock(clock Clock) SessionsOption {
	return func(s *Sessions) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSessionsLogger sets the logger for session lifecycle events.
func WithSessionsLogger(logger Logger) SessionsOption {
	return func(s *Sessions) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSessions constructs an empty session table. A nil factory creates
// in-memory services with default rules.
func NewSessions(factory ServiceFactory, opts ...SessionsOption) *Sessions {
	if factory == nil {
		factory = func(string) *Service { return NewInMemoryService(nil) }
	}
	s := &Sessions{
		factory:  factory,
		clock:    systemClock{},
		logger:   noopLogger{},
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a session with an empty registry and returns its id.
func (s *Sessions) Open() (string, *Service) {
	id := uuid.NewString()
	svc := s.factory(id)
	now := s.clock.Now()
	s.mu.Lock()
	s.sessions[id] = &session{service: svc, openedAt: now, lastSeen: now}
	s.mu.Unlock()
	s.logger.Info("session opened", "session", id)
	return id, svc
}

// Get returns the service for id and marks the session as seen.
func (s *Sessions) Get(id string) (*Service, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	sess.lastSeen = s.clock.Now()
	return sess.service, nil
}

// Close drops a session and its registry. It reports whether the session
// existed.
func (s *Sessions) Close(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		s.logger.Info("session closed", "session", id)
	}
	return ok
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// List describes every open session ordered by opening time.
func (s *Sessions) List() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, SessionInfo{
			ID:       id,
			Cells:    sess.service.Registry().Len(),
			OpenedAt: sess.openedAt,
			LastSeen: sess.lastSeen,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Each calls fn for every open session without marking it as seen.
func (s *Sessions) Each(fn func(id string, svc *Service)) {
	s.mu.RLock()
	pairs := make(map[string]*Service, len(s.sessions))
	for id, sess := range s.sessions {
		pairs[id] = sess.service
	}
	s.mu.RUnlock()
	for id, svc := range pairs {
		fn(id, svc)
	}
}

// Expire closes sessions idle for longer than ttl and returns their ids.
func (s *Sessions) Expire(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := s.clock.Now().Add(-ttl)
	var expired []string
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(expired)
	for _, id := range expired {
		s.logger.Info("session expired", "session", id, "ttl", ttl)
	}
	return expired
}
