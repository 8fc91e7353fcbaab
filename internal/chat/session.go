package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/visionbot/internal/metrics"
	"github.com/bdougie/visionbot/internal/models"
)

// ErrSessionNotFound is returned for unknown or closed session ids
var ErrSessionNotFound = errors.New("session not found")

// Session holds the conversation history of one user. History is
// append-only.
type Session struct {
	ID      string
	Created time.Time

	mu      sync.Mutex
	history []models.ConversationTurn
}

func NewSession() *Session {
	return &Session{
		ID:      uuid.NewString(),
		Created: time.Now(),
	}
}

func (s *Session) append(turn models.ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turn)
}

// History returns a copy of the turns in insertion order
func (s *Session) History() []models.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ConversationTurn, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Sessions tracks open sessions by id
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *metrics.Metrics
}

func NewSessions(m *metrics.Metrics) *Sessions {
	return &Sessions{
		sessions: make(map[string]*Session),
		metrics:  m,
	}
}

// Create opens a new session
func (r *Sessions) Create() *Session {
	s := NewSession()

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.metrics.SessionOpened()
	return s
}

func (r *Sessions) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close forgets the session. Its history is discarded.
func (r *Sessions) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	r.metrics.SessionClosed()
	return nil
}

func (r *Sessions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
