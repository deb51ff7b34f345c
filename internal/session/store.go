package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Store holds sessions in memory, keyed by id. Sessions and pending actions
// relate by id lookup only, so the store never holds references into other
// components' state. All methods return deep clones; callers mutate through
// Save, never through a returned pointer.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*models.Session)}
}

// Create inserts a new session. Ids are never silently reused.
func (s *Store) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// Get returns a clone of the session.
func (s *Store) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return cloneSession(session), nil
}

// Save replaces the stored session with a clone of the given one.
func (s *Store) Save(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID)
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// Delete removes the session.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

// List returns clones of every session.
func (s *Store) List(_ context.Context) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, cloneSession(session))
	}
	return out
}

// Count returns the number of open sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func cloneSession(src *models.Session) *models.Session {
	c := *src
	c.Turns = make([]models.Turn, len(src.Turns))
	for i, turn := range src.Turns {
		c.Turns[i] = turn
		if turn.Metadata != nil {
			meta := make(map[string]any, len(turn.Metadata))
			for k, v := range turn.Metadata {
				meta[k] = v
			}
			c.Turns[i].Metadata = meta
		}
	}
	c.ActiveTools = append([]string(nil), src.ActiveTools...)
	c.PendingIDs = append([]string(nil), src.PendingIDs...)
	return &c
}
