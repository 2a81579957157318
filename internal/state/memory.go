package state

import (
	"context"
	"sync"

	"github.com/flowsync/coordinator/internal/timer"
)

// MemoryStore is an in-process Store used by tests. It mirrors the Redis
// semantics including the conditional presenter clear.
type MemoryStore struct {
	mu           sync.Mutex
	tokens       map[string]map[string]bool
	timers       map[string]timer.State
	presenters   map[string]string
	participants map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:       make(map[string]map[string]bool),
		timers:       make(map[string]timer.State),
		presenters:   make(map[string]string),
		participants: make(map[string]map[string]bool),
	}
}

// PutToken registers a join token, standing in for the issuing API.
func (s *MemoryStore) PutToken(roomCode, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[roomCode] == nil {
		s.tokens[roomCode] = make(map[string]bool)
	}
	s.tokens[roomCode][token] = true
}

func (s *MemoryStore) TokenExists(_ context.Context, roomCode, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[roomCode][token], nil
}

func (s *MemoryStore) TimerState(_ context.Context, roomCode string) (*timer.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.timers[roomCode]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStore) SetTimerState(_ context.Context, roomCode string, st timer.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[roomCode] = st
	return nil
}

func (s *MemoryStore) ClearTimerState(_ context.Context, roomCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, roomCode)
	return nil
}

func (s *MemoryStore) Presenter(_ context.Context, roomCode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenters[roomCode], nil
}

func (s *MemoryStore) SetPresenter(_ context.Context, roomCode, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenters[roomCode] = connID
	return nil
}

func (s *MemoryStore) ClearPresenterIf(_ context.Context, roomCode, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presenters[roomCode] != connID {
		return false, nil
	}
	delete(s.presenters, roomCode)
	return true, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, roomCode, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participants[roomCode] == nil {
		s.participants[roomCode] = make(map[string]bool)
	}
	s.participants[roomCode][connID] = true
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, roomCode, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants[roomCode], connID)
	return nil
}
