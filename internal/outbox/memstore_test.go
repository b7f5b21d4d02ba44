package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/bissquit/trail-outbox/internal/domain"
)

// memStore is an in-memory Store with per-operation failure injection.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	actions map[int64]*domain.Action
	dead    []domain.DeadLetter
	fail    map[string]error
	calls   map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		actions: make(map[int64]*domain.Action),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (s *memStore) failOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *memStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *memStore) enter(op string) error {
	s.calls[op]++
	return s.fail[op]
}

func (s *memStore) Add(_ context.Context, action *domain.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("add"); err != nil {
		return err
	}
	s.nextID++
	action.ID = s.nextID
	s.actions[action.ID] = action.Clone()
	return nil
}

func (s *memStore) GetAll(_ context.Context) ([]*domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get_all"); err != nil {
		return nil, err
	}
	out := make([]*domain.Action, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *memStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("count"); err != nil {
		return 0, err
	}
	return len(s.actions), nil
}

func (s *memStore) Get(_ context.Context, id int64) (*domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get"); err != nil {
		return nil, err
	}
	a, ok := s.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return a.Clone(), nil
}

func (s *memStore) Put(_ context.Context, action *domain.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("put"); err != nil {
		return err
	}
	if _, ok := s.actions[action.ID]; !ok {
		return ErrActionNotFound
	}
	s.actions[action.ID] = action.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("delete"); err != nil {
		return err
	}
	if _, ok := s.actions[id]; !ok {
		return ErrActionNotFound
	}
	delete(s.actions, id)
	return nil
}

func (s *memStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("clear"); err != nil {
		return err
	}
	s.actions = make(map[int64]*domain.Action)
	return nil
}

func (s *memStore) Bury(_ context.Context, action *domain.Action, reason domain.DeadLetterReason, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("bury"); err != nil {
		return err
	}
	if _, ok := s.actions[action.ID]; !ok {
		return ErrActionNotFound
	}
	delete(s.actions, action.ID)
	s.dead = append(s.dead, domain.DeadLetter{
		ID:        int64(len(s.dead) + 1),
		Action:    *action.Clone(),
		Reason:    reason,
		LastError: lastErr,
		FailedAt:  time.Now(),
	})
	return nil
}

func (s *memStore) DeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("dead_letters"); err != nil {
		return nil, err
	}
	out := make([]domain.DeadLetter, 0, len(s.dead))
	for i := len(s.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.dead[i])
	}
	return out, nil
}

func (s *memStore) PurgeDeadLetters(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("purge"); err != nil {
		return 0, err
	}
	n := int64(len(s.dead))
	s.dead = nil
	return n, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot(id int64) (*domain.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}
