package store

import (
	"context"
	"sync"
	"time"

	"github.com/statebus/statebus.go/pkg/constants"
	"github.com/statebus/statebus.go/pkg/state"
)

// MemoryStore mirrors the durable store's shape in process memory. It is
// the fallback for restricted storage contexts; state is lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	st     state.ApplicationState
	cached bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: state.New()}
}

// Available reports false: nothing here survives a reload.
func (s *MemoryStore) Available() bool { return false }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetState(ctx context.Context) (state.ApplicationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.cached {
		return state.New(), constants.ErrNoCachedState
	}
	return s.st.Clone(), nil
}

func (s *MemoryStore) SetState(ctx context.Context, st state.ApplicationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := st.Clone()
	stored.Status = state.StatusSyncing
	stored.LastError = ""
	s.st = stored
	s.cached = true
	return nil
}

func (s *MemoryStore) UpsertUser(ctx context.Context, u state.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := u
	s.st.User = &user
	s.cached = true
	return nil
}

func (s *MemoryStore) UpsertSession(ctx context.Context, sess state.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.Sessions[sess.ID] = sess
	s.cached = true
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.st.Sessions, id)
	return nil
}

func (s *MemoryStore) UpsertNotification(ctx context.Context, n state.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.Notifications[n.ID] = n
	s.cached = true
	return nil
}

func (s *MemoryStore) DeleteNotification(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.st.Notifications, id)
	return nil
}

func (s *MemoryStore) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.LastSyncedAt = t.UTC()
	s.cached = true
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st = state.New()
	s.cached = false
	return nil
}
