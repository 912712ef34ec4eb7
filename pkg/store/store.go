// Package store persists the materialized state so it survives reloads and
// can be shared by every client instance on the machine. The durable
// implementation is SQLite; an in-memory fallback covers contexts where
// durable storage is unavailable.
package store

import (
	"context"
	"time"

	"github.com/statebus/statebus.go/pkg/logger"
	"github.com/statebus/statebus.go/pkg/state"
)

// Store is the persisted-store contract. Full-state reads and writes are
// atomic with respect to each other: a reader never observes a partially
// overwritten set of collections. Per-entity operations exist for
// incremental writes that should not rewrite the whole state.
//
// Status and LastError are in-memory concerns and are not persisted;
// GetState always returns StatusSyncing and an empty error, and SetState
// ignores both fields.
type Store interface {
	// GetState returns the cached state, or constants.ErrNoCachedState
	// when nothing has been stored yet.
	GetState(ctx context.Context) (state.ApplicationState, error)
	// SetState clears and rewrites all entity collections and the sync
	// metadata in one transaction.
	SetState(ctx context.Context, s state.ApplicationState) error

	UpsertUser(ctx context.Context, u state.User) error
	UpsertSession(ctx context.Context, s state.Session) error
	DeleteSession(ctx context.Context, id string) error
	UpsertNotification(ctx context.Context, n state.Notification) error
	DeleteNotification(ctx context.Context, id string) error
	SetLastSyncedAt(ctx context.Context, t time.Time) error

	// Clear removes all cached state, including sync metadata.
	Clear(ctx context.Context) error

	// Available reports whether stored state survives a process restart.
	// The in-memory fallback returns false so callers can warn the user.
	Available() bool

	Close() error
}

// Open returns a durable store at path, falling back to the in-memory
// implementation when the durable backend cannot be opened.
func Open(path string, log logger.Logger) Store {
	s, err := NewSQLiteStore(path)
	if err != nil {
		log.Warn("durable store unavailable, state will not survive a reload",
			"path", path, "error", err)
		return NewMemoryStore()
	}
	return s
}
