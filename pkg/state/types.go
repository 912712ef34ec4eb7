// Package state holds the client-side materialized view of server domain
// state and the pure reducer that folds bus events into it.
package state

import (
	"sort"
	"time"
)

// User is the identity record. At most one is loaded per client session.
type User struct {
	ID        string    `json:"id" cbor:"id"`
	Email     string    `json:"email" cbor:"email"`
	Name      string    `json:"name" cbor:"name"`
	AvatarURL string    `json:"avatarUrl,omitempty" cbor:"avatarUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" cbor:"updatedAt"`
}

// Session is a device/login session owned by a user.
type Session struct {
	ID             string    `json:"id" cbor:"id"`
	UserID         string    `json:"userId" cbor:"userId"`
	CreatedAt      time.Time `json:"createdAt" cbor:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt" cbor:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt" cbor:"lastActivityAt"`
	Device         string    `json:"device,omitempty" cbor:"device,omitempty"`
}

// ActiveAt reports whether the session is unexpired relative to the given
// reference time. Callers pass the last successful sync timestamp rather
// than wall-clock now, keeping the filter deterministic against stored
// state.
func (s Session) ActiveAt(ref time.Time) bool {
	return s.ExpiresAt.After(ref)
}

type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Notification is a user-facing alert. Dismissing hides it from list views
// but keeps it in storage.
type Notification struct {
	ID        string           `json:"id" cbor:"id"`
	UserID    string           `json:"userId" cbor:"userId"`
	Type      NotificationType `json:"type" cbor:"type"`
	Title     string           `json:"title" cbor:"title"`
	Message   string           `json:"message" cbor:"message"`
	Read      bool             `json:"read" cbor:"read"`
	Dismissed bool             `json:"dismissed" cbor:"dismissed"`
	CreatedAt time.Time        `json:"createdAt" cbor:"createdAt"`
	Metadata  map[string]any   `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// SyncStatus tracks how fresh the materialized state is.
type SyncStatus string

const (
	// StatusSyncing means the initial or resync fetch is in flight.
	StatusSyncing SyncStatus = "syncing"
	// StatusSynced means a fetch or event was applied successfully.
	StatusSynced SyncStatus = "synced"
	// StatusStale means an error occurred or no update arrived within the
	// staleness threshold.
	StatusStale SyncStatus = "stale"
	// StatusOffline means the transport reports disconnected.
	StatusOffline SyncStatus = "offline"
)

// CanTransitionTo reports whether moving to next is a valid status
// transition. The machine has no terminal state; an explicit reset always
// returns to StatusSyncing regardless of this check.
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusSyncing:
		return next == StatusSynced || next == StatusStale || next == StatusOffline
	case StatusSynced:
		return next == StatusSyncing || next == StatusStale || next == StatusOffline
	case StatusStale:
		return next == StatusSyncing || next == StatusSynced || next == StatusOffline
	case StatusOffline:
		return next == StatusSyncing
	}
	return false
}

// ApplicationState is the aggregate materialized view. Entity maps are
// keyed by entity id; display ordering is computed at read time.
type ApplicationState struct {
	User          *User                   `json:"user" cbor:"user"`
	Sessions      map[string]Session      `json:"sessions" cbor:"sessions"`
	Notifications map[string]Notification `json:"notifications" cbor:"notifications"`
	LastSyncedAt  time.Time               `json:"lastSyncedAt" cbor:"lastSyncedAt"`
	Status        SyncStatus              `json:"status" cbor:"status"`
	LastError     string                  `json:"lastError,omitempty" cbor:"lastError,omitempty"`
}

// New returns the initial state: empty entity maps, syncing.
func New() ApplicationState {
	return ApplicationState{
		Sessions:      map[string]Session{},
		Notifications: map[string]Notification{},
		Status:        StatusSyncing,
	}
}

// Clone returns a copy whose entity maps are independent of the receiver's.
func (s ApplicationState) Clone() ApplicationState {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	out.Sessions = make(map[string]Session, len(s.Sessions))
	for id, sess := range s.Sessions {
		out.Sessions[id] = sess
	}
	out.Notifications = make(map[string]Notification, len(s.Notifications))
	for id, n := range s.Notifications {
		out.Notifications[id] = n
	}
	return out
}

// ActiveSessions returns unexpired sessions relative to LastSyncedAt,
// most recently active first.
func (s ApplicationState) ActiveSessions() []Session {
	out := make([]Session, 0, len(s.Sessions))
	for _, sess := range s.Sessions {
		if sess.ActiveAt(s.LastSyncedAt) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// VisibleNotifications returns non-dismissed notifications, newest first.
func (s ApplicationState) VisibleNotifications() []Notification {
	out := make([]Notification, 0, len(s.Notifications))
	for _, n := range s.Notifications {
		if !n.Dismissed {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadCount counts unread, non-dismissed notifications.
func (s ApplicationState) UnreadCount() int {
	count := 0
	for _, n := range s.Notifications {
		if !n.Read && !n.Dismissed {
			count++
		}
	}
	return count
}
