// Package tabsync propagates invalidation signals between client instances
// ("tabs") that share one persisted store. Messages never carry entity
// data; receivers re-read the store to obtain current state.
//
// Two interchangeable channels exist: an in-process broadcast hub and a
// shared-file channel observed through filesystem change notifications for
// instances running in separate processes. New selects one by capability
// probing so callers never branch on which is active.
package tabsync

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/statebus/statebus.go/pkg/logger"
)

type MessageType string

const (
	MessageStateInvalidated MessageType = "state_invalidated"
	MessageThemeChanged     MessageType = "theme_changed"
	MessageLogout           MessageType = "logout"
	MessageConnectionStatus MessageType = "connection_status"
)

// Entity keys for scoped state invalidation.
const (
	KeyUser          = "user"
	KeySessions      = "sessions"
	KeyNotifications = "notifications"
)

// AllKeys covers every entity collection.
func AllKeys() []string {
	return []string{KeyUser, KeySessions, KeyNotifications}
}

// Message is an invalidation signal. It carries at most small scalars,
// never entities. The originating tab id lets receivers drop their own
// messages.
type Message struct {
	Type             MessageType `json:"type"`
	TabID            string      `json:"tabId"`
	Timestamp        time.Time   `json:"timestamp"`
	Keys             []string    `json:"keys,omitempty"`
	ThemeMode        string      `json:"themeMode,omitempty"`
	ResolvedTheme    string      `json:"resolvedTheme,omitempty"`
	ConnectionStatus string      `json:"connectionStatus,omitempty"`
}

// Broadcaster is the fire-and-forget cross-tab notification channel.
// Sends never block and never fail from the caller's perspective;
// delivery is best effort. Subscribers never see messages originated by
// their own tab.
type Broadcaster interface {
	TabID() string

	NotifyStateInvalidated(keys ...string)
	NotifyThemeChanged(mode, resolved string)
	NotifyLogout()
	NotifyConnectionStatusChanged(status string)

	Subscribe(fn func(Message)) (unsubscribe func())
	Close() error
}

// Options configures New.
type Options struct {
	// TabID identifies this tab in outgoing messages. Generated when empty.
	TabID string
	// FilePath, when set, selects the shared-file channel so instances in
	// separate processes can signal each other.
	FilePath string
	// Hub, when set, overrides the process-wide default hub.
	Hub *Hub
	Logger logger.Logger
}

// New picks the best available channel: the shared-file channel when
// a file path is configured and a filesystem watcher can be established,
// otherwise the in-process hub.
func New(opts Options) Broadcaster {
	if opts.TabID == "" {
		opts.TabID = NewTabID()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	if opts.FilePath != "" {
		fb, err := NewFileBroadcaster(opts.FilePath, opts.TabID, opts.Logger)
		if err == nil {
			return fb
		}
		opts.Logger.Warn("shared-file tab channel unavailable, falling back to in-process hub",
			"path", opts.FilePath, "error", err)
	}

	hub := opts.Hub
	if hub == nil {
		hub = DefaultHub()
	}
	return hub.NewBroadcaster(opts.TabID, opts.Logger)
}

// NewTabID returns a fresh tab identifier. ULIDs sort by creation time,
// which makes interleaved tab logs easy to follow.
func NewTabID() string {
	return ulid.Make().String()
}

// subscribers is the callback registry shared by both channel
// implementations.
type subscribers struct {
	mu   sync.Mutex
	subs map[int]func(Message)
	next int
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]func(Message))}
}

func (s *subscribers) add(fn func(Message)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *subscribers) dispatch(msg Message) {
	s.mu.Lock()
	fns := make([]func(Message), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}
