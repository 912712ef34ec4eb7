package tabsync

import (
	"sync"
	"time"

	"github.com/statebus/statebus.go/pkg/logger"
)

// hubBufferSize bounds each member's inbox; sends never block the
// broadcaster, overflow is dropped and logged.
const hubBufferSize = 64

var (
	defaultHub     *Hub
	defaultHubOnce sync.Once
)

// DefaultHub returns the process-wide hub shared by all broadcasters that
// were not given an explicit one.
func DefaultHub() *Hub {
	defaultHubOnce.Do(func() {
		defaultHub = NewHub()
	})
	return defaultHub
}

// Hub fans messages out to every attached tab broadcaster. It is the
// in-process analogue of an origin-scoped broadcast channel.
type Hub struct {
	mu      sync.RWMutex
	members map[*HubBroadcaster]struct{}
}

func NewHub() *Hub {
	return &Hub{members: make(map[*HubBroadcaster]struct{})}
}

// NewBroadcaster attaches a new tab to the hub.
func (h *Hub) NewBroadcaster(tabID string, log logger.Logger) *HubBroadcaster {
	b := &HubBroadcaster{
		hub:         h,
		tabID:       tabID,
		log:         log,
		subscribers: newSubscribers(),
		inbox:       make(chan Message, hubBufferSize),
		stopCh:      make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()

	h.mu.Lock()
	h.members[b] = struct{}{}
	h.mu.Unlock()

	return b
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for b := range h.members {
		b.deliver(msg)
	}
}

func (h *Hub) detach(b *HubBroadcaster) {
	h.mu.Lock()
	delete(h.members, b)
	h.mu.Unlock()
}

// HubBroadcaster is one tab's endpoint on a Hub.
type HubBroadcaster struct {
	hub         *Hub
	tabID       string
	log         logger.Logger
	subscribers *subscribers

	inbox  chan Message
	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ Broadcaster = (*HubBroadcaster)(nil)

func (b *HubBroadcaster) TabID() string { return b.tabID }

func (b *HubBroadcaster) NotifyStateInvalidated(keys ...string) {
	if len(keys) == 0 {
		keys = AllKeys()
	}
	b.send(Message{Type: MessageStateInvalidated, Keys: keys})
}

func (b *HubBroadcaster) NotifyThemeChanged(mode, resolved string) {
	b.send(Message{Type: MessageThemeChanged, ThemeMode: mode, ResolvedTheme: resolved})
}

func (b *HubBroadcaster) NotifyLogout() {
	b.send(Message{Type: MessageLogout})
}

func (b *HubBroadcaster) NotifyConnectionStatusChanged(status string) {
	b.send(Message{Type: MessageConnectionStatus, ConnectionStatus: status})
}

func (b *HubBroadcaster) Subscribe(fn func(Message)) (unsubscribe func()) {
	return b.subscribers.add(fn)
}

func (b *HubBroadcaster) Close() error {
	b.closeOnce.Do(func() {
		b.hub.detach(b)
		close(b.stopCh)
		b.wg.Wait()
	})
	return nil
}

func (b *HubBroadcaster) send(msg Message) {
	msg.TabID = b.tabID
	msg.Timestamp = time.Now().UTC()
	b.hub.broadcast(msg)
}

// deliver queues an inbound message without blocking the sender.
func (b *HubBroadcaster) deliver(msg Message) {
	if msg.TabID == b.tabID {
		return
	}
	select {
	case b.inbox <- msg:
	case <-b.stopCh:
	default:
		b.log.Warn("dropping tab message, inbox full", "tab_id", b.tabID, "type", msg.Type)
	}
}

func (b *HubBroadcaster) run() {
	defer b.wg.Done()

	for {
		select {
		case msg := <-b.inbox:
			b.subscribers.dispatch(msg)
		case <-b.stopCh:
			return
		}
	}
}
