package tabsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/fsnotify/fsnotify"

	"github.com/statebus/statebus.go/pkg/logger"
)

// FileBroadcaster signals sibling processes through a single shared file:
// every send overwrites the file, receivers observe the change through a
// filesystem watcher and re-read it. Last write wins, which is acceptable
// because messages are invalidation signals, not data.
type FileBroadcaster struct {
	path        string
	tabID       string
	log         logger.Logger
	subscribers *subscribers

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	writeMu sync.Mutex

	// lastSeen dedupes the multiple filesystem events one write produces.
	lastSeenMu sync.Mutex
	lastSeen   string

	closeOnce sync.Once
}

var _ Broadcaster = (*FileBroadcaster)(nil)

// NewFileBroadcaster opens the shared-file channel at path. The watcher
// observes the parent directory, because watching the file itself breaks
// across the atomic rename every write performs.
func NewFileBroadcaster(path, tabID string, log logger.Logger) (*FileBroadcaster, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tab channel directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	b := &FileBroadcaster{
		path:        path,
		tabID:       tabID,
		log:         log,
		subscribers: newSubscribers(),
		watcher:     watcher,
		stopCh:      make(chan struct{}),
	}

	b.wg.Add(1)
	go b.watch()

	return b, nil
}

func (b *FileBroadcaster) TabID() string { return b.tabID }

func (b *FileBroadcaster) NotifyStateInvalidated(keys ...string) {
	if len(keys) == 0 {
		keys = AllKeys()
	}
	b.send(Message{Type: MessageStateInvalidated, Keys: keys})
}

func (b *FileBroadcaster) NotifyThemeChanged(mode, resolved string) {
	b.send(Message{Type: MessageThemeChanged, ThemeMode: mode, ResolvedTheme: resolved})
}

func (b *FileBroadcaster) NotifyLogout() {
	b.send(Message{Type: MessageLogout})
}

func (b *FileBroadcaster) NotifyConnectionStatusChanged(status string) {
	b.send(Message{Type: MessageConnectionStatus, ConnectionStatus: status})
}

func (b *FileBroadcaster) Subscribe(fn func(Message)) (unsubscribe func()) {
	return b.subscribers.add(fn)
}

func (b *FileBroadcaster) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		b.watcher.Close()
		b.wg.Wait()
	})
	return nil
}

func (b *FileBroadcaster) send(msg Message) {
	msg.TabID = b.tabID
	msg.Timestamp = time.Now().UTC()

	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("encoding tab message", "error", err)
		return
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	// Write-then-rename so readers never observe a torn message.
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		b.log.Error("writing tab message", "path", b.path, "error", err)
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		b.log.Error("publishing tab message", "path", b.path, "error", err)
	}
}

func (b *FileBroadcaster) watch() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != b.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			b.consume()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("tab channel watcher error", "error", err)
		}
	}
}

func (b *FileBroadcaster) consume() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		// The file may be mid-rename; the next event retries.
		return
	}

	// Peek the origin before paying for a full decode.
	origin, err := jsonparser.GetString(data, "tabId")
	if err != nil || origin == b.tabID {
		return
	}

	stamp, _ := jsonparser.GetString(data, "timestamp")
	key := origin + "|" + stamp

	b.lastSeenMu.Lock()
	dup := key == b.lastSeen
	b.lastSeen = key
	b.lastSeenMu.Unlock()
	if dup {
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Warn("dropping malformed tab message", "error", err)
		return
	}

	b.subscribers.dispatch(msg)
}
