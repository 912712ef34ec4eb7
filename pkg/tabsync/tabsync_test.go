package tabsync

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statebus/statebus.go/pkg/logger"
)

func testLogger() logger.Logger {
	return logger.New(slog.NewTextHandler(os.Stdout, nil))
}

func collect(b Broadcaster) (<-chan Message, func()) {
	ch := make(chan Message, 16)
	unsub := b.Subscribe(func(msg Message) {
		ch <- msg
	})
	return ch, unsub
}

func waitFor(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tab message")
		return Message{}
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	log := testLogger()

	a := hub.NewBroadcaster("tab-a", log)
	b := hub.NewBroadcaster("tab-b", log)
	defer a.Close()
	defer b.Close()

	chA, _ := collect(a)
	chB, _ := collect(b)

	t.Run("receivers get the message, sender does not", func(t *testing.T) {
		a.NotifyStateInvalidated(KeyNotifications)

		msg := waitFor(t, chB)
		assert.Equal(t, MessageStateInvalidated, msg.Type)
		assert.Equal(t, "tab-a", msg.TabID)
		assert.Equal(t, []string{KeyNotifications}, msg.Keys)

		select {
		case msg := <-chA:
			t.Fatalf("sender received its own message: %+v", msg)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("invalidation with no keys covers everything", func(t *testing.T) {
		a.NotifyStateInvalidated()
		msg := waitFor(t, chB)
		assert.ElementsMatch(t, AllKeys(), msg.Keys)
	})

	t.Run("scalar signals", func(t *testing.T) {
		a.NotifyThemeChanged("system", "dark")
		msg := waitFor(t, chB)
		assert.Equal(t, MessageThemeChanged, msg.Type)
		assert.Equal(t, "system", msg.ThemeMode)
		assert.Equal(t, "dark", msg.ResolvedTheme)

		a.NotifyConnectionStatusChanged("connected")
		msg = waitFor(t, chB)
		assert.Equal(t, MessageConnectionStatus, msg.Type)
		assert.Equal(t, "connected", msg.ConnectionStatus)

		a.NotifyLogout()
		msg = waitFor(t, chB)
		assert.Equal(t, MessageLogout, msg.Type)
	})
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	log := testLogger()

	a := hub.NewBroadcaster("tab-a", log)
	b := hub.NewBroadcaster("tab-b", log)
	defer a.Close()
	defer b.Close()

	chB, unsub := collect(b)
	unsub()

	a.NotifyLogout()
	select {
	case msg := <-chB:
		t.Fatalf("unsubscribed receiver got message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubClosedMemberIsDetached(t *testing.T) {
	hub := NewHub()
	log := testLogger()

	a := hub.NewBroadcaster("tab-a", log)
	b := hub.NewBroadcaster("tab-b", log)
	defer a.Close()

	require.NoError(t, b.Close())
	// Must not panic or block.
	a.NotifyStateInvalidated(KeyUser)
}

func TestFileBroadcaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabsync.json")
	log := testLogger()

	a, err := NewFileBroadcaster(path, "tab-a", log)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewFileBroadcaster(path, "tab-b", log)
	require.NoError(t, err)
	defer b.Close()

	chA, _ := collect(a)
	chB, _ := collect(b)

	a.NotifyStateInvalidated(KeySessions)

	msg := waitFor(t, chB)
	assert.Equal(t, MessageStateInvalidated, msg.Type)
	assert.Equal(t, "tab-a", msg.TabID)
	assert.Equal(t, []string{KeySessions}, msg.Keys)

	select {
	case msg := <-chA:
		t.Fatalf("sender received its own message: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewSelectsChannel(t *testing.T) {
	t.Run("file path selects the shared-file channel", func(t *testing.T) {
		b := New(Options{
			FilePath: filepath.Join(t.TempDir(), "tabsync.json"),
			Logger:   testLogger(),
		})
		defer b.Close()
		_, ok := b.(*FileBroadcaster)
		assert.True(t, ok)
		assert.NotEmpty(t, b.TabID())
	})

	t.Run("no file path selects the hub", func(t *testing.T) {
		b := New(Options{Hub: NewHub(), Logger: testLogger()})
		defer b.Close()
		_, ok := b.(*HubBroadcaster)
		assert.True(t, ok)
	})
}
