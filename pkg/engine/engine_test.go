package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statebus/statebus.go/internal/fakebus"
	"github.com/statebus/statebus.go/pkg/codec"
	"github.com/statebus/statebus.go/pkg/constants"
	"github.com/statebus/statebus.go/pkg/logger"
	"github.com/statebus/statebus.go/pkg/state"
	"github.com/statebus/statebus.go/pkg/store"
	"github.com/statebus/statebus.go/pkg/tabsync"
	"github.com/statebus/statebus.go/pkg/transport"
)

const testNamespace = "app"

var marshaler = codec.CborMarshaler{}

func serveState(t *testing.T, bus *fakebus.Bus, resp FetchResponse) {
	t.Helper()
	bus.Handle(transport.StateGetSubject(testNamespace), func(string, []byte) ([]byte, error) {
		data, err := EncodeFetchResponse(marshaler, resp)
		require.NoError(t, err)
		return data, nil
	})
}

func fixtureResponse() FetchResponse {
	return FetchResponse{
		User: &state.User{ID: "u1", Email: "alice@example.com", Name: "Alice"},
		Sessions: []state.Session{
			{ID: "s1", UserID: "u1", ExpiresAt: time.UnixMilli(3_600_000).UTC()},
		},
		Notifications: []state.Notification{
			{ID: "n1", UserID: "u1", Type: state.NotificationInfo, Title: "Welcome"},
		},
		ServerTime: time.UnixMilli(5_000).UTC(),
	}
}

func publishEvent(t *testing.T, bus *fakebus.Bus, ev state.Event) {
	t.Helper()
	data, err := state.EncodeEvent(marshaler, ev)
	require.NoError(t, err)
	bus.Publish(testNamespace+".events."+string(ev.Type), data)
}

func newEngine(t *testing.T, bus *fakebus.Bus, opts Options) *Engine {
	t.Helper()
	opts.Namespace = testNamespace
	opts.Transport = bus
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestStartWhenConnected(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	st := store.NewMemoryStore()
	e := newEngine(t, bus, Options{Store: st})
	require.NoError(t, e.Start(ctx))

	snap := e.Snapshot()
	assert.Equal(t, state.StatusSynced, snap.Status)
	require.NotNil(t, snap.User)
	assert.Equal(t, "Alice", snap.User.Name)
	assert.Contains(t, snap.Sessions, "s1")
	assert.Contains(t, snap.Notifications, "n1")
	assert.Equal(t, time.UnixMilli(5_000).UTC(), snap.LastSyncedAt)

	persisted, err := st.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alice", persisted.User.Name)
}

func TestStartWhenDisconnectedLoadsCache(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()

	st := store.NewMemoryStore()
	cached := state.New()
	cached.User = &state.User{ID: "u1", Name: "Cached Alice"}
	cached.LastSyncedAt = time.UnixMilli(1_000).UTC()
	require.NoError(t, st.SetState(ctx, cached))

	e := newEngine(t, bus, Options{Store: st})
	require.NoError(t, e.Start(ctx))

	snap := e.Snapshot()
	assert.Equal(t, state.StatusOffline, snap.Status)
	require.NotNil(t, snap.User)
	assert.Equal(t, "Cached Alice", snap.User.Name)
}

func TestInboundEventsAreAppliedAndPersisted(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	st := store.NewMemoryStore()
	e := newEngine(t, bus, Options{Store: st})
	require.NoError(t, e.Start(ctx))

	publishEvent(t, bus, state.Event{
		Type:      state.EventNotificationRead,
		Timestamp: time.Now().UnixMilli(),
		Payload:   state.NotificationReadPayload{NotificationID: "n1"},
	})

	require.Eventually(t, func() bool {
		return e.Snapshot().Notifications["n1"].Read
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		persisted, err := st.GetState(ctx)
		return err == nil && persisted.Notifications["n1"].Read
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	e := newEngine(t, bus, Options{})
	require.NoError(t, e.Start(ctx))
	before := e.Snapshot()

	bus.Publish(testNamespace+".events.user.updated", []byte("not cbor"))

	time.Sleep(100 * time.Millisecond)
	after := e.Snapshot()
	assert.Equal(t, before.User, after.User)
	assert.Equal(t, state.StatusSynced, after.Status)
}

func TestDisconnectAndReconnect(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	e := newEngine(t, bus, Options{})
	require.NoError(t, e.Start(ctx))
	require.Equal(t, state.StatusSynced, e.Snapshot().Status)

	bus.EmitConnection(transport.ConnectionEvent{Status: transport.StatusDisconnected})
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == state.StatusOffline
	}, 3*time.Second, 10*time.Millisecond)

	resp := fixtureResponse()
	resp.User.Name = "Alice v2"
	resp.ServerTime = time.UnixMilli(10_000).UTC()
	serveState(t, bus, resp)

	bus.EmitConnection(transport.ConnectionEvent{Status: transport.StatusReconnected})
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Status == state.StatusSynced && snap.User != nil && snap.User.Name == "Alice v2"
	}, 3*time.Second, 10*time.Millisecond)

	// The re-established subscription is live.
	publishEvent(t, bus, state.Event{
		Type:      state.EventSessionExpired,
		Timestamp: time.Now().UnixMilli(),
		Payload:   state.SessionExpiredPayload{SessionID: "s1"},
	})
	require.Eventually(t, func() bool {
		_, ok := e.Snapshot().Sessions["s1"]
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFetchFailureKeepsCacheAndMarksStale(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	bus.FailRequests(errors.New("boom"))

	st := store.NewMemoryStore()
	cached := state.New()
	cached.User = &state.User{ID: "u1", Name: "Cached Alice"}
	require.NoError(t, st.SetState(ctx, cached))

	e := newEngine(t, bus, Options{Store: st})
	require.NoError(t, e.Start(ctx))

	snap := e.Snapshot()
	assert.Equal(t, state.StatusStale, snap.Status)
	assert.Contains(t, snap.LastError, "boom")
	require.NotNil(t, snap.User)
	assert.Equal(t, "Cached Alice", snap.User.Name)
}

func TestMonotonicSyncTimestamp(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	e := newEngine(t, bus, Options{})
	require.NoError(t, e.Start(ctx))

	last := e.Snapshot().LastSyncedAt
	for i := 0; i < 3; i++ {
		publishEvent(t, bus, state.Event{
			Type:      state.EventNotificationReceived,
			Timestamp: time.Now().UnixMilli(),
			Payload: state.NotificationReceivedPayload{
				Notification: state.Notification{ID: "x", UserID: "u1"},
			},
		})
		require.Eventually(t, func() bool {
			return !e.Snapshot().LastSyncedAt.Before(last)
		}, 3*time.Second, 10*time.Millisecond)
		last = e.Snapshot().LastSyncedAt
	}
}

func TestCrossTabInvalidationRereadsStore(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	hub := tabsync.NewHub()
	tabs := hub.NewBroadcaster("tab-engine", logger.Nop())
	sibling := hub.NewBroadcaster("tab-sibling", logger.Nop())
	defer sibling.Close()

	st := store.NewMemoryStore()
	e := newEngine(t, bus, Options{Store: st, Tabs: tabs})
	require.NoError(t, e.Start(ctx))

	// A sibling tab rewrites the shared store, then signals.
	updated := e.Snapshot()
	updated.User.Name = "Renamed Elsewhere"
	require.NoError(t, st.SetState(ctx, updated))
	sibling.NotifyStateInvalidated(tabsync.KeyUser)

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.User != nil && snap.User.Name == "Renamed Elsewhere"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestResetClearsEverything(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	hub := tabsync.NewHub()
	tabs := hub.NewBroadcaster("tab-engine", logger.Nop())
	sibling := hub.NewBroadcaster("tab-sibling", logger.Nop())
	defer sibling.Close()

	logout := make(chan struct{}, 1)
	sibling.Subscribe(func(msg tabsync.Message) {
		if msg.Type == tabsync.MessageLogout {
			logout <- struct{}{}
		}
	})

	st := store.NewMemoryStore()
	e := newEngine(t, bus, Options{Store: st, Tabs: tabs})
	require.NoError(t, e.Start(ctx))

	require.NoError(t, e.Reset(ctx))

	snap := e.Snapshot()
	assert.Nil(t, snap.User)
	assert.Empty(t, snap.Sessions)
	assert.Empty(t, snap.Notifications)
	assert.Equal(t, state.StatusSyncing, snap.Status)

	_, err := st.GetState(ctx)
	assert.ErrorIs(t, err, constants.ErrNoCachedState)

	select {
	case <-logout:
	case <-time.After(3 * time.Second):
		t.Fatal("sibling never received logout")
	}
}

func TestRefreshRequiresConnection(t *testing.T) {
	bus := fakebus.New()
	e := newEngine(t, bus, Options{})
	require.NoError(t, e.Start(context.Background()))

	err := e.Refresh(context.Background())
	assert.ErrorIs(t, err, constants.ErrNotConnected)
}

func TestOptimisticApplyAndRestore(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	st := store.NewMemoryStore()
	e := newEngine(t, bus, Options{Store: st})
	require.NoError(t, e.Start(ctx))

	before := e.ApplyOptimistic(ctx, state.Event{
		Type:      state.EventNotificationRead,
		Timestamp: time.Now().UnixMilli(),
		Payload:   state.NotificationReadPayload{NotificationID: "n1"},
	})
	assert.False(t, before.Notifications["n1"].Read)
	assert.True(t, e.Snapshot().Notifications["n1"].Read)

	e.Restore(ctx, before)
	assert.Equal(t, before, e.Snapshot())

	persisted, err := st.GetState(ctx)
	require.NoError(t, err)
	assert.False(t, persisted.Notifications["n1"].Read)
}

func TestStalenessDemotion(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, FetchResponse{ServerTime: time.UnixMilli(1_000).UTC()})

	e := newEngine(t, bus, Options{StalenessThreshold: 3 * time.Second})
	require.NoError(t, e.Start(ctx))
	require.Equal(t, state.StatusSynced, e.Snapshot().Status)

	// ServerTime is far in the past, so the first tick demotes.
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == state.StatusStale
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCanExecute(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())

	e := newEngine(t, bus, Options{})
	require.NoError(t, e.Start(ctx))
	assert.True(t, e.CanExecute())

	bus.EmitConnection(transport.ConnectionEvent{Status: transport.StatusDisconnected})
	require.Eventually(t, func() bool {
		return !e.CanExecute()
	}, 3*time.Second, 10*time.Millisecond)
}
