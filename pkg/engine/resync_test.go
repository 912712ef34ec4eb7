package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statebus/statebus.go/internal/fakebus"
	"github.com/statebus/statebus.go/pkg/state"
	"github.com/statebus/statebus.go/pkg/store"
	"github.com/statebus/statebus.go/pkg/transport"
)

// gatedBus lets tests hold a resync inside Subscribe so connect
// transitions can be made to overlap deliberately.
type gatedBus struct {
	*fakebus.Bus
	arrived chan struct{}
	release chan struct{}
}

func newGatedBus(bus *fakebus.Bus) *gatedBus {
	return &gatedBus{
		Bus:     bus,
		arrived: make(chan struct{}, 8),
		release: make(chan struct{}, 8),
	}
}

func (g *gatedBus) Subscribe(ctx context.Context, subject string) (transport.Subscription, error) {
	g.arrived <- struct{}{}
	<-g.release
	return g.Bus.Subscribe(ctx, subject)
}

func awaitSubscribe(t *testing.T, g *gatedBus) {
	t.Helper()
	select {
	case <-g.arrived:
	case <-time.After(3 * time.Second):
		t.Fatal("no subscribe attempt arrived")
	}
}

func TestOverlappingReconnectsKeepSingleSubscription(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))
	serveState(t, bus, fixtureResponse())
	gb := newGatedBus(bus)

	e, err := New(Options{Namespace: testNamespace, Transport: gb})
	require.NoError(t, err)

	gb.release <- struct{}{}
	require.NoError(t, e.Start(ctx))
	awaitSubscribe(t, gb)

	// First reconnect stalls inside Subscribe; a second lands meanwhile.
	gb.EmitConnection(transport.ConnectionEvent{Status: transport.StatusReconnected})
	awaitSubscribe(t, gb)
	gb.EmitConnection(transport.ConnectionEvent{Status: transport.StatusReconnected})

	gb.release <- struct{}{}
	gb.release <- struct{}{}
	awaitSubscribe(t, gb)

	require.Eventually(t, func() bool {
		return e.Snapshot().Status == state.StatusSynced && bus.ActiveSubscriptions() == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, bus.ActiveSubscriptions())

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close never returned, a consumer leaked")
	}
	assert.Zero(t, bus.ActiveSubscriptions())
}

func TestDisconnectDuringFetchStaysOffline(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()

	proceed := make(chan struct{})
	bus.Handle(transport.StateGetSubject(testNamespace), func(string, []byte) ([]byte, error) {
		<-proceed
		return EncodeFetchResponse(marshaler, fixtureResponse())
	})

	e := newEngine(t, bus, Options{})
	require.NoError(t, e.Start(ctx))
	require.Equal(t, state.StatusOffline, e.Snapshot().Status)

	require.NoError(t, bus.Connect(ctx))
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == state.StatusSyncing
	}, 3*time.Second, 10*time.Millisecond)

	bus.EmitConnection(transport.ConnectionEvent{Status: transport.StatusDisconnected})
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == state.StatusOffline
	}, 3*time.Second, 10*time.Millisecond)

	// The fetch completes after the disconnect; entities refresh the
	// cache but the status must not leave offline.
	close(proceed)
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.User != nil && snap.User.Name == "Alice"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, state.StatusOffline, e.Snapshot().Status)
}

func TestCachedStateIsStaleWhileFetchInFlight(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))

	proceed := make(chan struct{})
	bus.Handle(transport.StateGetSubject(testNamespace), func(string, []byte) ([]byte, error) {
		<-proceed
		return EncodeFetchResponse(marshaler, fixtureResponse())
	})

	st := store.NewMemoryStore()
	cached := state.New()
	cached.User = &state.User{ID: "u1", Name: "Cached Alice"}
	require.NoError(t, st.SetState(ctx, cached))

	e := newEngine(t, bus, Options{Store: st})
	started := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(started)
	}()

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Status == state.StatusStale &&
			snap.User != nil && snap.User.Name == "Cached Alice"
	}, 3*time.Second, 10*time.Millisecond)

	close(proceed)
	<-started
	assert.Equal(t, state.StatusSynced, e.Snapshot().Status)
	assert.Equal(t, "Alice", e.Snapshot().User.Name)
}

func TestHungFetchIsDemotedToStale(t *testing.T) {
	ctx := context.Background()
	bus := fakebus.New()
	require.NoError(t, bus.Connect(ctx))

	proceed := make(chan struct{})
	bus.Handle(transport.StateGetSubject(testNamespace), func(string, []byte) ([]byte, error) {
		<-proceed
		return EncodeFetchResponse(marshaler, fixtureResponse())
	})

	e := newEngine(t, bus, Options{
		StalenessThreshold: 2 * time.Second,
		FetchTimeout:       time.Minute,
	})
	started := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(started)
	}()

	// Nothing was ever synced, so the ticker demotes the hung syncing
	// state once the threshold elapses.
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == state.StatusStale
	}, 5*time.Second, 50*time.Millisecond)

	close(proceed)
	<-started
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == state.StatusSynced
	}, 3*time.Second, 10*time.Millisecond)
}
