// Package engine is the synchronization orchestrator. It owns one tab's
// in-memory application state and keeps it eventually consistent with the
// server: full resync on every connect transition, sequential event
// application in between, offline and staleness tracking, and cross-tab
// invalidation handling against the shared persisted store.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/statebus/statebus.go/pkg/codec"
	"github.com/statebus/statebus.go/pkg/constants"
	"github.com/statebus/statebus.go/pkg/logger"
	"github.com/statebus/statebus.go/pkg/state"
	"github.com/statebus/statebus.go/pkg/store"
	"github.com/statebus/statebus.go/pkg/tabsync"
	"github.com/statebus/statebus.go/pkg/transport"
)

// Options configures New. Namespace and Transport are required; the rest
// default to sensible in-process implementations.
type Options struct {
	Namespace string
	Transport transport.Transport
	Store     store.Store
	Tabs      tabsync.Broadcaster
	Logger    logger.Logger

	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler

	// StalenessThreshold is the silence window after which synced state is
	// demoted to stale.
	StalenessThreshold time.Duration
	// FetchTimeout bounds the full-state request/reply call.
	FetchTimeout time.Duration
}

// Engine sequences fetch and subscribe against the transport lifecycle
// and owns the materialized ApplicationState for one tab.
type Engine struct {
	ns   string
	bus  transport.Transport
	st   store.Store
	tabs tabsync.Broadcaster
	log  logger.Logger

	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler

	stalenessThreshold time.Duration
	fetchTimeout       time.Duration

	mu    sync.RWMutex
	state state.ApplicationState

	// resyncMu serializes the reconnect protocol; overlapping connect
	// transitions must not leave two live subscriptions.
	resyncMu sync.Mutex

	// subGen distinguishes a deliberate teardown from an unexpected
	// stream end; only the current generation may mark state stale when
	// its channel closes.
	sub    *liveSub
	subGen uint64

	listenerMu sync.Mutex
	listeners  map[int]func(state.ApplicationState)
	nextID     int

	removeConnListener func()
	unsubscribeTabs    func()

	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   bool
	closeOnce sync.Once
}

func New(opts Options) (*Engine, error) {
	if opts.Namespace == "" {
		return nil, constants.ErrNoNamespace
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Marshaler == nil {
		opts.Marshaler = codec.CborMarshaler{}
	}
	if opts.Unmarshaler == nil {
		opts.Unmarshaler = codec.CborUnmarshaler{}
	}
	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = constants.DefaultStalenessThreshold
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = constants.DefaultFetchTimeout
	}

	return &Engine{
		ns:                 opts.Namespace,
		bus:                opts.Transport,
		st:                 opts.Store,
		tabs:               opts.Tabs,
		log:                opts.Logger,
		marshaler:          opts.Marshaler,
		unmarshaler:        opts.Unmarshaler,
		stalenessThreshold: opts.StalenessThreshold,
		fetchTimeout:       opts.FetchTimeout,
		state:              state.New(),
		listeners:          make(map[int]func(state.ApplicationState)),
		stopCh:             make(chan struct{}),
	}, nil
}

// Start wires the engine to the transport lifecycle and performs the
// initial synchronization. When the transport is already connected a
// full resync runs before Start returns; otherwise cached state is
// loaded and the engine waits for a connect event.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.removeConnListener = e.bus.OnEvent(e.handleConnectionEvent)
	if e.tabs != nil {
		e.unsubscribeTabs = e.tabs.Subscribe(e.handleTabMessage)
	}

	e.wg.Add(1)
	go e.stalenessLoop()

	if e.bus.IsConnected() {
		e.resync(ctx)
		return nil
	}

	e.loadCached(ctx)
	e.mutate(func(s *state.ApplicationState) {
		s.Status = state.StatusOffline
	})
	return nil
}

// Close tears down the subscription, listeners and background loops.
// The persisted store and transport are owned by the caller and left
// open.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		if e.removeConnListener != nil {
			e.removeConnListener()
		}
		if e.unsubscribeTabs != nil {
			e.unsubscribeTabs()
		}
		e.resyncMu.Lock()
		e.teardownSubscription()
		e.resyncMu.Unlock()
		e.wg.Wait()
	})
	return nil
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() state.ApplicationState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// OnChange registers a listener invoked with a snapshot after every
// state change. Listeners run on the mutating goroutine and must not
// block.
func (e *Engine) OnChange(fn func(state.ApplicationState)) (remove func()) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn

	return func() {
		e.listenerMu.Lock()
		defer e.listenerMu.Unlock()
		delete(e.listeners, id)
	}
}

// CanExecute reports whether a command may be attempted right now.
func (e *Engine) CanExecute() bool {
	if !e.bus.IsConnected() {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Status != state.StatusOffline
}

// ApplyOptimistic folds locally synthesized events into the state and
// persists the result incrementally. The returned snapshot is the state
// immediately before the first event applied, for use with Restore.
func (e *Engine) ApplyOptimistic(ctx context.Context, events ...state.Event) state.ApplicationState {
	e.mu.Lock()
	before := e.state.Clone()
	for _, ev := range events {
		e.state = state.Apply(e.state, ev)
	}
	snapshot := e.state.Clone()
	e.mu.Unlock()

	for _, ev := range events {
		e.persistEvent(ctx, ev, snapshot)
	}
	e.notify(snapshot)
	return before
}

// Restore discards the current in-memory state in favor of a snapshot
// taken by ApplyOptimistic and rewrites the persisted store to match.
func (e *Engine) Restore(ctx context.Context, snapshot state.ApplicationState) {
	e.mu.Lock()
	e.state = snapshot.Clone()
	e.mu.Unlock()

	if err := e.st.SetState(ctx, snapshot); err != nil {
		e.log.Error("persisting restored state", "error", err)
	}
	e.notify(snapshot)
}

// Refresh performs a user-initiated full resync. Unlike the background
// paths, failures are returned to the caller.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.bus.IsConnected() {
		return constants.ErrNotConnected
	}
	return e.fetchAndApply(ctx)
}

// Reset returns to the initial syncing state with empty entity maps,
// clears the shared store and tells sibling tabs to log out.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.state = state.New()
	snapshot := e.state.Clone()
	e.mu.Unlock()

	err := e.st.Clear(ctx)
	if err != nil {
		e.log.Error("clearing persisted store", "error", err)
	}
	if e.tabs != nil {
		e.tabs.NotifyLogout()
	}
	e.notify(snapshot)
	return err
}

func (e *Engine) handleConnectionEvent(ev transport.ConnectionEvent) {
	switch ev.Status {
	case transport.StatusConnected, transport.StatusReconnected:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.resync(context.Background())
		}()
	case transport.StatusDisconnected, transport.StatusClosed:
		e.teardownSubscription()
		e.mutate(func(s *state.ApplicationState) {
			s.Status = state.StatusOffline
		})
	case transport.StatusError:
		e.mutate(func(s *state.ApplicationState) {
			e.setStatusLocked(s, state.StatusStale)
			if ev.Err != nil {
				s.LastError = ev.Err.Error()
			}
		})
	}
}

// resync runs the reconnection protocol: teardown, cached load, fetch,
// resubscribe. Fetch or subscribe failure leaves cached data visible
// and the status stale; transport-level reconnection drives recovery.
// Runs are serialized so at most one subscription is ever live.
func (e *Engine) resync(ctx context.Context) {
	e.resyncMu.Lock()
	defer e.resyncMu.Unlock()

	select {
	case <-e.stopCh:
		return
	default:
	}

	e.teardownSubscription()
	loaded := e.loadCached(ctx)
	e.mutate(func(s *state.ApplicationState) {
		e.setStatusLocked(s, state.StatusSyncing)
		if loaded {
			// Cached entities shown before the fetch resolves are stale.
			e.setStatusLocked(s, state.StatusStale)
		}
		s.LastError = ""
	})

	if err := e.fetchAndApply(ctx); err != nil {
		e.log.Warn("full-state fetch failed", "error", err)
		e.mutate(func(s *state.ApplicationState) {
			e.setStatusLocked(s, state.StatusStale)
			s.LastError = err.Error()
		})
		return
	}

	if err := e.subscribe(ctx); err != nil {
		e.log.Warn("event subscription failed", "error", err)
		e.mutate(func(s *state.ApplicationState) {
			e.setStatusLocked(s, state.StatusStale)
			s.LastError = err.Error()
		})
	}
}

// loadCached rehydrates entities from the persisted store for immediate
// display and reports whether anything was cached. A read failure is
// treated as no cached state.
func (e *Engine) loadCached(ctx context.Context) bool {
	cached, err := e.st.GetState(ctx)
	if err != nil {
		if err != constants.ErrNoCachedState {
			e.log.Warn("reading cached state", "error", err)
		}
		return false
	}

	e.mutate(func(s *state.ApplicationState) {
		status, lastErr := s.Status, s.LastError
		*s = cached
		s.Status, s.LastError = status, lastErr
	})
	return true
}

func (e *Engine) handleTabMessage(msg tabsync.Message) {
	switch msg.Type {
	case tabsync.MessageStateInvalidated:
		e.rereadStore(context.Background(), msg.Keys)
	case tabsync.MessageLogout:
		// The originating tab already cleared the shared store.
		e.mutate(func(s *state.ApplicationState) {
			*s = state.New()
		})
	}
}

// rereadStore refreshes the named entity collections from the shared
// store after a sibling tab announced a change.
func (e *Engine) rereadStore(ctx context.Context, keys []string) {
	cached, err := e.st.GetState(ctx)
	if err != nil {
		if err != constants.ErrNoCachedState {
			e.log.Warn("re-reading invalidated state", "error", err)
		}
		return
	}
	if len(keys) == 0 {
		keys = tabsync.AllKeys()
	}

	e.mutate(func(s *state.ApplicationState) {
		for _, key := range keys {
			switch key {
			case tabsync.KeyUser:
				s.User = cached.User
			case tabsync.KeySessions:
				s.Sessions = cached.Sessions
			case tabsync.KeyNotifications:
				s.Notifications = cached.Notifications
			}
		}
		if cached.LastSyncedAt.After(s.LastSyncedAt) {
			s.LastSyncedAt = cached.LastSyncedAt
		}
	})
}

func (e *Engine) stalenessLoop() {
	defer e.wg.Done()

	interval := e.stalenessThreshold / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			demote := e.state.Status != state.StatusStale &&
				e.state.Status.CanTransitionTo(state.StatusStale) &&
				now.Sub(e.state.LastSyncedAt) > e.stalenessThreshold
			var snapshot state.ApplicationState
			if demote {
				e.state.Status = state.StatusStale
				snapshot = e.state.Clone()
			}
			e.mu.Unlock()
			if demote {
				e.notify(snapshot)
			}
		}
	}
}

// mutate applies fn under the lock and notifies listeners with the
// resulting snapshot.
func (e *Engine) mutate(fn func(*state.ApplicationState)) {
	e.mu.Lock()
	fn(&e.state)
	snapshot := e.state.Clone()
	e.mu.Unlock()
	e.notify(snapshot)
}

// setStatusLocked performs a validated status transition; offline is
// only left through a reconnect.
func (e *Engine) setStatusLocked(s *state.ApplicationState, to state.SyncStatus) {
	if s.Status.CanTransitionTo(to) {
		s.Status = to
	}
}

func (e *Engine) notify(snapshot state.ApplicationState) {
	e.listenerMu.Lock()
	fns := make([]func(state.ApplicationState), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenerMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
