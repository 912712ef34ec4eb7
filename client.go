package statebus

import (
	"context"
	"sync"

	"github.com/statebus/statebus.go/pkg/codec"
	"github.com/statebus/statebus.go/pkg/command"
	"github.com/statebus/statebus.go/pkg/config"
	"github.com/statebus/statebus.go/pkg/engine"
	"github.com/statebus/statebus.go/pkg/logger"
	"github.com/statebus/statebus.go/pkg/state"
	"github.com/statebus/statebus.go/pkg/store"
	"github.com/statebus/statebus.go/pkg/tabsync"
	"github.com/statebus/statebus.go/pkg/transport"
)

// Option customizes Client construction.
type Option func(*clientOptions)

type clientOptions struct {
	logger      logger.Logger
	store       store.Store
	tabs        tabsync.Broadcaster
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
}

// WithLogger sets the logger used by every component.
func WithLogger(l logger.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithStore injects a persisted store, overriding the one the
// configuration would select. The caller keeps ownership; Close will not
// close it.
func WithStore(s store.Store) Option {
	return func(o *clientOptions) { o.store = s }
}

// WithBroadcaster injects a cross-tab broadcaster, overriding the one
// the configuration would select. The caller keeps ownership.
func WithBroadcaster(b tabsync.Broadcaster) Option {
	return func(o *clientOptions) { o.tabs = b }
}

// WithCodec overrides the wire codec used for bus payloads.
func WithCodec(m codec.Marshaler, un codec.Unmarshaler) Option {
	return func(o *clientOptions) { o.marshaler, o.unmarshaler = m, un }
}

// Client is one tab's view of the synchronized application state. It is
// safe for concurrent use.
type Client struct {
	engine   *engine.Engine
	executor *command.Executor
	tabs     tabsync.Broadcaster
	store    store.Store

	ownsStore bool
	ownsTabs  bool
	closeOnce sync.Once
}

// New builds a Client from configuration and an already constructed
// transport. Call Start to begin synchronizing.
func New(cfg *config.Config, bus transport.Transport, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Nop()
	}

	c := &Client{}

	st := o.store
	if st == nil {
		c.ownsStore = true
		if cfg.Store.Path != "" {
			st = store.Open(cfg.Store.Path, o.logger)
		} else {
			st = store.NewMemoryStore()
		}
	}
	c.store = st

	tabs := o.tabs
	if tabs == nil {
		c.ownsTabs = true
		tabs = tabsync.New(tabsync.Options{
			FilePath: cfg.TabSync.FilePath,
			Logger:   o.logger,
		})
	}
	c.tabs = tabs

	eng, err := engine.New(engine.Options{
		Namespace:          cfg.Namespace,
		Transport:          bus,
		Store:              st,
		Tabs:               tabs,
		Logger:             o.logger,
		Marshaler:          o.marshaler,
		Unmarshaler:        o.unmarshaler,
		StalenessThreshold: cfg.StalenessThreshold(),
		FetchTimeout:       cfg.FetchTimeout(),
	})
	if err != nil {
		c.closeOwned()
		return nil, err
	}
	c.engine = eng

	exec, err := command.NewExecutor(command.ExecutorOptions{
		Namespace:           cfg.Namespace,
		Transport:           bus,
		Host:                eng,
		Logger:              o.logger,
		Marshaler:           o.marshaler,
		Unmarshaler:         o.unmarshaler,
		NotificationTimeout: cfg.NotificationTimeout(),
		ProfileTimeout:      cfg.ProfileTimeout(),
	})
	if err != nil {
		c.closeOwned()
		return nil, err
	}
	c.executor = exec

	return c, nil
}

// Start begins synchronizing. When the transport is already connected a
// full resync completes before Start returns; otherwise cached state is
// served and synchronization begins on the first connect event.
func (c *Client) Start(ctx context.Context) error {
	return c.engine.Start(ctx)
}

// Close stops synchronization and releases the resources the client
// created. Injected stores and broadcasters are left open, as is the
// transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.engine.Close()
		c.closeOwned()
	})
	return err
}

func (c *Client) closeOwned() {
	if c.ownsTabs && c.tabs != nil {
		c.tabs.Close()
	}
	if c.ownsStore && c.store != nil {
		c.store.Close()
	}
}

// State returns a deep copy of the current materialized state.
func (c *Client) State() state.ApplicationState {
	return c.engine.Snapshot()
}

// OnChange registers a listener invoked with a snapshot after every
// state change. Listeners must not block.
func (c *Client) OnChange(fn func(state.ApplicationState)) (remove func()) {
	return c.engine.OnChange(fn)
}

// Execute runs one command: validation, optimistic local application,
// request/reply, rollback on failure. The result is always returned,
// never an error; inspect Result.Success and Result.Error.
func (c *Client) Execute(ctx context.Context, typ command.Type, payload any) command.Result {
	return c.executor.Execute(ctx, typ, payload)
}

// Refresh performs a user-initiated full resync.
func (c *Client) Refresh(ctx context.Context) error {
	return c.engine.Refresh(ctx)
}

// Reset logs out: initial syncing state with empty entity maps, cleared
// shared store, logout broadcast to sibling tabs.
func (c *Client) Reset(ctx context.Context) error {
	return c.engine.Reset(ctx)
}

// TabID identifies this client instance in cross-tab messages.
func (c *Client) TabID() string {
	return c.tabs.TabID()
}

// StoreAvailable reports whether state survives a restart; false means
// the in-memory fallback is active and the user should be warned.
func (c *Client) StoreAvailable() bool {
	return c.store.Available()
}
