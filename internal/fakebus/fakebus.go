// Package fakebus is an in-memory transport.Transport used by tests. It
// serves requests from registered handlers, delivers published messages
// to matching subscriptions and lets tests drive the connection
// lifecycle by hand.
package fakebus

import (
	"context"
	"strings"
	"sync"

	"github.com/statebus/statebus.go/pkg/constants"
	"github.com/statebus/statebus.go/pkg/transport"
)

type Handler func(subject string, data []byte) ([]byte, error)

// Bus implements transport.Transport entirely in memory.
type Bus struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]Handler
	subs      map[*subscription]struct{}
	listeners map[int]func(transport.ConnectionEvent)
	nextID    int

	// requestErr, when set, fails every Request regardless of handlers.
	requestErr error
}

var _ transport.Transport = (*Bus)(nil)

func New() *Bus {
	return &Bus{
		handlers:  make(map[string]Handler),
		subs:      make(map[*subscription]struct{}),
		listeners: make(map[int]func(transport.ConnectionEvent)),
	}
}

// Handle registers the responder for a subject.
func (b *Bus) Handle(subject string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = h
}

// ActiveSubscriptions reports how many subscriptions are currently live.
func (b *Bus) ActiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// FailRequests makes every subsequent Request return err. Pass nil to
// restore normal behavior.
func (b *Bus) FailRequests(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestErr = err
}

// Publish delivers a message to every subscription whose pattern matches
// the subject.
func (b *Bus) Publish(subject string, data []byte) {
	b.mu.Lock()
	var targets []*subscription
	for s := range b.subs {
		if matches(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(transport.Message{Subject: subject, Data: data})
	}
}

// EmitConnection drives the lifecycle listeners. Connected and
// reconnected mark the bus connected; disconnected, error and closed
// mark it disconnected and tear down live subscriptions the way a real
// connection loss would.
func (b *Bus) EmitConnection(ev transport.ConnectionEvent) {
	b.mu.Lock()
	switch ev.Status {
	case transport.StatusConnected, transport.StatusReconnected:
		b.connected = true
	case transport.StatusDisconnected, transport.StatusError, transport.StatusClosed:
		b.connected = false
	}
	var dropped []*subscription
	if !b.connected {
		for s := range b.subs {
			dropped = append(dropped, s)
		}
		b.subs = make(map[*subscription]struct{})
	}
	fns := make([]func(transport.ConnectionEvent), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, s := range dropped {
		s.close()
	}
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Bus) Connect(ctx context.Context) error {
	b.EmitConnection(transport.ConnectionEvent{Status: transport.StatusConnected})
	return nil
}

func (b *Bus) Disconnect(ctx context.Context) error {
	b.EmitConnection(transport.ConnectionEvent{Status: transport.StatusClosed})
	return nil
}

func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bus) OnEvent(fn func(transport.ConnectionEvent)) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, constants.ErrNotConnected
	}
	if b.requestErr != nil {
		err := b.requestErr
		b.mu.Unlock()
		return nil, err
	}
	h, ok := b.handlers[subject]
	b.mu.Unlock()

	if !ok {
		return nil, constants.ErrNoResponder
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(subject, data)
}

func (b *Bus) Subscribe(ctx context.Context, subject string) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, constants.ErrNotConnected
	}

	s := &subscription{
		bus:     b,
		pattern: subject,
		ch:      make(chan transport.Message, 64),
	}
	b.subs[s] = struct{}{}
	return s, nil
}

type subscription struct {
	bus     *Bus
	pattern string
	ch      chan transport.Message

	mu     sync.Mutex
	closed bool
}

func (s *subscription) C() <-chan transport.Message { return s.ch }

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
	return nil
}

func (s *subscription) deliver(msg transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// matches implements subject matching with the trailing ">" wildcard.
func matches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".>"); ok {
		return strings.HasPrefix(subject, prefix+".")
	}
	return false
}
