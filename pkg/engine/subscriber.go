package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/statebus/statebus.go/pkg/state"
	"github.com/statebus/statebus.go/pkg/tabsync"
	"github.com/statebus/statebus.go/pkg/transport"
)

// liveSub pairs a subscription with its consumer's completion signal so
// teardown can wait for exactly the consumer it is closing.
type liveSub struct {
	sub  transport.Subscription
	done chan struct{}
}

// subscribe opens the wildcard event stream and starts its consumer.
// Only resync calls this, under resyncMu and after a teardown, so at
// most one subscription is live per engine.
func (e *Engine) subscribe(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, transport.EventsSubject(e.ns))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", transport.EventsSubject(e.ns), err)
	}

	ls := &liveSub{sub: sub, done: make(chan struct{})}
	e.mu.Lock()
	e.subGen++
	gen := e.subGen
	e.sub = ls
	e.mu.Unlock()

	go e.consume(ls, gen)
	return nil
}

// teardownSubscription unsubscribes and waits for the consumer to
// drain. Bumping the generation first keeps the exiting consumer from
// reporting the deliberate close as a stream failure.
func (e *Engine) teardownSubscription() {
	e.mu.Lock()
	ls := e.sub
	e.sub = nil
	e.subGen++
	e.mu.Unlock()

	if ls == nil {
		return
	}
	if err := ls.sub.Unsubscribe(); err != nil {
		e.log.Warn("unsubscribing event stream", "error", err)
	}
	<-ls.done
}

// consume applies inbound events strictly in arrival order. Reducer
// application and persistence for one event complete before the next is
// taken from the channel.
func (e *Engine) consume(ls *liveSub, gen uint64) {
	defer close(ls.done)

	for msg := range ls.sub.C() {
		e.applyMessage(context.Background(), msg)
	}

	e.mu.Lock()
	unexpected := gen == e.subGen
	e.mu.Unlock()
	if unexpected {
		// Recovery is driven by the next transport reconnect event.
		e.log.Warn("event stream ended unexpectedly")
		e.mutate(func(s *state.ApplicationState) {
			e.setStatusLocked(s, state.StatusStale)
			s.LastError = "event stream ended unexpectedly"
		})
	}
}

func (e *Engine) applyMessage(ctx context.Context, msg transport.Message) {
	ev, err := state.DecodeEvent(e.unmarshaler, msg.Data)
	if err != nil {
		e.log.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
		return
	}

	e.mutate(func(s *state.ApplicationState) {
		*s = state.Apply(*s, ev)
		now := time.Now().UTC()
		if now.After(s.LastSyncedAt) {
			s.LastSyncedAt = now
		}
		e.setStatusLocked(s, state.StatusSynced)
		s.LastError = ""
	})

	snapshot := e.Snapshot()
	e.persistEvent(ctx, ev, snapshot)

	if e.tabs != nil {
		e.tabs.NotifyStateInvalidated(invalidationKeys(ev)...)
	}
}

// persistEvent mirrors one applied event into the store incrementally.
// Persistence failures are logged and never undo the in-memory update.
func (e *Engine) persistEvent(ctx context.Context, ev state.Event, snap state.ApplicationState) {
	var err error
	switch p := ev.Payload.(type) {
	case state.UserUpdatedPayload:
		if snap.User != nil && snap.User.ID == p.ID {
			err = e.st.UpsertUser(ctx, *snap.User)
		}
	case state.SessionCreatedPayload:
		err = e.st.UpsertSession(ctx, p.Session)
	case state.SessionExpiredPayload:
		err = e.st.DeleteSession(ctx, p.SessionID)
	case state.NotificationReceivedPayload:
		err = e.st.UpsertNotification(ctx, p.Notification)
	case state.NotificationReadPayload:
		if n, ok := snap.Notifications[p.NotificationID]; ok {
			err = e.st.UpsertNotification(ctx, n)
		}
	case state.NotificationDismissedPayload:
		if n, ok := snap.Notifications[p.NotificationID]; ok {
			err = e.st.UpsertNotification(ctx, n)
		}
	}
	if err != nil {
		e.log.Error("persisting applied event", "type", ev.Type, "error", err)
	}
	if err := e.st.SetLastSyncedAt(ctx, snap.LastSyncedAt); err != nil {
		e.log.Error("persisting sync timestamp", "error", err)
	}
}

// invalidationKeys scopes the cross-tab broadcast to the entity kinds
// one event touches.
func invalidationKeys(ev state.Event) []string {
	switch ev.Payload.(type) {
	case state.UserUpdatedPayload:
		return []string{tabsync.KeyUser}
	case state.SessionCreatedPayload, state.SessionExpiredPayload:
		return []string{tabsync.KeySessions}
	default:
		return []string{tabsync.KeyNotifications}
	}
}
