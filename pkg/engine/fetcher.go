package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/statebus/statebus.go/pkg/codec"
	"github.com/statebus/statebus.go/pkg/state"
	"github.com/statebus/statebus.go/pkg/transport"
)

// FetchResponse is the reply shape of the full-state request. Sessions
// and notifications arrive as flat lists and are normalized into the
// id-keyed aggregate maps.
type FetchResponse struct {
	User          *state.User          `json:"user,omitempty" cbor:"user,omitempty"`
	Sessions      []state.Session      `json:"sessions" cbor:"sessions"`
	Notifications []state.Notification `json:"notifications" cbor:"notifications"`
	ServerTime    time.Time            `json:"serverTime" cbor:"serverTime"`
}

// EncodeFetchResponse renders a reply the way a state responder would.
func EncodeFetchResponse(m codec.Marshaler, resp FetchResponse) ([]byte, error) {
	return m.Marshal(resp)
}

// fetchAndApply requests the authoritative full state, replaces both the
// in-memory aggregate and the persisted store with it, and tells sibling
// tabs to re-read.
func (e *Engine) fetchAndApply(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	data, err := e.bus.Request(ctx, transport.StateGetSubject(e.ns), nil)
	if err != nil {
		return fmt.Errorf("requesting full state: %w", err)
	}

	var resp FetchResponse
	if err := e.unmarshaler.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding full state reply: %w", err)
	}

	fetched := normalize(resp)

	e.mutate(func(s *state.ApplicationState) {
		s.User = fetched.User
		s.Sessions = fetched.Sessions
		s.Notifications = fetched.Notifications
		if fetched.LastSyncedAt.After(s.LastSyncedAt) {
			s.LastSyncedAt = fetched.LastSyncedAt
		}
		// A disconnect that landed mid-fetch keeps the state offline;
		// the fetched entities still refresh the cache.
		if s.Status.CanTransitionTo(state.StatusSynced) {
			s.Status = state.StatusSynced
			s.LastError = ""
		}
	})

	persisted := e.Snapshot()
	if err := e.st.SetState(ctx, persisted); err != nil {
		e.log.Error("persisting fetched state", "error", err)
	} else if e.tabs != nil {
		e.tabs.NotifyStateInvalidated()
	}
	return nil
}

// normalize turns the wire reply into the id-keyed aggregate.
func normalize(resp FetchResponse) state.ApplicationState {
	st := state.New()
	st.User = resp.User
	for _, s := range resp.Sessions {
		st.Sessions[s.ID] = s
	}
	for _, n := range resp.Notifications {
		st.Notifications[n.ID] = n
	}
	st.LastSyncedAt = resp.ServerTime.UTC()
	if resp.ServerTime.IsZero() {
		st.LastSyncedAt = time.Now().UTC()
	}
	return st
}
