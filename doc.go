// Package statebus maintains a locally materialized, eventually
// consistent mirror of server-side domain state over a message bus.
//
// A Client subscribes to the namespace's event stream, folds events into
// an aggregate through a pure reducer, persists the aggregate so it
// survives restarts, and mutates server state only through request/reply
// commands with optimistic local application. Multiple client instances
// on one machine share the persisted store and coordinate through
// invalidation signals.
//
// The message bus itself is not implemented here; callers supply any
// transport.Transport and the client drives its full synchronization
// protocol on top: full resync on every connect transition, sequential
// event application in between, offline and staleness tracking.
package statebus
