// Package transport defines the message bus surface the synchronization
// engine runs on. The engine never dials or speaks a wire protocol itself;
// it consumes an already constructed Transport and reacts to the
// connection lifecycle events the transport reports.
package transport

import "context"

// Status is a connection lifecycle phase reported by a Transport.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusReconnected  Status = "reconnected"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// ConnectionEvent is emitted on every lifecycle transition. Err is set
// only for StatusError.
type ConnectionEvent struct {
	Status Status
	Err    error
}

// Message is a single inbound bus message.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is a live stream of messages for one subject pattern.
// C is closed when the subscription ends, whether through Unsubscribe or
// a connection loss that tears the stream down.
type Subscription interface {
	C() <-chan Message
	Unsubscribe() error
}

// Transport is the message bus connection. Implementations own
// reconnection; consumers observe it through OnEvent and re-establish
// their subscriptions when StatusReconnected arrives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// OnEvent registers a lifecycle listener. Listeners must not block.
	OnEvent(fn func(ConnectionEvent)) (remove func())

	// Request performs a request/reply exchange on the given subject.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Subscribe opens a stream for a subject pattern. The trailing ">"
	// wildcard matches any suffix.
	Subscribe(ctx context.Context, subject string) (Subscription, error)
}
