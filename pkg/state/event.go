package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/statebus/statebus.go/pkg/codec"
)

// EventType discriminates the event union. The six known values form a
// closed set; anything else is treated as a forward-compatible unknown.
type EventType string

const (
	EventUserUpdated           EventType = "user.updated"
	EventSessionCreated        EventType = "session.created"
	EventSessionExpired        EventType = "session.expired"
	EventNotificationReceived  EventType = "notification.received"
	EventNotificationRead      EventType = "notification.read"
	EventNotificationDismissed EventType = "notification.dismissed"
)

// Known reports whether t is one of the six event types this client folds.
func (t EventType) Known() bool {
	switch t {
	case EventUserUpdated, EventSessionCreated, EventSessionExpired,
		EventNotificationReceived, EventNotificationRead, EventNotificationDismissed:
		return true
	}
	return false
}

var (
	ErrMalformedEvent   = errors.New("malformed event")
	ErrUnknownEventType = errors.New("unknown event type")
)

// Payload is the closed union of event payloads. The reducer dispatches on
// the concrete payload type so that adding a variant surfaces every switch
// that needs a new arm.
type Payload interface {
	isPayload()
}

// UserChanges carries the fields of a profile update; nil means unchanged.
type UserChanges struct {
	Email     *string `json:"email,omitempty" cbor:"email,omitempty"`
	Name      *string `json:"name,omitempty" cbor:"name,omitempty"`
	AvatarURL *string `json:"avatarUrl,omitempty" cbor:"avatarUrl,omitempty"`
}

type UserUpdatedPayload struct {
	ID      string      `json:"id" cbor:"id"`
	Changes UserChanges `json:"changes" cbor:"changes"`
}

type SessionCreatedPayload struct {
	Session
}

type SessionExpiredPayload struct {
	SessionID string `json:"sessionId" cbor:"sessionId"`
}

type NotificationReceivedPayload struct {
	Notification
}

type NotificationReadPayload struct {
	NotificationID string `json:"notificationId" cbor:"notificationId"`
}

type NotificationDismissedPayload struct {
	NotificationID string `json:"notificationId" cbor:"notificationId"`
}

func (UserUpdatedPayload) isPayload()           {}
func (SessionCreatedPayload) isPayload()        {}
func (SessionExpiredPayload) isPayload()        {}
func (NotificationReceivedPayload) isPayload()  {}
func (NotificationReadPayload) isPayload()      {}
func (NotificationDismissedPayload) isPayload() {}

// Event is one decoded bus event: an immutable fact describing something
// that already happened server-side.
type Event struct {
	Type          EventType
	Timestamp     int64 // unix milliseconds, as carried on the wire
	CorrelationID string
	Payload       Payload
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// wireEvent is the bus envelope. The payload stays raw until the type is
// known, mirroring the two-phase decode of RPC responses.
type wireEvent struct {
	Type          string          `json:"type" cbor:"type"`
	Timestamp     int64           `json:"timestamp" cbor:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty" cbor:"correlationId,omitempty"`
	Payload       cbor.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// DecodeEvent decodes and validates one inbound bus message. Malformed
// envelopes and payloads are rejected with ErrMalformedEvent; types outside
// the known set with ErrUnknownEventType. Callers drop both without
// touching state.
func DecodeEvent(un codec.Unmarshaler, data []byte) (Event, error) {
	var w wireEvent
	if err := un.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	typ := EventType(w.Type)
	if !typ.Known() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}
	if w.Timestamp <= 0 {
		return Event{}, fmt.Errorf("%w: missing or non-positive timestamp", ErrMalformedEvent)
	}

	ev := Event{
		Type:          typ,
		Timestamp:     w.Timestamp,
		CorrelationID: w.CorrelationID,
	}

	var payload Payload
	var err error
	switch typ {
	case EventUserUpdated:
		var p UserUpdatedPayload
		err = unmarshalPayload(un, w.Payload, &p)
		payload = p
	case EventSessionCreated:
		var p SessionCreatedPayload
		err = unmarshalPayload(un, w.Payload, &p)
		payload = p
	case EventSessionExpired:
		var p SessionExpiredPayload
		err = unmarshalPayload(un, w.Payload, &p)
		payload = p
	case EventNotificationReceived:
		var p NotificationReceivedPayload
		err = unmarshalPayload(un, w.Payload, &p)
		payload = p
	case EventNotificationRead:
		var p NotificationReadPayload
		err = unmarshalPayload(un, w.Payload, &p)
		payload = p
	case EventNotificationDismissed:
		var p NotificationDismissedPayload
		err = unmarshalPayload(un, w.Payload, &p)
		payload = p
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: decoding %s payload: %v", ErrMalformedEvent, typ, err)
	}

	ev.Payload = payload
	return ev, nil
}

func unmarshalPayload(un codec.Unmarshaler, raw cbor.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return un.Unmarshal(raw, dst)
}

// EncodeEvent renders an event back into its bus envelope.
func EncodeEvent(m codec.Marshaler, ev Event) ([]byte, error) {
	raw, err := m.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", ev.Type, err)
	}
	return m.Marshal(wireEvent{
		Type:          string(ev.Type),
		Timestamp:     ev.Timestamp,
		CorrelationID: ev.CorrelationID,
		Payload:       raw,
	})
}
