package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statebus/statebus.go/pkg/codec"
)

func TestDecodeEvent(t *testing.T) {
	m := codec.CborMarshaler{}
	un := codec.CborUnmarshaler{}

	t.Run("round trip", func(t *testing.T) {
		in := Event{
			Type:          EventNotificationRead,
			Timestamp:     12345,
			CorrelationID: "corr-1",
			Payload:       NotificationReadPayload{NotificationID: "n1"},
		}
		data, err := EncodeEvent(m, in)
		require.NoError(t, err)

		out, err := DecodeEvent(un, data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("session created carries the full session", func(t *testing.T) {
		sess := Session{
			ID:             "s1",
			UserID:         "u1",
			CreatedAt:      time.UnixMilli(1000).UTC(),
			ExpiresAt:      time.UnixMilli(3_601_000).UTC(),
			LastActivityAt: time.UnixMilli(1000).UTC(),
			Device:         "laptop",
		}
		data, err := EncodeEvent(m, Event{
			Type:      EventSessionCreated,
			Timestamp: 1000,
			Payload:   SessionCreatedPayload{Session: sess},
		})
		require.NoError(t, err)

		out, err := DecodeEvent(un, data)
		require.NoError(t, err)
		p, ok := out.Payload.(SessionCreatedPayload)
		require.True(t, ok)
		assert.Equal(t, "s1", p.Session.ID)
		assert.Equal(t, "laptop", p.Session.Device)
		assert.True(t, p.Session.ExpiresAt.Equal(sess.ExpiresAt))
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		data, err := m.Marshal(map[string]any{
			"type":      "user.deleted",
			"timestamp": int64(1000),
			"payload":   map[string]any{"id": "u1"},
		})
		require.NoError(t, err)

		_, err = DecodeEvent(un, data)
		assert.ErrorIs(t, err, ErrUnknownEventType)
	})

	t.Run("missing timestamp is malformed", func(t *testing.T) {
		data, err := m.Marshal(map[string]any{
			"type":    string(EventNotificationRead),
			"payload": map[string]any{"notificationId": "n1"},
		})
		require.NoError(t, err)

		_, err = DecodeEvent(un, data)
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("missing payload is malformed", func(t *testing.T) {
		data, err := m.Marshal(map[string]any{
			"type":      string(EventNotificationRead),
			"timestamp": int64(1000),
		})
		require.NoError(t, err)

		_, err = DecodeEvent(un, data)
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("garbage bytes are malformed", func(t *testing.T) {
		_, err := DecodeEvent(un, []byte{0xff, 0x00, 0x13})
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestEventTypeKnown(t *testing.T) {
	for _, typ := range []EventType{
		EventUserUpdated, EventSessionCreated, EventSessionExpired,
		EventNotificationReceived, EventNotificationRead, EventNotificationDismissed,
	} {
		assert.True(t, typ.Known(), "type %q", typ)
	}
	assert.False(t, EventType("user.deleted").Known())
	assert.False(t, EventType("").Known())
}
