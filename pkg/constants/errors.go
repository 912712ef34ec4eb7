package constants

import "errors"

var (
	ErrTimeout       = errors.New("timeout")
	ErrNotConnected  = errors.New("transport is not connected")
	ErrNoResponder   = errors.New("no responder for subject")
	ErrNoCachedState = errors.New("no cached state")
	ErrClosed        = errors.New("closed")
	ErrNoNamespace   = errors.New("namespace is not set")
	ErrNoMarshaler   = errors.New("marshaler is not set")
	ErrNoUnmarshaler = errors.New("unmarshaler is not set")
)
