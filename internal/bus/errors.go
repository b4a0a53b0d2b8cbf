package bus

import "errors"

var (
	// ErrNotReady is returned by Connect when either role could not be established.
	ErrNotReady = errors.New("bus not ready")
	// ErrNotConnected is returned while a role is down or reconnecting.
	ErrNotConnected = errors.New("bus role not connected")
	// ErrAlreadySubscribed is returned when a channel already has a handler.
	ErrAlreadySubscribed = errors.New("channel already subscribed")
	// ErrReconnectExhausted is emitted on Adapter.Errors when the retry budget is spent.
	ErrReconnectExhausted = errors.New("bus reconnect attempts exhausted")
	// ErrShuttingDown is returned for calls made after shutdown began.
	ErrShuttingDown = errors.New("bus shutting down")
)
