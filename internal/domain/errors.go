package domain

import "errors"

// Sentinel errors for the client core. Transport and network errors are
// recovered locally (reconnect, queue); server rejections and auth errors
// surface as message or connection state for explicit user action.
var (
	ErrTransport          = errors.New("transport error")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrServerRejected     = errors.New("server rejected request")
	ErrAuth               = errors.New("authentication failed")
	ErrMalformedEvent     = errors.New("malformed inbound event")

	ErrNotConnected = errors.New("not connected")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("component is closed")
)
