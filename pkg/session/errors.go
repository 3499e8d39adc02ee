package session

import "errors"

var (
	ErrSessionClosed      = errors.New("session is closed")
	ErrTransportClosed    = errors.New("signaling transport is closed")
	ErrJoinTimeout        = errors.New("room join timed out")
	ErrReconnectExhausted = errors.New("signaling reconnect attempts exhausted")

	// ErrShareCancelled is the non-error outcome of an aborted screen
	// capture. Callers should not surface it as a failure.
	ErrShareCancelled = errors.New("screen share cancelled")

	// ErrDeviceUnavailable covers denied or missing capture devices. It is
	// recoverable: the feature stays off, the session keeps running.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	errGraceExpired = errors.New("reconnect grace period expired")
	errPeerLeft     = errors.New("peer left the room")
	errLinkClosed   = errors.New("peer link closed")
)
