package transport

import "errors"

var (
	// ErrSessionClosed indicates a send on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowPeer indicates the session's outbound buffer overflowed.
	ErrSlowPeer = errors.New("outbound buffer full")
	// ErrUnexpectedFrame indicates a binary or otherwise non-text frame.
	ErrUnexpectedFrame = errors.New("unexpected frame type")
)
