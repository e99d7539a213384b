package client

import (
	"encoding/json"
	"errors"
)

var (
	// ErrProjectNotFound indicates the server has no project with the requested id.
	ErrProjectNotFound = errors.New("project not found")
	// ErrNotJoined indicates a request on a proxy without an open connection.
	ErrNotJoined = errors.New("project not joined")
	// ErrNotSynced indicates a stream query before the first +sync arrived.
	ErrNotSynced = errors.New("stream not synced")
	// ErrShortReply indicates a reply carried fewer items than requested.
	ErrShortReply = errors.New("reply is missing items")
)

// RemoteError is a +error reply to a command.
type RemoteError struct {
	Message string
	Payload json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error"
	}
	return "remote error: " + e.Message
}
