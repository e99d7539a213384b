package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stanza names. Commands start with "." and always get exactly one reply;
// notifications start with "+" and are fire-and-forget.
const (
	CommandPublish  = ".publish"
	CommandGet      = ".get"
	CommandGetAt    = ".get-at"
	CommandGetRange = ".get-range"

	NotifySync   = "+sync"
	NotifyUpdate = "+update"
	NotifyClear  = "+clear"
	NotifyAdd    = "+add"

	ReplyResult = "+result"
	ReplyError  = "+error"
)

// RootAddress addresses the project itself.
const RootAddress = "/"

const applicationPrefix = "/applications/"

var (
	// ErrEmptyFrame is returned when a frame carries no data.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrMalformedStanza is returned when a frame cannot be decoded as a stanza.
	ErrMalformedStanza = errors.New("malformed stanza")
)

// Stanza is one addressed protocol message.
type Stanza struct {
	ID      json.RawMessage `json:"id,omitempty"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsCommand reports whether the stanza expects a reply.
func (s Stanza) IsCommand() bool {
	return strings.HasPrefix(s.Name, ".")
}

// HasID reports whether the stanza carries a request id.
func (s Stanza) HasID() bool {
	return len(s.ID) != 0
}

// DecodePayload unmarshals the payload into v. A missing payload decodes as {}.
func (s Stanza) DecodePayload(v any) error {
	if len(s.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(s.Payload, v)
}

// ApplicationAddress returns the address of the application with the given id.
func ApplicationAddress(applicationID string) string {
	return applicationPrefix + applicationID
}

// ParseApplicationAddress extracts the application id from an address of the
// form /applications/<id>. It reports false for any other address.
func ParseApplicationAddress(address string) (string, bool) {
	applicationID, ok := strings.CutPrefix(address, applicationPrefix)
	if !ok || applicationID == "" || strings.Contains(applicationID, "/") {
		return "", false
	}
	return applicationID, true
}

// New builds an unaddressed stanza with the given name and payload.
func New(name string, payload any) (Stanza, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Stanza{}, fmt.Errorf("encoding %s payload: %w", name, err)
	}
	return Stanza{Name: name, Payload: raw}, nil
}

// Reply builds a reply to request, echoing its id.
func Reply(request Stanza, from, name string, payload any) (Stanza, error) {
	reply, err := New(name, payload)
	if err != nil {
		return Stanza{}, err
	}
	reply.ID = request.ID
	reply.From = from
	return reply, nil
}

// Encode serializes a stanza for a text frame.
func Encode(s Stanza) ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a text frame into a stanza.
func Decode(data []byte) (Stanza, error) {
	if len(data) == 0 {
		return Stanza{}, ErrEmptyFrame
	}
	var s Stanza
	if err := json.Unmarshal(data, &s); err != nil {
		return Stanza{}, fmt.Errorf("%w: %v", ErrMalformedStanza, err)
	}
	if s.Name == "" {
		return Stanza{}, fmt.Errorf("%w: missing name", ErrMalformedStanza)
	}
	return s, nil
}
