package protocol

import (
	"encoding/json"
	"time"
)

// StreamApplicationID is the application id of the event stream.
const StreamApplicationID = "ospy:stream"

// StreamAddress is the address of the event stream application.
var StreamAddress = ApplicationAddress(StreamApplicationID)

// Item is one captured event record in the stream log.
type Item struct {
	ID        int64           `json:"_id"`
	Timestamp time.Time       `json:"timestamp"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

// NewItem is an event submitted for appending; the stream assigns id and timestamp.
type NewItem struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// StreamState is the broadcast state of the stream.
type StreamState struct {
	Total int `json:"total"`
}

// AddRequest is the payload of +add.
type AddRequest struct {
	Items []NewItem `json:"items"`
}

// ItemRef references an item by id.
type ItemRef struct {
	ID int64 `json:"_id"`
}

// GetRequest is the payload of .get.
type GetRequest struct {
	Items []ItemRef `json:"items"`
}

// GetAtRequest is the payload of .get-at.
type GetAtRequest struct {
	Indexes []int `json:"indexes"`
}

// GetRangeRequest is the payload of .get-range.
type GetRangeRequest struct {
	StartIndex int `json:"start_index"`
	Limit      int `json:"limit"`
}

// ErrorPayload is the payload of +error. An empty message encodes as {}.
type ErrorPayload struct {
	Error string `json:"error,omitempty"`
}

// PublishResult is the +result payload of .publish.
type PublishResult struct {
	ID string `json:"_id"`
}
