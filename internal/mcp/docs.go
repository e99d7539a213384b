package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `ospy relays captured events between viewers of shared projects.

Concepts:
- Project: shared state joined by viewers over /channel/projects/{id}. Ephemeral until published.
- Stream: the project's append-only event log. Items carry a never-reused _id, a timestamp, an event name and a payload.

Tools:
- list_projects: live projects, their viewer counts and stream sizes.
- get_stream_range: read a window of a live project's stream by index.

Only live projects are visible; a published project that was suspended becomes live again when a viewer joins it.

Docs:
- ospy://docs/protocol (wire protocol reference)
`

const protocolDocURI = "ospy://docs/protocol"

const protocolDoc = `# ospy wire protocol

Each websocket text frame carries one JSON stanza:

    {"id": 0, "to": "/applications/ospy:stream", "name": ".get-range", "payload": {"start_index": 0, "limit": 20}}

- Names starting with "." are commands. Each gets exactly one reply, "+result" or "+error", echoing its id.
- Names starting with "+" are notifications and carry no id.

## Addresses

- "/" is the project itself. It accepts ".publish", which makes the project durable once.
  A repeated publish replies {"error": "already published"}.
- "/applications/ospy:stream" is the event stream.

## Stream

| stanza | payload | effect |
|---|---|---|
| +sync | {"total": n} | sent to a viewer when it joins |
| +update | {"total": n} | broadcast after every change |
| +add | {"items": [{"event", "payload"}]} | appends; ids keep increasing |
| +clear | {} | truncates; ids are never reused |
| .get | {"items": [{"_id"}]} | items by id, all or nothing |
| .get-at | {"indexes": [i]} | items by index, all or nothing |
| .get-range | {"start_index", "limit"} | window clamped to the log, never fails |
`

func registerDocResources(server *sdkmcp.Server) {
	server.AddResource(&sdkmcp.Resource{
		URI:         protocolDocURI,
		Name:        "docs_protocol",
		Title:       "ospy wire protocol",
		Description: "Stanza shapes, addresses and the stream application's commands and notifications.",
		MIMEType:    "text/markdown",
		Size:        int64(len(protocolDoc)),
	}, readProtocolDoc)
}

func readProtocolDoc(_ context.Context, _ *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
	return &sdkmcp.ReadResourceResult{
		Contents: []*sdkmcp.ResourceContents{{
			URI:      protocolDocURI,
			MIMEType: "text/markdown",
			Text:     protocolDoc,
		}},
	}, nil
}
