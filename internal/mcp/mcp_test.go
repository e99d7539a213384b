package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/domain/stream"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/ospy/ospy/internal/registry"
	"github.com/ospy/ospy/internal/repository/mocks"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

type nopPeer struct{}

func (nopPeer) ID() string                  { return "viewer" }
func (nopPeer) Send(protocol.Stanza) error { return nil }

func newRegistryWithItems(t *testing.T, items int) (*registry.Registry, string) {
	t.Helper()
	reg := registry.New(registry.Config{
		Store: &mocks.Store{},
		Applications: map[string]project.ApplicationFactory{
			protocol.StreamApplicationID: stream.Factory(nil, nil),
		},
	})
	p, err := reg.Resolve(context.Background(), registry.NewProjectID)
	require.NoError(t, err)
	require.NoError(t, p.Join(nopPeer{}))

	newItems := make([]protocol.NewItem, items)
	for i := range newItems {
		newItems[i] = protocol.NewItem{Event: "write", Payload: json.RawMessage(`{"fd":3}`)}
	}
	payload, err := json.Marshal(protocol.AddRequest{Items: newItems})
	require.NoError(t, err)
	p.Receive(protocol.Stanza{To: protocol.StreamAddress, Name: protocol.NotifyAdd, Payload: payload}, nopPeer{})
	return reg, p.ID()
}

func connect(t *testing.T, reg *registry.Registry) *sdkmcp.ClientSession {
	t.Helper()
	return connectWith(t, Config{Projects: reg})
}

func connectWith(t *testing.T, cfg Config) *sdkmcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := NewServer(cfg)
	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callTool(t *testing.T, session *sdkmcp.ClientSession, name string, args map[string]any) (*sdkmcp.CallToolResult, string) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &sdkmcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			return result, text.Text
		}
	}
	t.Fatalf("tool %s returned no text content", name)
	return nil, ""
}

func TestTools_ListProjects(t *testing.T) {
	reg, projectID := newRegistryWithItems(t, 3)
	session := connect(t, reg)

	result, text := callTool(t, session, "list_projects", map[string]any{})
	require.False(t, result.IsError)

	var out ListProjectsOutput
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Equal(t, []ProjectSummary{{ID: projectID, Persisted: false, Sessions: 1, Total: 3}}, out.Projects)
}

func TestTools_GetStreamRange(t *testing.T) {
	reg, projectID := newRegistryWithItems(t, 5)
	session := connect(t, reg)

	result, text := callTool(t, session, "get_stream_range", map[string]any{
		"project_id": projectID,
		"start":      3,
		"limit":      10,
	})
	require.False(t, result.IsError)

	var out GetStreamRangeOutput
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Equal(t, 5, out.Total)
	require.Len(t, out.Items, 2)
	require.EqualValues(t, 3, out.Items[0].ID)
	require.Equal(t, map[string]any{"fd": float64(3)}, out.Items[0].Payload)
}

func TestTools_GetStreamRangeUnknownProject(t *testing.T) {
	reg, _ := newRegistryWithItems(t, 1)
	session := connect(t, reg)

	result, text := callTool(t, session, "get_stream_range", map[string]any{"project_id": "nope"})
	require.True(t, result.IsError)
	require.Contains(t, text, "PROJECT_NOT_FOUND")
}

func TestResources_ProtocolDoc(t *testing.T) {
	reg, _ := newRegistryWithItems(t, 0)
	session := connect(t, reg)

	read, err := session.ReadResource(context.Background(), &sdkmcp.ReadResourceParams{URI: "ospy://docs/protocol"})
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	require.Contains(t, read.Contents[0].Text, ".get-range")
}

func TestMapError(t *testing.T) {
	var apiErr *APIError
	require.ErrorAs(t, MapError(registry.ErrProjectNotFound), &apiErr)
	require.Equal(t, "PROJECT_NOT_FOUND", apiErr.Code)
	require.NoError(t, MapError(nil))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTrafficLogging_ToolCalls(t *testing.T) {
	reg, projectID := newRegistryWithItems(t, 2)
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	session := connectWith(t, Config{Projects: reg, Logger: logger})

	result, _ := callTool(t, session, "get_stream_range", map[string]any{"project_id": projectID})
	require.False(t, result.IsError)
	result, _ = callTool(t, session, "get_stream_range", map[string]any{"project_id": "nope"})
	require.True(t, result.IsError)

	out := logs.String()
	require.Contains(t, out, "direction=inbound method=tools/call")
	require.Contains(t, out, "tool=get_stream_range project_id="+projectID)
	require.Contains(t, out, "project_id=nope")
	require.Contains(t, out, "tool_error=true")
}

func TestTrafficLogging_QuietAboveDebug(t *testing.T) {
	reg, _ := newRegistryWithItems(t, 0)
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	session := connectWith(t, Config{Projects: reg, Logger: logger})

	callTool(t, session, "list_projects", map[string]any{})
	require.NotContains(t, logs.String(), "mcp call")
}
