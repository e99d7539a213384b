package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/domain/stream"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/ospy/ospy/internal/registry"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultRangeLimit = 50
	maxRangeLimit     = 500
)

type ListProjectsInput struct{}

type ProjectSummary struct {
	ID        string `json:"id"`
	Persisted bool   `json:"persisted"`
	Sessions  int    `json:"sessions"`
	Total     int    `json:"total"`
}

type ListProjectsOutput struct {
	Projects []ProjectSummary `json:"projects"`
}

type GetStreamRangeInput struct {
	ProjectID string `json:"project_id" jsonschema:"id of a live project"`
	Start     int    `json:"start,omitempty" jsonschema:"index of the first item"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of items, default 50"`
}

type StreamItem struct {
	ID        int64  `json:"_id"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
}

type GetStreamRangeOutput struct {
	Total int          `json:"total"`
	Items []StreamItem `json:"items"`
}

func registerTools(server *sdkmcp.Server, projects ProjectSource) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_projects",
		Description: "List the projects currently live on this server with their session counts and stream sizes",
	}, func(_ context.Context, _ *sdkmcp.CallToolRequest, _ ListProjectsInput) (*sdkmcp.CallToolResult, ListProjectsOutput, error) {
		infos := projects.Projects()
		out := ListProjectsOutput{Projects: make([]ProjectSummary, 0, len(infos))}
		for _, info := range infos {
			summary := ProjectSummary{ID: info.ID, Persisted: info.Persisted, Sessions: info.Sessions}
			if p, ok := projects.Lookup(info.ID); ok {
				if s, ok := streamOf(p); ok {
					summary.Total = s.Total()
				}
			}
			out.Projects = append(out.Projects, summary)
		}
		return nil, out, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_stream_range",
		Description: "Read a window of captured events from a live project's stream",
	}, func(_ context.Context, _ *sdkmcp.CallToolRequest, in GetStreamRangeInput) (*sdkmcp.CallToolResult, GetStreamRangeOutput, error) {
		out, err := getStreamRange(projects, in)
		return nil, out, MapError(err)
	})
}

func getStreamRange(projects ProjectSource, in GetStreamRangeInput) (GetStreamRangeOutput, error) {
	if in.ProjectID == "" {
		return GetStreamRangeOutput{}, fmt.Errorf("%w: project_id is required", ErrInvalidInput)
	}
	if in.Start < 0 {
		return GetStreamRangeOutput{}, fmt.Errorf("%w: start must not be negative", ErrInvalidInput)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultRangeLimit
	}
	limit = min(limit, maxRangeLimit)

	p, ok := projects.Lookup(in.ProjectID)
	if !ok {
		return GetStreamRangeOutput{}, registry.ErrProjectNotFound
	}
	s, ok := streamOf(p)
	if !ok {
		return GetStreamRangeOutput{}, registry.ErrProjectNotFound
	}

	items := s.Range(in.Start, limit)
	out := GetStreamRangeOutput{Total: s.Total(), Items: make([]StreamItem, 0, len(items))}
	for _, item := range items {
		var payload any
		if len(item.Payload) > 0 {
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				payload = string(item.Payload)
			}
		}
		out.Items = append(out.Items, StreamItem{
			ID:        item.ID,
			Timestamp: item.Timestamp.Format(time.RFC3339Nano),
			Event:     item.Event,
			Payload:   payload,
		})
	}
	return out, nil
}

func streamOf(p *project.Project) (*stream.Stream, bool) {
	app, ok := p.Application(protocol.StreamApplicationID)
	if !ok {
		return nil, false
	}
	s, ok := app.(*stream.Stream)
	return s, ok
}
