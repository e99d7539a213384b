package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// logTraffic logs one debug line per MCP call: the method, how long it took
// and, for tool calls, the tool and the project it inspected.
func logTraffic(logger *slog.Logger, direction string) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			if logger == nil || !logger.Enabled(ctx, slog.LevelDebug) {
				return next(ctx, method, req)
			}

			began := time.Now()
			result, err := next(ctx, method, req)

			attrs := append(requestAttrs(req), "direction", direction, "method", method, "elapsed", time.Since(began))
			if res, ok := result.(*sdkmcp.CallToolResult); ok && res != nil && res.IsError {
				attrs = append(attrs, "tool_error", true)
			}
			if err != nil {
				attrs = append(attrs, "error", err)
			}
			logger.Debug("mcp call", attrs...)
			return result, err
		}
	}
}

// requestAttrs picks the fields worth logging out of the inbound requests
// this server handles. Other requests log their method only.
func requestAttrs(req sdkmcp.Request) []any {
	var attrs []any
	switch r := req.(type) {
	case *sdkmcp.CallToolRequest:
		if r.Session != nil {
			attrs = append(attrs, "session_id", r.Session.ID())
		}
		if r.Params == nil {
			break
		}
		attrs = append(attrs, "tool", r.Params.Name)
		var args struct {
			ProjectID string `json:"project_id"`
		}
		if json.Unmarshal(r.Params.Arguments, &args) == nil && args.ProjectID != "" {
			attrs = append(attrs, "project_id", args.ProjectID)
		}
	case *sdkmcp.ReadResourceRequest:
		if r.Session != nil {
			attrs = append(attrs, "session_id", r.Session.ID())
		}
		if r.Params != nil {
			attrs = append(attrs, "uri", r.Params.URI)
		}
	}
	return attrs
}
