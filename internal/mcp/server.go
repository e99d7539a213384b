package mcp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ospy/ospy/internal/domain/project"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProjectSource defines the live-project operations needed by MCP.
type ProjectSource interface {
	Projects() []project.Info
	Lookup(id string) (*project.Project, bool)
}

// Config contains server configuration.
type Config struct {
	Projects ProjectSource
	Version  string
	Logger   *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "ospy",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	server.AddReceivingMiddleware(logTraffic(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(logTraffic(cfg.Logger, "outbound"))

	registerTools(server, cfg.Projects)

	return server
}

// NewHTTPHandler serves server over streamable HTTP.
func NewHTTPHandler(server *sdkmcp.Server) http.Handler {
	return sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return server },
		&sdkmcp.StreamableHTTPOptions{
			SessionTimeout: 30 * time.Minute,
		},
	)
}
