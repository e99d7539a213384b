package testserver

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/domain/stream"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/ospy/ospy/internal/registry"
	"github.com/ospy/ospy/internal/sqlite"
	"github.com/ospy/ospy/internal/transport"
	"github.com/stretchr/testify/require"
)

// TestServer runs the full server stack over httptest.
type TestServer struct {
	Server   *httptest.Server
	DB       *sqlite.DB
	Store    *sqlite.Store
	Registry *registry.Registry
	// URL is the websocket base URL, e.g. ws://127.0.0.1:1234.
	URL string
}

// Options tunes the server under test.
type Options struct {
	SuspendGrace time.Duration
}

// New starts a server backed by a private in-memory database.
func New(t *testing.T) *TestServer {
	t.Helper()
	return NewWithOptions(t, Options{})
}

// NewWithOptions starts a server backed by a private in-memory database.
func NewWithOptions(t *testing.T, opts Options) *TestServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.New(dsn)
	require.NoError(t, err)
	// Shared-cache connections report table locks instead of waiting on them.
	db.SetMaxOpenConns(1)
	require.NoError(t, db.RunMigrations())

	store := sqlite.NewStore(db)
	reg := registry.New(registry.Config{
		Store: store,
		Applications: map[string]project.ApplicationFactory{
			protocol.StreamApplicationID: stream.Factory(nil, nil),
		},
		SuspendGrace: opts.SuspendGrace,
	})
	server := httptest.NewServer(transport.NewServer(transport.ServerConfig{Projects: reg}))

	ts := &TestServer{
		Server:   server,
		DB:       db,
		Store:    store,
		Registry: reg,
		URL:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}

	t.Cleanup(func() {
		server.Close()
		_ = reg.Close(context.Background())
		_ = db.Close()
	})

	return ts
}
