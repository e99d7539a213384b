package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/registry"
)

// ProjectResolver resolves project ids to live projects.
type ProjectResolver interface {
	Resolve(ctx context.Context, id string) (*project.Project, error)
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Projects   ProjectResolver
	PingPeriod time.Duration
	Logger     *slog.Logger
	// Mounts are extra handlers registered on the router by path prefix.
	Mounts map[string]http.Handler
}

// Server serves project channels.
type Server struct {
	projects   ProjectResolver
	pingPeriod time.Duration
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewServer creates the HTTP router.
func NewServer(cfg ServerConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &Server{
		projects:   cfg.Projects,
		pingPeriod: cfg.PingPeriod,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/health", srv.handleHealth)
	r.Get("/channel/projects/{projectID}", srv.handleChannel)
	for pattern, handler := range cfg.Mounts {
		r.Mount(pattern, handler)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	p, err := s.projects.Resolve(r.Context(), projectID)
	if err != nil {
		s.writeResolveError(w, projectID, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "project_id", projectID, "error", err)
		return
	}

	sess := NewSession(conn, SessionOptions{PingPeriod: s.pingPeriod, Logger: s.logger})
	p, err = s.join(r.Context(), p, sess)
	if err != nil {
		s.logger.Info("closing connection, project unavailable", "project_id", projectID, "error", err)
		sess.Close()
		return
	}

	s.logger.Debug("session started", "session_id", sess.ID(), "project_id", p.ID())
	_ = sess.Serve(p)
	s.logger.Debug("session ended", "session_id", sess.ID(), "project_id", p.ID())
}

// join adds sess to p, re-resolving if p was suspended in the meantime.
func (s *Server) join(ctx context.Context, p *project.Project, sess *Session) (*project.Project, error) {
	for {
		err := p.Join(sess)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, project.ErrSuspended) {
			return nil, err
		}
		p, err = s.projects.Resolve(ctx, p.ID())
		if err != nil {
			return nil, err
		}
	}
}

func (s *Server) writeResolveError(w http.ResponseWriter, projectID string, err error) {
	if errors.Is(err, registry.ErrProjectNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	s.logger.Error("failed to resolve project", "project_id", projectID, "error", err)
	http.Error(w, "project unavailable", http.StatusServiceUnavailable)
}
