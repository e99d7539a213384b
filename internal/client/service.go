package client

import (
	"io"
	"log/slog"
	"sync"
)

// Service hands out one proxy per project id.
type Service struct {
	dial   Dialer
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]*Project
}

// NewService creates a Service that connects with dial.
func NewService(dial Dialer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		dial:     dial,
		logger:   logger,
		projects: make(map[string]*Project),
	}
}

// Project returns the proxy for id, creating it on first use.
func (s *Service) Project(id string) *Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		p = newProject(s, id)
		s.projects[id] = p
	}
	return p
}

// Close disconnects every proxy.
func (s *Service) Close() {
	s.mu.Lock()
	projects := s.projects
	s.projects = make(map[string]*Project)
	s.mu.Unlock()

	for _, p := range projects {
		p.disconnect()
	}
}

func (s *Service) forget(p *Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projects[p.id] == p {
		delete(s.projects, p.id)
	}
}
