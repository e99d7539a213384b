package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/repository"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// NewProjectID is the reserved id that allocates a fresh ephemeral project.
const NewProjectID = "new"

// DefaultSaveInterval is how often Run saves every live project.
const DefaultSaveInterval = 5 * time.Minute

// Config configures a Registry.
type Config struct {
	Store        repository.Store
	Applications map[string]project.ApplicationFactory
	Clock        clock.Clock
	SuspendGrace time.Duration
	SaveInterval time.Duration
	Logger       *slog.Logger
}

// Registry maps project ids to live projects.
type Registry struct {
	store        repository.Store
	applications map[string]project.ApplicationFactory
	clock        clock.Clock
	suspendGrace time.Duration
	saveInterval time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	projects map[string]*project.Project

	loads singleflight.Group
	saves singleflight.Group
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	interval := cfg.SaveInterval
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	return &Registry{
		store:        cfg.Store,
		applications: cfg.Applications,
		clock:        clk,
		suspendGrace: cfg.SuspendGrace,
		saveInterval: interval,
		logger:       logger,
		projects:     make(map[string]*project.Project),
	}
}

// Resolve returns the live project for id, loading it from the store on
// first use. NewProjectID allocates a new ephemeral project instead.
func (r *Registry) Resolve(ctx context.Context, id string) (*project.Project, error) {
	if id == NewProjectID {
		p := r.newProject(uuid.NewString(), false)
		r.mu.Lock()
		r.projects[p.ID()] = p
		p.Release()
		r.mu.Unlock()
		r.logger.Info("project created", "project_id", p.ID())
		return p, nil
	}

	if p, ok := r.Lookup(id); ok {
		return p, nil
	}

	// The load outlives any single caller so that a cancelled request does not
	// fail the others waiting on it.
	loadCtx := context.WithoutCancel(ctx)
	result := r.loads.DoChan(id, func() (any, error) {
		return r.load(loadCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*project.Project), nil
	}
}

func (r *Registry) load(ctx context.Context, id string) (*project.Project, error) {
	if p, ok := r.Lookup(id); ok {
		return p, nil
	}

	if _, err := r.store.LoadProject(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("loading project %s: %w", id, err)
	}

	p := r.newProject(id, true)
	if err := p.Load(ctx); err != nil {
		p.ShutDown()
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.projects[id]; ok {
		p.ShutDown()
		return existing, nil
	}
	r.projects[id] = p
	p.Release()
	r.logger.Info("project loaded", "project_id", id)
	return p, nil
}

func (r *Registry) newProject(id string, persisted bool) *project.Project {
	return project.New(id, project.Options{
		Persisted:     persisted,
		Store:         r.store,
		Applications:  r.applications,
		Clock:         r.clock,
		SuspendGrace:  r.suspendGrace,
		OnSuspendable: r.evict,
		Logger:        r.logger,
	})
}

func (r *Registry) evict(p *project.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.projects[p.ID()] != p {
		return
	}
	if !p.TrySuspend() {
		return
	}
	delete(r.projects, p.ID())
	r.logger.Info("project suspended", "project_id", p.ID())
}

// Lookup returns the live project for id without touching the store.
func (r *Registry) Lookup(id string) (*project.Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	return p, ok
}

// Projects returns a snapshot of the live projects ordered by id.
func (r *Registry) Projects() []project.Info {
	r.mu.Lock()
	live := make([]*project.Project, 0, len(r.projects))
	for _, p := range r.projects {
		live = append(live, p)
	}
	r.mu.Unlock()

	infos := make([]project.Info, 0, len(live))
	for _, p := range live {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SaveAll saves every published live project in parallel.
func (r *Registry) SaveAll(ctx context.Context) error {
	_, err, _ := r.saves.Do("save-all", func() (any, error) {
		return nil, r.saveAll(ctx)
	})
	return err
}

func (r *Registry) saveAll(ctx context.Context) error {
	r.mu.Lock()
	live := make([]*project.Project, 0, len(r.projects))
	for _, p := range r.projects {
		live = append(live, p)
	}
	r.mu.Unlock()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []error
	)
	for _, p := range live {
		g.Go(func() error {
			err := p.Save(ctx)
			if err == nil || errors.Is(err, project.ErrNotPublished) {
				return nil
			}
			r.logger.Error("failed to save project", "project_id", p.ID(), "error", err)
			mu.Lock()
			failed = append(failed, fmt.Errorf("project %s: %w", p.ID(), err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failed...)
}

// Run saves every live project each save interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.saveInterval):
			if err := r.SaveAll(ctx); err != nil {
				r.logger.Warn("periodic save incomplete", "error", err)
			}
		}
	}
}

// Close shuts every project down, saves them and forgets them.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	for _, p := range r.projects {
		p.ShutDown()
	}
	r.mu.Unlock()

	err := r.SaveAll(ctx)

	r.mu.Lock()
	r.projects = make(map[string]*project.Project)
	r.mu.Unlock()
	return err
}
