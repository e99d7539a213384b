package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/ospy/ospy/internal/repository"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultSuspendGrace is how long an empty project waits before it may be evicted.
const DefaultSuspendGrace = 5 * time.Second

// Options configures a Project.
type Options struct {
	// Persisted marks a project loaded from the store, or published.
	Persisted    bool
	Store        repository.Store
	Applications map[string]ApplicationFactory
	Clock        clock.Clock
	SuspendGrace time.Duration
	// OnSuspendable is called when the project is empty past its grace
	// period and safe to drop.
	OnSuspendable func(p *Project)
	Logger        *slog.Logger
}

// Info summarizes a live project.
type Info struct {
	ID        string `json:"id"`
	Persisted bool   `json:"persisted"`
	Sessions  int    `json:"sessions"`
}

// Project owns the applications and joined peers of one project id.
type Project struct {
	id            string
	store         repository.Store
	clock         clock.Clock
	suspendGrace  time.Duration
	onSuspendable func(p *Project)
	logger        *slog.Logger

	applications   map[string]Application
	applicationIDs []string

	mu           sync.Mutex
	persisted    bool
	peers        []Peer
	shuttingDown bool
	suspended    bool
	suspendTimer clock.Timer
	suspendGen   uint64

	saves singleflight.Group
}

// New creates a project and its applications.
func New(id string, opts Options) *Project {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	grace := opts.SuspendGrace
	if grace <= 0 {
		grace = DefaultSuspendGrace
	}

	p := &Project{
		id:            id,
		store:         opts.Store,
		clock:         clk,
		suspendGrace:  grace,
		onSuspendable: opts.OnSuspendable,
		logger:        logger.With("project_id", id),
		applications:  make(map[string]Application, len(opts.Applications)),
		persisted:     opts.Persisted,
	}
	for applicationID, factory := range opts.Applications {
		p.applications[applicationID] = factory(p)
		p.applicationIDs = append(p.applicationIDs, applicationID)
	}
	sort.Strings(p.applicationIDs)
	return p
}

// ID returns the project id.
func (p *Project) ID() string {
	return p.id
}

// Persisted reports whether the project is published.
func (p *Project) Persisted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persisted
}

// Info returns a snapshot of the project's membership.
func (p *Project) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{ID: p.id, Persisted: p.persisted, Sessions: len(p.peers)}
}

// Application returns the application registered under id.
func (p *Project) Application(id string) (Application, bool) {
	app, ok := p.applications[id]
	return app, ok
}

// Join adds peer to the project and sends it each application's initial
// state. It fails with ErrSuspended once the project has been evicted.
func (p *Project) Join(peer Peer) error {
	p.mu.Lock()
	if p.suspended {
		p.mu.Unlock()
		return ErrSuspended
	}
	p.cancelSuspendLocked()
	p.peers = append(p.peers, peer)
	count := len(p.peers)
	p.mu.Unlock()

	p.logger.Debug("peer joined", "peer_id", peer.ID(), "sessions", count)

	for _, applicationID := range p.applicationIDs {
		p.applications[applicationID].OnJoin(peer)
	}
	return nil
}

// Leave removes peer. The last leave arms the suspend deadline.
func (p *Project) Leave(peer Peer) {
	p.mu.Lock()
	p.peers = slices.DeleteFunc(p.peers, func(other Peer) bool { return other == peer })
	count := len(p.peers)
	if count == 0 && !p.shuttingDown {
		p.armSuspendLocked()
	}
	p.mu.Unlock()

	p.logger.Debug("peer left", "peer_id", peer.ID(), "sessions", count)

	for _, applicationID := range p.applicationIDs {
		p.applications[applicationID].OnLeave(peer)
	}
}

// Receive routes a stanza from peer by its address.
func (p *Project) Receive(s protocol.Stanza, from Peer) {
	if s.To == protocol.RootAddress {
		if s.Name == protocol.CommandPublish {
			p.publish(s, from)
		}
		return
	}

	applicationID, ok := protocol.ParseApplicationAddress(s.To)
	if !ok {
		return
	}
	app, ok := p.applications[applicationID]
	if !ok {
		return
	}
	app.OnStanza(s, from)
}

// Broadcast delivers s to every joined peer in join order. A failing peer
// does not stop delivery to the others.
func (p *Project) Broadcast(s protocol.Stanza) {
	p.mu.Lock()
	peers := slices.Clone(p.peers)
	p.mu.Unlock()

	for _, peer := range peers {
		if err := peer.Send(s); err != nil {
			p.logger.Warn("broadcast delivery failed", "peer_id", peer.ID(), "name", s.Name, "error", err)
		}
	}
}

func (p *Project) publish(request protocol.Stanza, from Peer) {
	p.mu.Lock()
	alreadyPublished := p.persisted
	p.persisted = true
	p.mu.Unlock()

	var (
		reply protocol.Stanza
		err   error
	)
	if alreadyPublished {
		reply, err = protocol.Reply(request, protocol.RootAddress, protocol.ReplyError, protocol.ErrorPayload{Error: AlreadyPublished})
	} else {
		p.logger.Info("project published")
		reply, err = protocol.Reply(request, protocol.RootAddress, protocol.ReplyResult, protocol.PublishResult{ID: p.id})
	}
	if err != nil {
		p.logger.Error("failed to build publish reply", "error", err)
		return
	}
	if err := from.Send(reply); err != nil {
		p.logger.Warn("failed to reply to publish", "peer_id", from.ID(), "error", err)
	}
}

// Save persists the project and every application's state. Concurrent
// callers share the outcome of the save in flight.
func (p *Project) Save(ctx context.Context) error {
	_, err, _ := p.saves.Do("save", func() (any, error) {
		return nil, p.save(ctx)
	})
	return err
}

func (p *Project) save(ctx context.Context) error {
	if !p.Persisted() {
		return ErrNotPublished
	}

	err := p.store.InsertProject(ctx, repository.ProjectRecord{ID: p.id, CreatedAt: p.clock.Now()})
	if err != nil && !errors.Is(err, repository.ErrAlreadyExists) {
		return fmt.Errorf("%w: inserting project: %v", ErrSaveFailed, err)
	}

	var g errgroup.Group
	for _, applicationID := range p.applicationIDs {
		app := p.applications[applicationID]
		g.Go(func() error {
			if err := app.Save(ctx, p.store); err != nil {
				return fmt.Errorf("saving %s: %w", applicationID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// Load loads every application's state from the store.
func (p *Project) Load(ctx context.Context) error {
	var g errgroup.Group
	for _, applicationID := range p.applicationIDs {
		app := p.applications[applicationID]
		g.Go(func() error {
			if err := app.Load(ctx, p.store); err != nil {
				return fmt.Errorf("loading %s: %w", applicationID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	return nil
}

// Release arms the suspend deadline if no peer has joined. A project nobody
// joins is then dropped like one everybody left.
func (p *Project) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.peers) == 0 && !p.shuttingDown && !p.suspended {
		p.armSuspendLocked()
	}
}

// ShutDown cancels any pending suspend deadline and stops arming new ones.
func (p *Project) ShutDown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelSuspendLocked()
	p.shuttingDown = true
}

func (p *Project) armSuspendLocked() {
	p.cancelSuspendLocked()
	gen := p.suspendGen
	p.suspendTimer = p.clock.AfterFunc(p.suspendGrace, func() {
		p.considerSuspend(gen)
	})
}

func (p *Project) cancelSuspendLocked() {
	p.suspendGen++
	if p.suspendTimer != nil {
		p.suspendTimer.Stop()
		p.suspendTimer = nil
	}
}

func (p *Project) considerSuspend(gen uint64) {
	p.mu.Lock()
	if gen != p.suspendGen {
		p.mu.Unlock()
		return
	}
	p.suspendTimer = nil
	p.mu.Unlock()

	err := p.Save(context.Background())

	p.mu.Lock()
	if gen != p.suspendGen || len(p.peers) != 0 || p.shuttingDown || p.suspended {
		p.mu.Unlock()
		return
	}
	if err != nil && !errors.Is(err, ErrNotPublished) {
		// Dropping the project now would lose its state; try again later.
		p.logger.Warn("save before suspend failed", "error", err)
		p.armSuspendLocked()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.onSuspendable != nil {
		p.onSuspendable(p)
	}
}

// TrySuspend marks the project suspended if it is still empty. A suspended
// project refuses further joins.
func (p *Project) TrySuspend() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.peers) != 0 || p.shuttingDown {
		return false
	}
	p.cancelSuspendLocked()
	p.suspended = true
	return true
}
