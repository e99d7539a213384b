package project

import (
	"context"

	"github.com/ospy/ospy/internal/protocol"
	"github.com/ospy/ospy/internal/repository"
)

// Peer is a joined connection stanzas can be delivered to.
type Peer interface {
	ID() string
	Send(s protocol.Stanza) error
}

// Host is the view of a project available to its applications.
type Host interface {
	ID() string
	Broadcast(s protocol.Stanza)
}

// Application handles the stanzas addressed to one sub-address of a project.
type Application interface {
	// OnJoin is called after peer joined; it may unicast initial state.
	OnJoin(peer Peer)
	OnLeave(peer Peer)
	OnStanza(s protocol.Stanza, from Peer)
	Load(ctx context.Context, store repository.Store) error
	Save(ctx context.Context, store repository.Store) error
}

// ApplicationFactory builds an application bound to its host project.
type ApplicationFactory func(host Host) Application
