// Package stream implements the append-only event log application and its
// query surface.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/juju/clock"
	"github.com/ospy/ospy/internal/codec"
	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/ospy/ospy/internal/repository"
)

const invalidPayload = "invalid payload"

// document is the persisted form of the stream.
type document struct {
	Items  []protocol.Item `json:"items"`
	LastID int64           `json:"last_id"`
}

// Stream owns the event log of one project.
type Stream struct {
	host   project.Host
	clock  clock.Clock
	logger *slog.Logger

	// mu is held across mutation and broadcast so peers observe deltas in
	// mutation order.
	mu       sync.Mutex
	items    []protocol.Item
	itemByID map[int64]protocol.Item
	lastID   int64
}

var _ project.Application = (*Stream)(nil)

// New creates an empty stream hosted by host.
func New(host project.Host, clk clock.Clock, logger *slog.Logger) *Stream {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stream{
		host:     host,
		clock:    clk,
		logger:   logger.With("project_id", host.ID(), "application", protocol.StreamApplicationID),
		itemByID: make(map[int64]protocol.Item),
	}
}

// Factory returns an ApplicationFactory building streams.
func Factory(clk clock.Clock, logger *slog.Logger) project.ApplicationFactory {
	return func(host project.Host) project.Application {
		return New(host, clk, logger)
	}
}

// Total returns the number of items in the log.
func (s *Stream) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Range returns up to limit items starting at index start.
func (s *Stream) Range(start, limit int) []protocol.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeLocked(start, limit)
}

// OnJoin sends the current state to the joining peer only.
func (s *Stream) OnJoin(peer project.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send(peer, protocol.NotifySync, protocol.StreamState{Total: len(s.items)})
}

// OnLeave is a no-op; the stream keeps no per-peer state.
func (s *Stream) OnLeave(project.Peer) {}

// OnStanza handles a stanza addressed to the stream.
func (s *Stream) OnStanza(st protocol.Stanza, from project.Peer) {
	switch st.Name {
	case protocol.NotifyClear:
		s.clear()
	case protocol.NotifyAdd:
		var req protocol.AddRequest
		if err := st.DecodePayload(&req); err != nil {
			s.logger.Debug("dropping malformed add", "peer_id", from.ID(), "error", err)
			return
		}
		s.add(req.Items)
	case protocol.CommandGet:
		var req protocol.GetRequest
		if err := st.DecodePayload(&req); err != nil {
			s.reply(from, st, protocol.ReplyError, protocol.ErrorPayload{Error: invalidPayload})
			return
		}
		s.get(st, from, req)
	case protocol.CommandGetAt:
		var req protocol.GetAtRequest
		if err := st.DecodePayload(&req); err != nil {
			s.reply(from, st, protocol.ReplyError, protocol.ErrorPayload{Error: invalidPayload})
			return
		}
		s.getAt(st, from, req)
	case protocol.CommandGetRange:
		var req protocol.GetRangeRequest
		if err := st.DecodePayload(&req); err != nil {
			s.reply(from, st, protocol.ReplyError, protocol.ErrorPayload{Error: invalidPayload})
			return
		}
		s.reply(from, st, protocol.ReplyResult, s.Range(req.StartIndex, req.Limit))
	default:
		s.logger.Debug("unhandled stream stanza", "name", st.Name)
		if st.IsCommand() {
			s.reply(from, st, protocol.ReplyError, protocol.ErrorPayload{Error: "unknown command"})
		}
	}
}

func (s *Stream) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// lastID is kept so ids are never reissued.
	s.items = nil
	s.itemByID = make(map[int64]protocol.Item)
	s.broadcast(protocol.NotifyUpdate, protocol.StreamState{Total: 0})
}

func (s *Stream) add(newItems []protocol.NewItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	for _, newItem := range newItems {
		item := protocol.Item{
			ID:        s.lastID,
			Timestamp: now,
			Event:     newItem.Event,
			Payload:   newItem.Payload,
		}
		s.lastID++
		s.items = append(s.items, item)
		s.itemByID[item.ID] = item
	}
	s.broadcast(protocol.NotifyUpdate, protocol.StreamState{Total: len(s.items)})
}

func (s *Stream) get(st protocol.Stanza, from project.Peer, req protocol.GetRequest) {
	s.mu.Lock()
	result := make([]protocol.Item, 0, len(req.Items))
	for _, ref := range req.Items {
		item, ok := s.itemByID[ref.ID]
		if !ok {
			s.mu.Unlock()
			s.reply(from, st, protocol.ReplyError, protocol.ErrorPayload{})
			return
		}
		result = append(result, item)
	}
	s.mu.Unlock()
	s.reply(from, st, protocol.ReplyResult, result)
}

func (s *Stream) getAt(st protocol.Stanza, from project.Peer, req protocol.GetAtRequest) {
	s.mu.Lock()
	result := make([]protocol.Item, 0, len(req.Indexes))
	for _, index := range req.Indexes {
		if index < 0 || index >= len(s.items) {
			s.mu.Unlock()
			s.reply(from, st, protocol.ReplyError, protocol.ErrorPayload{})
			return
		}
		result = append(result, s.items[index])
	}
	s.mu.Unlock()
	s.reply(from, st, protocol.ReplyResult, result)
}

func (s *Stream) rangeLocked(start, limit int) []protocol.Item {
	start = max(start, 0)
	count := min(max(limit, 0), max(len(s.items)-start, 0))
	if count == 0 {
		return []protocol.Item{}
	}
	result := make([]protocol.Item, count)
	copy(result, s.items[start:start+count])
	return result
}

// Load replaces the log with the persisted document, if any.
func (s *Stream) Load(ctx context.Context, store repository.Store) error {
	data, err := store.LoadApplicationState(ctx, s.host.ID(), protocol.StreamApplicationID)
	if errors.Is(err, repository.ErrNotFound) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items = nil
		s.itemByID = make(map[int64]protocol.Item)
		s.lastID = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading stream state: %w", err)
	}

	var doc document
	if err := codec.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding stream state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = doc.Items
	s.lastID = doc.LastID
	s.itemByID = make(map[int64]protocol.Item, len(doc.Items))
	for _, item := range doc.Items {
		s.itemByID[item.ID] = item
	}
	return nil
}

// Save writes a snapshot of the log to the store.
func (s *Stream) Save(ctx context.Context, store repository.Store) error {
	s.mu.Lock()
	doc := document{
		Items:  make([]protocol.Item, len(s.items)),
		LastID: s.lastID,
	}
	copy(doc.Items, s.items)
	s.mu.Unlock()

	data, err := codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding stream state: %w", err)
	}
	if err := store.SaveApplicationState(ctx, s.host.ID(), protocol.StreamApplicationID, data); err != nil {
		return fmt.Errorf("saving stream state: %w", err)
	}
	return nil
}

func (s *Stream) send(peer project.Peer, name string, payload any) {
	st, err := protocol.New(name, payload)
	if err != nil {
		s.logger.Error("failed to build stanza", "name", name, "error", err)
		return
	}
	st.From = protocol.StreamAddress
	if err := peer.Send(st); err != nil {
		s.logger.Warn("failed to send stanza", "peer_id", peer.ID(), "name", name, "error", err)
	}
}

func (s *Stream) reply(peer project.Peer, request protocol.Stanza, name string, payload any) {
	st, err := protocol.Reply(request, protocol.StreamAddress, name, payload)
	if err != nil {
		s.logger.Error("failed to build reply", "name", name, "error", err)
		return
	}
	if err := peer.Send(st); err != nil {
		s.logger.Warn("failed to send reply", "peer_id", peer.ID(), "name", name, "error", err)
	}
}

func (s *Stream) broadcast(name string, payload any) {
	st, err := protocol.New(name, payload)
	if err != nil {
		s.logger.Error("failed to build stanza", "name", name, "error", err)
		return
	}
	st.From = protocol.StreamAddress
	s.host.Broadcast(st)
}
