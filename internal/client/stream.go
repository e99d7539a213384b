package client

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ospy/ospy/internal/protocol"
)

const (
	// CacheSize bounds each of the item caches.
	CacheSize = 1000
	// ReadAhead is the minimum number of items fetched for a range shortfall.
	ReadAhead = 20
)

// Source tells where a range was answered from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceServer Source = "server"
)

// Range is the answer to a range query.
type Range struct {
	Items  []protocol.Item
	Source Source
}

// StreamHandler receives stream state changes. incremental is false for the
// state delivered on sync or registration.
type StreamHandler struct {
	OnUpdate func(state protocol.StreamState, incremental bool)
}

// Stream is a read-through cache over the remote stream application.
type Stream struct {
	project *Project

	mu         sync.Mutex
	synced     bool
	state      protocol.StreamState
	generation uint64
	byID       *lru.Cache[int64, protocol.Item]
	byIndex    *lru.Cache[int, protocol.Item]
	pending    map[string]*rangeFetch
	handlers   []*StreamHandler
}

type rangeFetch struct {
	done  chan struct{}
	items []protocol.Item
	err   error
}

func newStream(p *Project) *Stream {
	return &Stream{project: p}
}

// State returns the last known stream state and whether a sync has arrived.
func (s *Stream) State() (protocol.StreamState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.synced
}

// AddHandler registers h and delivers the current state to it if known.
func (s *Stream) AddHandler(h *StreamHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	state, synced := s.state, s.synced
	s.mu.Unlock()

	if synced && h.OnUpdate != nil {
		h.OnUpdate(state, false)
	}
}

// RemoveHandler unregisters h.
func (s *Stream) RemoveHandler(h *StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = slices.DeleteFunc(s.handlers, func(other *StreamHandler) bool { return other == h })
}

// Clear asks the server to truncate the stream.
func (s *Stream) Clear() error {
	return s.project.send(protocol.StreamAddress, protocol.NotifyClear, struct{}{})
}

// Add appends items to the stream.
func (s *Stream) Add(items []protocol.NewItem) error {
	return s.project.send(protocol.StreamAddress, protocol.NotifyAdd, protocol.AddRequest{Items: items})
}

// Get returns the items with the given ids in order, fetching only the ones
// not cached.
func (s *Stream) Get(ctx context.Context, ids []int64) ([]protocol.Item, error) {
	s.mu.Lock()
	if !s.synced {
		s.mu.Unlock()
		return nil, ErrNotSynced
	}
	result := make([]protocol.Item, len(ids))
	var missing []int
	var refs []protocol.ItemRef
	for i, id := range ids {
		if item, ok := s.byID.Get(id); ok {
			result[i] = item
			continue
		}
		missing = append(missing, i)
		refs = append(refs, protocol.ItemRef{ID: id})
	}
	generation := s.generation
	s.mu.Unlock()

	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := s.fetch(ctx, protocol.CommandGet, protocol.GetRequest{Items: refs}, len(missing))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for n, i := range missing {
		result[i] = fetched[n]
		if generation == s.generation {
			s.byID.Add(fetched[n].ID, fetched[n])
		}
	}
	return result, nil
}

// GetAt returns the items at the given indexes in order, fetching only the
// ones not cached.
func (s *Stream) GetAt(ctx context.Context, indexes []int) ([]protocol.Item, error) {
	s.mu.Lock()
	if !s.synced {
		s.mu.Unlock()
		return nil, ErrNotSynced
	}
	result := make([]protocol.Item, len(indexes))
	var missing []int
	var wanted []int
	for i, index := range indexes {
		if item, ok := s.byIndex.Get(index); ok {
			result[i] = item
			continue
		}
		missing = append(missing, i)
		wanted = append(wanted, index)
	}
	generation := s.generation
	s.mu.Unlock()

	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := s.fetch(ctx, protocol.CommandGetAt, protocol.GetAtRequest{Indexes: wanted}, len(missing))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for n, i := range missing {
		result[i] = fetched[n]
		if generation == s.generation {
			s.byIndex.Add(indexes[i], fetched[n])
		}
	}
	return result, nil
}

// GetRange returns up to limit items starting at index start.
func (s *Stream) GetRange(ctx context.Context, start, limit int) ([]protocol.Item, error) {
	r, err := s.GetCachedRange(ctx, start, limit)
	if err != nil {
		return nil, err
	}
	return r.Items, nil
}

// GetCachedRange answers from the contiguous cached prefix of the window and
// fetches the remainder with read-ahead. Concurrent callers missing the same
// window share one request.
func (s *Stream) GetCachedRange(ctx context.Context, start, limit int) (Range, error) {
	s.mu.Lock()
	if !s.synced {
		s.mu.Unlock()
		return Range{}, ErrNotSynced
	}

	// Same clamping as the server, so fetched items land at their real index.
	start = max(start, 0)
	limit = max(limit, 0)

	items := []protocol.Item{}
	for len(items) < limit {
		item, ok := s.byIndex.Get(start + len(items))
		if !ok {
			break
		}
		items = append(items, item)
	}
	fetchStart := start + len(items)
	remaining := limit - len(items)

	if fetchStart >= s.state.Total || remaining <= 0 {
		s.mu.Unlock()
		return Range{Items: items, Source: SourceCache}, nil
	}

	fetch := s.rangeFetchLocked(ctx, fetchStart, max(remaining, ReadAhead))
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return Range{}, ctx.Err()
	case <-fetch.done:
	}
	if fetch.err != nil {
		return Range{}, fetch.err
	}
	items = append(items, fetch.items[:min(remaining, len(fetch.items))]...)
	return Range{Items: items, Source: SourceServer}, nil
}

func (s *Stream) rangeFetchLocked(ctx context.Context, start, limit int) *rangeFetch {
	key := strconv.Itoa(start) + ":" + strconv.Itoa(limit)
	if fetch, ok := s.pending[key]; ok {
		return fetch
	}

	fetch := &rangeFetch{done: make(chan struct{})}
	s.pending[key] = fetch
	generation := s.generation

	// The fetch is shared, so it must not be cut short by the first caller.
	fetchCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(fetch.done)

		req := protocol.GetRangeRequest{StartIndex: start, Limit: limit}
		items, err := s.fetch(fetchCtx, protocol.CommandGetRange, req, 0)

		s.mu.Lock()
		defer s.mu.Unlock()
		if generation == s.generation {
			delete(s.pending, key)
			if err == nil {
				for i, item := range items {
					s.byID.Add(item.ID, item)
					s.byIndex.Add(start+i, item)
				}
			}
		}
		fetch.items, fetch.err = items, err
	}()
	return fetch
}

// fetch issues a stream command returning items. want is the number of items
// the reply must carry, or 0 for any.
func (s *Stream) fetch(ctx context.Context, name string, payload any, want int) ([]protocol.Item, error) {
	raw, err := s.project.request(ctx, protocol.StreamAddress, name, payload)
	if err != nil {
		return nil, err
	}
	var items []protocol.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", name, err)
	}
	if want > 0 && len(items) < want {
		return nil, fmt.Errorf("%s: %w", name, ErrShortReply)
	}
	return items, nil
}

func (s *Stream) handle(st protocol.Stanza) {
	switch st.Name {
	case protocol.NotifySync:
		var state protocol.StreamState
		if err := st.DecodePayload(&state); err != nil {
			s.project.logger.Warn("dropping malformed sync", "error", err)
			return
		}
		byID, _ := lru.New[int64, protocol.Item](CacheSize)
		byIndex, _ := lru.New[int, protocol.Item](CacheSize)

		s.mu.Lock()
		s.state = state
		s.synced = true
		s.generation++
		s.byID = byID
		s.byIndex = byIndex
		s.pending = make(map[string]*rangeFetch)
		handlers := slices.Clone(s.handlers)
		s.mu.Unlock()

		s.notify(handlers, state, false)

	case protocol.NotifyUpdate:
		s.mu.Lock()
		if !s.synced {
			s.mu.Unlock()
			return
		}
		state := s.state
		if err := st.DecodePayload(&state); err != nil {
			s.mu.Unlock()
			s.project.logger.Warn("dropping malformed update", "error", err)
			return
		}
		s.state = state
		handlers := slices.Clone(s.handlers)
		s.mu.Unlock()

		s.notify(handlers, state, true)

	default:
		s.project.logger.Debug("unhandled stream stanza", "name", st.Name)
	}
}

func (s *Stream) notify(handlers []*StreamHandler, state protocol.StreamState, incremental bool) {
	for _, h := range handlers {
		if h.OnUpdate != nil {
			h.OnUpdate(state, incremental)
		}
	}
}
