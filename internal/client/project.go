package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ospy/ospy/internal/protocol"
)

type joinState int

const (
	notJoined joinState = iota
	joining
	joined
)

// Handler receives membership callbacks. Handlers are compared by pointer.
// Callbacks run on the connection's goroutines and must not wait on requests.
type Handler struct {
	OnJoin  func()
	OnLeave func()
}

// Project mirrors one remote project: its connection, the requests in
// flight on it and its stream.
type Project struct {
	id      string
	service *Service
	logger  *slog.Logger
	stream  *Stream

	mu            sync.Mutex
	state         joinState
	conn          Conn
	epoch         uint64
	handlers      []*Handler
	nextRequestID uint64
	requests      map[uint64]chan protocol.Stanza

	writeMu sync.Mutex
}

func newProject(service *Service, id string) *Project {
	p := &Project{
		id:       id,
		service:  service,
		logger:   service.logger.With("project_id", id),
		requests: make(map[uint64]chan protocol.Stanza),
	}
	p.stream = newStream(p)
	return p
}

// ID returns the project id the proxy was created for.
func (p *Project) ID() string {
	return p.id
}

// Stream returns the project's stream cache.
func (p *Project) Stream() *Stream {
	return p.stream
}

// AddHandler registers h. The first registration connects; registrations
// on a joined project get OnJoin right away.
func (p *Project) AddHandler(h *Handler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	switch p.state {
	case notJoined:
		p.state = joining
		p.epoch++
		go p.connect(p.epoch)
		p.mu.Unlock()
	case joining:
		p.mu.Unlock()
	case joined:
		p.mu.Unlock()
		if h.OnJoin != nil {
			h.OnJoin()
		}
	}
}

// RemoveHandler unregisters h. Removing the last handler disconnects and
// drops the proxy from its Service.
func (p *Project) RemoveHandler(h *Handler) {
	p.mu.Lock()
	p.handlers = slices.DeleteFunc(p.handlers, func(other *Handler) bool { return other == h })
	last := len(p.handlers) == 0 && p.state != notJoined
	p.mu.Unlock()

	if last {
		p.disconnect()
		p.service.forget(p)
	}
}

// Publish makes the project durable and returns its id.
func (p *Project) Publish(ctx context.Context) (string, error) {
	payload, err := p.request(ctx, protocol.RootAddress, protocol.CommandPublish, struct{}{})
	if err != nil {
		return "", err
	}
	var result protocol.PublishResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("decoding publish result: %w", err)
	}
	return result.ID, nil
}

func (p *Project) connect(epoch uint64) {
	conn, err := p.service.dial(context.Background(), p.id)

	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		p.state = notJoined
		p.epoch++
		handlers := slices.Clone(p.handlers)
		p.mu.Unlock()

		p.logger.Warn("failed to join project", "error", err)
		notify(handlers, func(h *Handler) func() { return h.OnLeave })
		return
	}
	p.conn = conn
	p.state = joined
	handlers := slices.Clone(p.handlers)
	p.mu.Unlock()

	p.logger.Debug("joined project")
	notify(handlers, func(h *Handler) func() { return h.OnJoin })
	go p.readLoop(conn, epoch)
}

// disconnect closes the connection without notifying handlers.
func (p *Project) disconnect() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.state = notJoined
	p.epoch++
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (p *Project) readLoop(conn Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.connectionLost(epoch, err)
			return
		}
		st, err := protocol.Decode(data)
		if err != nil {
			p.logger.Warn("dropping malformed stanza", "error", err)
			continue
		}
		p.dispatch(st)
	}
}

func (p *Project) connectionLost(epoch uint64, cause error) {
	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	conn := p.conn
	p.conn = nil
	p.state = notJoined
	p.epoch++
	handlers := slices.Clone(p.handlers)
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.logger.Info("connection lost", "error", cause)
	// Requests in flight stay pending; callers bound them with their context.
	notify(handlers, func(h *Handler) func() { return h.OnLeave })
}

func (p *Project) dispatch(st protocol.Stanza) {
	if st.HasID() {
		var id uint64
		if err := json.Unmarshal(st.ID, &id); err != nil {
			p.logger.Warn("dropping reply with foreign id", "id", string(st.ID))
			return
		}
		p.mu.Lock()
		pending, ok := p.requests[id]
		delete(p.requests, id)
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("dropping uncorrelated reply", "id", id, "name", st.Name)
			return
		}
		pending <- st
		return
	}

	if st.From == protocol.StreamAddress {
		p.stream.handle(st)
		return
	}
	p.logger.Debug("unhandled notification", "from", st.From, "name", st.Name)
}

// request sends a command and waits for its correlated reply.
func (p *Project) request(ctx context.Context, to, name string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", name, err)
	}

	p.mu.Lock()
	if p.state != joined {
		p.mu.Unlock()
		return nil, ErrNotJoined
	}
	id := p.nextRequestID
	p.nextRequestID++
	reply := make(chan protocol.Stanza, 1)
	p.requests[id] = reply
	conn := p.conn
	p.mu.Unlock()

	idJSON, _ := json.Marshal(id)
	if err := p.write(conn, protocol.Stanza{ID: idJSON, To: to, Name: name, Payload: raw}); err != nil {
		p.forgetRequest(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		p.forgetRequest(id)
		return nil, ctx.Err()
	case st := <-reply:
		if st.Name == protocol.ReplyError {
			remote := &RemoteError{Payload: st.Payload}
			var body protocol.ErrorPayload
			if st.DecodePayload(&body) == nil {
				remote.Message = body.Error
			}
			return nil, remote
		}
		return st.Payload, nil
	}
}

// send delivers a notification.
func (p *Project) send(to, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", name, err)
	}

	p.mu.Lock()
	conn := p.conn
	state := p.state
	p.mu.Unlock()
	if state != joined {
		return ErrNotJoined
	}
	return p.write(conn, protocol.Stanza{To: to, Name: name, Payload: raw})
}

func (p *Project) write(conn Conn, st protocol.Stanza) error {
	data, err := protocol.Encode(st)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s: %w", st.Name, err)
	}
	return nil
}

func (p *Project) forgetRequest(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requests, id)
}

func notify(handlers []*Handler, pick func(h *Handler) func()) {
	for _, h := range handlers {
		if fn := pick(h); fn != nil {
			fn()
		}
	}
}
