package transport

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/oklog/ulid/v2"
	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/protocol"
)

const (
	// DefaultPingPeriod is how often an idle connection is pinged.
	DefaultPingPeriod = 30 * time.Second
	// DefaultSendBuffer is the number of outbound frames a session queues.
	DefaultSendBuffer = 256

	writeWait = 10 * time.Second
)

// Conn is the duplex frame channel a session runs over. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// keepaliveConn is implemented by connections that support ping/pong.
type keepaliveConn interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// SessionOptions configures a Session.
type SessionOptions struct {
	PingPeriod time.Duration
	SendBuffer int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Session binds one connection to one project.
type Session struct {
	id         string
	conn       Conn
	clock      clock.Clock
	pingPeriod time.Duration
	logger     *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

var _ project.Peer = (*Session)(nil)

// NewSession wraps conn. Call Serve to start exchanging stanzas.
func NewSession(conn Conn, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	pingPeriod := opts.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = DefaultPingPeriod
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}

	id := ulid.Make().String()
	s := &Session{
		id:         id,
		conn:       conn,
		clock:      clk,
		pingPeriod: pingPeriod,
		logger:     logger.With("session_id", id),
		out:        make(chan []byte, buffer),
		done:       make(chan struct{}),
	}
	s.writerWG.Add(1)
	go s.writeLoop()
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Send queues st for delivery. It never blocks: a peer that cannot keep up
// is disconnected.
func (s *Session) Send(st protocol.Stanza) error {
	data, err := protocol.Encode(st)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- data:
		return nil
	default:
		s.logger.Warn("dropping slow peer", "buffered", len(s.out))
		s.Close()
		return ErrSlowPeer
	}
}

// Close terminates the connection. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Serve reads stanzas from the connection and routes them to p in receipt
// order until the connection fails. p must already have been joined; Serve
// leaves it on return.
func (s *Session) Serve(p *project.Project) error {
	defer func() {
		p.Leave(s)
		s.Close()
		s.writerWG.Wait()
	}()

	logger := s.logger.With("project_id", p.ID())
	s.startKeepalive()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			logger.Debug("connection closed", "error", err)
			return nil
		}
		if messageType != websocket.TextMessage {
			logger.Warn("closing connection", "error", ErrUnexpectedFrame, "type", messageType)
			return ErrUnexpectedFrame
		}

		st, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("closing connection", "error", err)
			return fmt.Errorf("reading stanza: %w", err)
		}
		logger.Debug("stanza received", "to", st.To, "name", st.Name)
		p.Receive(st, s)
	}
}

func (s *Session) startKeepalive() {
	kc, ok := s.conn.(keepaliveConn)
	if !ok {
		return
	}
	pongWait := s.pingPeriod * 10 / 9
	_ = kc.SetReadDeadline(s.clock.Now().Add(pongWait))
	kc.SetPongHandler(func(string) error {
		return kc.SetReadDeadline(s.clock.Now().Add(pongWait))
	})
}

func (s *Session) writeLoop() {
	defer s.writerWG.Done()

	kc, keepalive := s.conn.(keepaliveConn)
	var ping <-chan time.Time
	if keepalive {
		ping = s.clock.After(s.pingPeriod)
	}

	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.Close()
				return
			}
		case <-ping:
			if err := kc.WriteControl(websocket.PingMessage, nil, s.clock.Now().Add(writeWait)); err != nil {
				s.logger.Debug("ping failed", "error", err)
				s.Close()
				return
			}
			ping = s.clock.After(s.pingPeriod)
		}
	}
}
