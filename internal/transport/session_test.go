package transport

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/domain/stream"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type frame struct {
	messageType int
	data        []byte
}

// pipeConn is an in-memory Conn driven by the test.
type pipeConn struct {
	in        chan frame
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	blockSend bool
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan frame, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	if c.blockSend {
		<-c.closed
		return errors.New("closed")
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("closed")
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) sendText(t *testing.T, s string) {
	t.Helper()
	c.in <- frame{messageType: websocket.TextMessage, data: []byte(s)}
}

func (c *pipeConn) next(t *testing.T) protocol.Stanza {
	t.Helper()
	select {
	case data := <-c.out:
		st, err := protocol.Decode(data)
		require.NoError(t, err)
		return st
	case <-time.After(time.Second):
		t.Fatal("no outbound stanza")
		return protocol.Stanza{}
	}
}

func newStreamProject() *project.Project {
	return project.New("p1", project.Options{
		Applications: map[string]project.ApplicationFactory{
			protocol.StreamApplicationID: stream.Factory(nil, nil),
		},
	})
}

func serve(t *testing.T, sess *Session, p *project.Project) <-chan error {
	t.Helper()
	require.NoError(t, p.Join(sess))
	result := make(chan error, 1)
	go func() { result <- sess.Serve(p) }()
	return result
}

func TestSession_RoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newPipeConn()
	sess := NewSession(conn, SessionOptions{})
	p := newStreamProject()
	result := serve(t, sess, p)

	syncStanza := conn.next(t)
	require.Equal(t, protocol.NotifySync, syncStanza.Name)
	require.Equal(t, protocol.StreamAddress, syncStanza.From)

	conn.sendText(t, `{"to":"/applications/ospy:stream","name":"+add","payload":{"items":[{"event":"x","payload":1}]}}`)
	update := conn.next(t)
	require.Equal(t, protocol.NotifyUpdate, update.Name)
	require.JSONEq(t, `{"total":1}`, string(update.Payload))

	conn.sendText(t, `{"id":7,"to":"/applications/ospy:stream","name":".get-at","payload":{"indexes":[0]}}`)
	reply := conn.next(t)
	require.Equal(t, protocol.ReplyResult, reply.Name)
	require.JSONEq(t, `7`, string(reply.ID))

	var items []protocol.Item
	require.NoError(t, json.Unmarshal(reply.Payload, &items))
	require.Len(t, items, 1)
	require.EqualValues(t, 0, items[0].ID)
	require.Equal(t, "x", items[0].Event)

	_ = conn.Close()
	require.NoError(t, <-result)
	require.Zero(t, p.Info().Sessions)
}

func TestSession_MalformedFrameClosesConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cases := map[string]frame{
		"not json": {messageType: websocket.TextMessage, data: []byte(`{oops`)},
		"empty":    {messageType: websocket.TextMessage, data: nil},
		"no name":  {messageType: websocket.TextMessage, data: []byte(`{"to":"/"}`)},
		"binary":   {messageType: websocket.BinaryMessage, data: []byte(`{"name":"x"}`)},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			conn := newPipeConn()
			sess := NewSession(conn, SessionOptions{})
			p := newStreamProject()
			result := serve(t, sess, p)

			conn.in <- f
			require.Error(t, <-result)
			<-sess.Done()
			require.Zero(t, p.Info().Sessions)
		})
	}
}

func TestSession_SlowPeerIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newPipeConn()
	conn.blockSend = true
	sess := NewSession(conn, SessionOptions{SendBuffer: 2})

	st := protocol.Stanza{Name: protocol.NotifyUpdate}
	var err error
	for range 10 {
		if err = sess.Send(st); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrSlowPeer)
	<-sess.Done()
	require.ErrorIs(t, sess.Send(st), ErrSessionClosed)

	sess.writerWG.Wait()
}

func TestSession_BroadcastSkipsClosedPeer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newStreamProject()
	liveConn, deadConn := newPipeConn(), newPipeConn()
	live := NewSession(liveConn, SessionOptions{})
	dead := NewSession(deadConn, SessionOptions{})

	liveResult := serve(t, live, p)
	require.NoError(t, p.Join(dead))
	dead.Close()
	liveConn.next(t)

	liveConn.sendText(t, `{"to":"/applications/ospy:stream","name":"+clear"}`)
	update := liveConn.next(t)
	require.Equal(t, protocol.NotifyUpdate, update.Name)

	p.Leave(dead)
	dead.writerWG.Wait()
	_ = liveConn.Close()
	require.NoError(t, <-liveResult)
}
