package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ospy/ospy/internal/client"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/stretchr/testify/require"
)

// fakeConn is a Conn whose inbound frames are injected by the test.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []protocol.Stanza
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	st, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, st)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) stanzas() []protocol.Stanza {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Stanza(nil), c.written...)
}

func (c *fakeConn) deliver(s string) {
	c.in <- []byte(s)
}

// recorder captures every stanza the client writes.
type recorder struct {
	mu   sync.Mutex
	sent []protocol.Stanza
}

type recordingConn struct {
	client.Conn
	rec *recorder
}

func (c *recordingConn) WriteMessage(messageType int, data []byte) error {
	if st, err := protocol.Decode(data); err == nil {
		c.rec.mu.Lock()
		c.rec.sent = append(c.rec.sent, st)
		c.rec.mu.Unlock()
	}
	return c.Conn.WriteMessage(messageType, data)
}

func (r *recorder) wrap(dial client.Dialer) client.Dialer {
	return func(ctx context.Context, projectID string) (client.Conn, error) {
		conn, err := dial(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return &recordingConn{Conn: conn, rec: r}, nil
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.sent {
		if st.Name == name {
			n++
		}
	}
	return n
}

// ranges returns the "start:limit" windows of every .get-range sent.
func (r *recorder) ranges(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var windows []string
	for _, st := range r.sent {
		if st.Name != protocol.CommandGetRange {
			continue
		}
		var req protocol.GetRangeRequest
		require.NoError(t, st.DecodePayload(&req))
		windows = append(windows, fmt.Sprintf("%d:%d", req.StartIndex, req.Limit))
	}
	return windows
}

// joinStream joins the project and waits for its stream to sync.
func joinStream(t *testing.T, svc *client.Service, projectID string) (*client.Project, <-chan protocol.StreamState) {
	t.Helper()
	p := svc.Project(projectID)

	updates := make(chan protocol.StreamState, 64)
	p.Stream().AddHandler(&client.StreamHandler{
		OnUpdate: func(state protocol.StreamState, _ bool) { updates <- state },
	})
	joined := make(chan struct{}, 1)
	p.AddHandler(&client.Handler{OnJoin: func() { joined <- struct{}{} }})

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("project not joined")
	}
	waitTotal(t, updates, 0)
	return p, updates
}

func waitTotal(t *testing.T, updates <-chan protocol.StreamState, total int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case state := <-updates:
			if state.Total == total {
				return
			}
		case <-timeout:
			t.Fatalf("stream never reached total %d", total)
		}
	}
}

func newItems(n int) []protocol.NewItem {
	items := make([]protocol.NewItem, n)
	for i := range items {
		items[i] = protocol.NewItem{Event: "call", Payload: []byte(fmt.Sprintf(`{"seq":%d}`, i))}
	}
	return items
}

func itemIDs(items []protocol.Item) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func idRange(from, to int64) []int64 {
	var ids []int64
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}
