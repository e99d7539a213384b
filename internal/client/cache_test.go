package client_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/ospy/ospy/internal/client"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/stretchr/testify/require"
)

// fakeStream is a stream joined over a fakeConn.
type fakeStream struct {
	*client.Stream
	conn  *fakeConn
	syncs chan protocol.StreamState
}

// joinFake joins p1 over conn and delivers a +sync with total.
func joinFake(t *testing.T, conn *fakeConn, total int) *fakeStream {
	t.Helper()
	svc := client.NewService(staticDialer(conn), nil)
	t.Cleanup(svc.Close)
	p := svc.Project("p1")

	fs := &fakeStream{Stream: p.Stream(), conn: conn, syncs: make(chan protocol.StreamState, 16)}
	fs.AddHandler(&client.StreamHandler{OnUpdate: func(state protocol.StreamState, incremental bool) {
		if !incremental {
			fs.syncs <- state
		}
	}})
	p.AddHandler(&client.Handler{})

	fs.resync(t, total)
	return fs
}

// resync delivers a +sync and waits for the stream to take it.
func (fs *fakeStream) resync(t *testing.T, total int) {
	t.Helper()
	fs.conn.deliver(fmt.Sprintf(`{"from":%q,"name":"+sync","payload":{"total":%d}}`, protocol.StreamAddress, total))
	select {
	case state := <-fs.syncs:
		require.Equal(t, total, state.Total)
	case <-time.After(2 * time.Second):
		t.Fatal("sync not delivered")
	}
}

// nthRequest waits for the n-th (1-based) command called name.
func nthRequest(t *testing.T, conn *fakeConn, name string, n int) protocol.Stanza {
	t.Helper()
	var found protocol.Stanza
	require.Eventually(t, func() bool {
		seen := 0
		for _, st := range conn.stanzas() {
			if st.Name == name {
				seen++
				if seen == n {
					found = st
					return true
				}
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no %s #%d", name, n)
	return found
}

func countRequests(conn *fakeConn, name string) int {
	n := 0
	for _, st := range conn.stanzas() {
		if st.Name == name {
			n++
		}
	}
	return n
}

// replyItems answers request with count items whose ids start at firstID.
func replyItems(conn *fakeConn, request protocol.Stanza, firstID, count int) {
	items := make([]string, count)
	for i := range items {
		items[i] = fmt.Sprintf(`{"_id":%d,"timestamp":"2024-01-01T00:00:00Z","event":"call","payload":null}`, firstID+i)
	}
	conn.deliver(fmt.Sprintf(`{"id":%s,"from":%q,"name":"+result","payload":[%s]}`,
		request.ID, protocol.StreamAddress, strings.Join(items, ",")))
}

type rangeResult struct {
	r   client.Range
	err error
}

func getCachedRange(stream *fakeStream, start, limit int) <-chan rangeResult {
	out := make(chan rangeResult, 1)
	go func() {
		r, err := stream.GetCachedRange(context.Background(), start, limit)
		out <- rangeResult{r, err}
	}()
	return out
}

func awaitRange(t *testing.T, results <-chan rangeResult) client.Range {
	t.Helper()
	select {
	case res := <-results:
		require.NoError(t, res.err)
		return res.r
	case <-time.After(2 * time.Second):
		t.Fatal("range never answered")
		return client.Range{}
	}
}

func TestStream_GetAtServesCachedIndexes(t *testing.T) {
	conn := newFakeConn()
	stream := joinFake(t, conn, 10)

	pending := getCachedRange(stream, 0, 2)
	req := nthRequest(t, conn, protocol.CommandGetRange, 1)
	require.JSONEq(t, `{"start_index":0,"limit":20}`, string(req.Payload))
	replyItems(conn, req, 0, 10)
	r := awaitRange(t, pending)
	require.Equal(t, []int64{0, 1}, itemIDs(r.Items))

	items, err := stream.GetAt(context.Background(), []int{5, 0, 9})
	require.NoError(t, err)
	require.Equal(t, []int64{5, 0, 9}, itemIDs(items))
	require.Zero(t, countRequests(conn, protocol.CommandGetAt))
}

func TestStream_NegativeStartIsClamped(t *testing.T) {
	conn := newFakeConn()
	stream := joinFake(t, conn, 10)

	pending := getCachedRange(stream, -1, 3)
	req := nthRequest(t, conn, protocol.CommandGetRange, 1)
	require.JSONEq(t, `{"start_index":0,"limit":20}`, string(req.Payload))
	replyItems(conn, req, 0, 10)
	r := awaitRange(t, pending)
	require.Equal(t, []int64{0, 1, 2}, itemIDs(r.Items))

	items, err := stream.GetAt(context.Background(), []int{0, 5})
	require.NoError(t, err)
	require.Equal(t, []int64{0, 5}, itemIDs(items))
	require.Zero(t, countRequests(conn, protocol.CommandGetAt))
}

func TestStream_HugeLimitStopsAtTotal(t *testing.T) {
	conn := newFakeConn()
	stream := joinFake(t, conn, 4)

	pending := getCachedRange(stream, 1, math.MaxInt)
	req := nthRequest(t, conn, protocol.CommandGetRange, 1)
	replyItems(conn, req, 1, 3)
	r := awaitRange(t, pending)
	require.Equal(t, []int64{1, 2, 3}, itemIDs(r.Items))

	r, err := stream.GetCachedRange(context.Background(), 1, math.MaxInt)
	require.NoError(t, err)
	require.Equal(t, client.SourceCache, r.Source)
	require.Equal(t, []int64{1, 2, 3}, itemIDs(r.Items))
	require.Equal(t, 1, countRequests(conn, protocol.CommandGetRange))
}

func TestStream_SyncResetsCachesAndPendingFetches(t *testing.T) {
	conn := newFakeConn()
	stream := joinFake(t, conn, 30)

	// Warm the caches, then resync: the next read goes back to the server.
	warm := getCachedRange(stream, 0, 2)
	replyItems(conn, nthRequest(t, conn, protocol.CommandGetRange, 1), 0, 20)
	awaitRange(t, warm)

	stream.resync(t, 30)
	stale := getCachedRange(stream, 0, 2)
	staleReq := nthRequest(t, conn, protocol.CommandGetRange, 2)

	// A resync while the fetch is in flight drops it from the pending table,
	// so the same window is requested again.
	stream.resync(t, 30)
	fresh := getCachedRange(stream, 0, 2)
	freshReq := nthRequest(t, conn, protocol.CommandGetRange, 3)
	require.JSONEq(t, string(staleReq.Payload), string(freshReq.Payload))

	replyItems(conn, freshReq, 0, 20)
	require.Equal(t, []int64{0, 1}, itemIDs(awaitRange(t, fresh).Items))

	// The stale reply still answers its caller but is not cached.
	replyItems(conn, staleReq, 500, 20)
	require.Equal(t, []int64{500, 501}, itemIDs(awaitRange(t, stale).Items))

	r, err := stream.GetCachedRange(context.Background(), 0, 3)
	require.NoError(t, err)
	require.Equal(t, client.SourceCache, r.Source)
	require.Equal(t, []int64{0, 1, 2}, itemIDs(r.Items))

	items, err := stream.Get(context.Background(), []int64{1})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, itemIDs(items))
	require.Zero(t, countRequests(conn, protocol.CommandGet))
	require.Equal(t, 3, countRequests(conn, protocol.CommandGetRange))
}
