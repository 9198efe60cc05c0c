package client

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

func newTestClient(t *testing.T, handle func(*wire.Request) *wire.Response) (*Client, *fakeServer) {
	t.Helper()
	srv := startFakeServer(t, handle)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	state := newTestState(host, ids.NodeID(1), port)
	c := New(state)
	require.NoError(t, c.UseDatabase("d"))
	require.NoError(t, c.UseTable("t"))
	return c, srv
}

func TestBatchSubmitFlushRoundTrip(t *testing.T) {
	var sets int
	c, srv := newTestClient(t, func(req *wire.Request) *wire.Response {
		if req.Type == wire.ReqSet {
			sets++
		}
		return &wire.Response{Type: wire.RespOK}
	})
	defer srv.Close()
	defer c.Close()

	b := c.Begin(10)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k"), Value: []byte("v")}))
	}
	require.NoError(t, b.Flush())
	assert.Equal(t, 5, sets)

	// Flush drains pending; a second Flush with nothing queued is a no-op.
	require.NoError(t, b.Flush())
}

func TestWriteBufferThresholdTriggersMustFlushWithoutClosing(t *testing.T) {
	c, srv := newTestClient(t, func(req *wire.Request) *wire.Response {
		return &wire.Response{Type: wire.RespOK}
	})
	defer srv.Close()
	defer c.Close()

	b := c.Begin(2)
	require.NoError(t, b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k1"), Value: []byte("v")}))
	err := b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k2"), Value: []byte("v")})
	assert.ErrorIs(t, err, ErrMustFlush)

	// Write-buffer threshold is a pacing nudge, not a hard cap (spec §5):
	// the batch stays open and a further Submit without flushing first
	// still succeeds.
	require.NoError(t, b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k3"), Value: []byte("v")}))
}

func TestBatchByteCapRejectsThirdWriteRegardlessOfCount(t *testing.T) {
	// Scenario 4: batchLimit = 1KiB, three 512-byte Sets; the third must
	// fail because 3*(512-smallStringThreshold) > 1024, not because of
	// any write count (only 3 writes, far under any count threshold).
	c, srv := newTestClient(t, func(req *wire.Request) *wire.Response {
		return &wire.Response{Type: wire.RespOK}
	})
	defer srv.Close()
	defer c.Close()

	c.SetBatchLimit(1024)
	b := c.Begin(1000)

	value := make([]byte, 512)
	require.NoError(t, b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k1"), Value: value}))
	require.NoError(t, b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k2"), Value: value}))

	err := b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k3"), Value: value})
	require.Error(t, err)

	// The batch is now closed; submitting again also fails.
	err = b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k4"), Value: value})
	require.Error(t, err)
}

func TestRequestSizeSubtractsSmallStringThreshold(t *testing.T) {
	assert.Equal(t, 0, requestSize(&wire.Request{Key: []byte("short")}))
	assert.Equal(t, 512-smallStringThreshold, requestSize(&wire.Request{Value: make([]byte, 512)}))
}

func TestBatchCancelDropsPendingWithoutBlocking(t *testing.T) {
	block := make(chan struct{})
	c, srv := newTestClient(t, func(req *wire.Request) *wire.Response {
		<-block
		return &wire.Response{Type: wire.RespOK}
	})
	defer srv.Close()
	defer close(block)
	defer c.Close()

	b := c.Begin(10)
	require.NoError(t, b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k"), Value: []byte("v")}))
	b.Cancel()

	// Cancel must not block waiting on the still-unanswered response, and
	// a Submit after Cancel must fail since the batch is closed.
	err := b.Submit(&wire.Request{Type: wire.ReqSet, Key: []byte("k2"), Value: []byte("v")})
	require.Error(t, err)
}

func TestBatchDefaultLimitUsedWhenNonPositive(t *testing.T) {
	c, srv := newTestClient(t, func(req *wire.Request) *wire.Response {
		return &wire.Response{Type: wire.RespOK}
	})
	defer srv.Close()
	defer c.Close()

	b := c.Begin(0)
	assert.Equal(t, DefaultWriteBufferThreshold, b.limit)
}
