package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/p2p"
	"github.com/dermesser/rdmarpc/server"

	"github.com/gogo/protobuf/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	opEcho server.Opcode = iota + 1
	opFail
	opBlock
	opDouble
)

type testNode struct {
	mgr    *p2p.Manager
	srv    *server.Server
	client *Client
}

func newTestNode(t *testing.T, id fabric.NodeID, hub *fabric.Hub, l *layout.Layout) *testNode {
	n := &testNode{}
	n.srv = server.NewServer(nil)
	n.mgr = p2p.NewManager(id, l, hub.Provider(id), n.srv, p2p.WithIdleSleep(10, 100*time.Microsecond))
	n.srv.SetSender(n.mgr)

	n.client = NewClient("node", n.mgr)
	n.client.SetRPCLogger(zaptest.NewLogger(t))
	n.srv.SetReplyHandler(layout.P2PReply, n.client.HandleReply)
	return n
}

// twoNodes connects node 1 (caller) and node 2 (callee). release unblocks opBlock handlers.
func twoNodes(t *testing.T, window uint64) (a, b *testNode, release chan struct{}) {
	l, err := layout.New(layout.Params{
		HeaderSpace:     p2p.HeaderSize,
		MaxPayloadSizes: [layout.NumTypes]uint64{128, 128, 128},
		WindowSizes:     [layout.NumTypes]uint64{window, window, window},
	})
	require.NoError(t, err)

	hub := fabric.NewHub()
	a = newTestNode(t, 1, hub, l)
	b = newTestNode(t, 2, hub, l)
	require.NoError(t, a.mgr.AddPeer(2))
	require.NoError(t, b.mgr.AddPeer(1))

	release = make(chan struct{})
	require.NoError(t, b.srv.RegisterHandler(opEcho, func(ctx *server.Context) {
		ctx.Success(ctx.GetInput())
	}))
	require.NoError(t, b.srv.RegisterHandler(opFail, func(ctx *server.Context) {
		ctx.Fail("refused")
	}))
	require.NoError(t, b.srv.RegisterHandler(opBlock, func(ctx *server.Context) {
		<-release
		ctx.Success([]byte("late"))
	}))
	require.NoError(t, b.srv.RegisterHandler(opDouble, func(ctx *server.Context) {
		var in types.Int64Value
		if err := ctx.GetArgument(&in); err != nil {
			ctx.Fail(err.Error())
			return
		}
		ctx.Return(&types.Int64Value{Value: 2 * in.Value})
	}))

	for _, n := range []*testNode{a, b} {
		require.NoError(t, n.srv.Start())
		require.NoError(t, n.mgr.Start(context.Background()))
	}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		for _, n := range []*testNode{a, b} {
			n.mgr.Stop()
			n.srv.Stop()
		}
	})
	return
}

func requireStatus(t *testing.T, err error, status Status) *RequestError {
	var rqerr *RequestError
	require.True(t, errors.As(err, &rqerr), "not a RequestError: %v", err)
	require.Equal(t, status, rqerr.Code(), rqerr.Error())
	return rqerr
}

func TestInvokeEcho(t *testing.T) {
	a, _, _ := twoNodes(t, 4)

	rsp, err := a.client.Invoke(context.Background(), 2, opEcho, []byte("ECHO"))
	require.NoError(t, err)
	assert.Equal(t, "ECHO", string(rsp))
	assert.Equal(t, 0, a.client.Pending())
}

func TestInvokeMany(t *testing.T) {
	a, _, _ := twoNodes(t, 2)

	for i := 0; i < 50; i++ {
		payload := []byte{byte(i)}
		rsp, err := a.client.Invoke(context.Background(), 2, opEcho, payload)
		require.NoError(t, err)
		require.Equal(t, payload, rsp)
	}
	c, ok := a.mgr.Connection(2)
	require.True(t, ok)
	assert.EqualValues(t, 50, c.OutgoingSeq(layout.P2PRequest))
	assert.EqualValues(t, 50, c.IncomingSeq(layout.P2PReply))
}

func TestInvokeErrors(t *testing.T) {
	a, _, _ := twoNodes(t, 4)

	_, err := a.client.Invoke(context.Background(), 2, opFail, nil)
	rqerr := requireStatus(t, err, StatusNotOK)
	assert.Equal(t, "refused", rqerr.Message())
	assert.Equal(t, "STATUS_NOT_OK", rqerr.Status())

	_, err = a.client.Invoke(context.Background(), 2, 999, nil)
	requireStatus(t, err, StatusNotFound)

	_, err = a.client.Invoke(context.Background(), 2, opEcho, make([]byte, 129))
	requireStatus(t, err, StatusClientRequestError)

	_, err = a.client.Invoke(context.Background(), 7, opEcho, nil)
	rqerr = requireStatus(t, err, StatusClientNetworkError)
	assert.ErrorIs(t, rqerr, p2p.ErrUnknownPeer)

	// Rejected requests do not consume slots.
	c, _ := a.mgr.Connection(2)
	assert.EqualValues(t, 2, c.OutgoingSeq(layout.P2PRequest))
}

func TestBuiltinPing(t *testing.T) {
	a, b, _ := twoNodes(t, 4)

	_, err := a.client.Invoke(context.Background(), 2, server.OpcodePing, nil)
	require.NoError(t, err)

	b.srv.SetLameduck(true)
	_, err = a.client.Invoke(context.Background(), 2, server.OpcodeHealth, nil)
	requireStatus(t, err, StatusNotOK)
}

func TestInvokeProto(t *testing.T) {
	a, _, _ := twoNodes(t, 4)

	var out types.Int64Value
	require.NoError(t, a.client.InvokeProto(context.Background(), 2, opDouble, &types.Int64Value{Value: 21}, &out))
	assert.EqualValues(t, 42, out.Value)
}

func TestReplyTimeout(t *testing.T) {
	a, _, _ := twoNodes(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.client.Invoke(ctx, 2, opBlock, nil)
	requireStatus(t, err, StatusTimeout)
	assert.Equal(t, 0, a.client.Pending())
}

func TestBackpressure(t *testing.T) {
	a, _, release := twoNodes(t, 2)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		_, err := a.client.InvokeAsync(2, opBlock, nil, func(_ []byte, err error) { results <- err })
		require.NoError(t, err)
	}

	// The window is full until the peer replies.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.client.Invoke(ctx, 2, opEcho, []byte("x"))
	requireStatus(t, err, StatusTimeout)

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("callback not called")
		}
	}

	rsp, err := a.client.Invoke(context.Background(), 2, opEcho, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(rsp))
}

func TestCancelDropsLateReply(t *testing.T) {
	a, _, release := twoNodes(t, 4)
	before := testutil.ToFloat64(unknownReplies.WithLabelValues())

	results := make(chan error, 1)
	seq, err := a.client.InvokeAsync(2, opBlock, nil, func(_ []byte, err error) { results <- err })
	require.NoError(t, err)
	assert.Equal(t, 1, a.client.Pending())

	require.True(t, a.client.Cancel(2, seq))
	assert.False(t, a.client.Cancel(2, seq))
	requireStatus(t, <-results, StatusCancelled)

	close(release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(unknownReplies.WithLabelValues()) == before+1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, a.client.Pending())

	// The late reply did not resolve the next invocation.
	rsp, err := a.client.Invoke(context.Background(), 2, opEcho, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, "next", string(rsp))
	assert.Empty(t, results)
}

func TestFailPeer(t *testing.T) {
	a, _, _ := twoNodes(t, 4)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		_, err := a.client.InvokeAsync(2, opBlock, nil, func(_ []byte, err error) { results <- err })
		require.NoError(t, err)
	}

	gone := errors.New("node 2 left")
	assert.Equal(t, 2, a.client.FailPeer(2, gone))
	assert.Equal(t, 0, a.client.FailPeer(2, gone))

	for i := 0; i < 2; i++ {
		rqerr := requireStatus(t, <-results, StatusPeerFailed)
		assert.ErrorIs(t, rqerr, gone)
	}
	assert.Equal(t, 0, a.client.Pending())
}

func TestAsyncTimeout(t *testing.T) {
	a, _, _ := twoNodes(t, 4)
	a.client.SetDefaultParams(NewParams().Timeout(20 * time.Millisecond))

	results := make(chan error, 1)
	_, err := a.client.InvokeAsync(2, opBlock, nil, func(_ []byte, err error) { results <- err })
	require.NoError(t, err)

	select {
	case err := <-results:
		requireStatus(t, err, StatusTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("invocation did not expire")
	}
	assert.Equal(t, 0, a.client.Pending())
}

func TestAsyncClient(t *testing.T) {
	a, _, _ := twoNodes(t, 2)
	ac := NewAsyncClient(a.client, 16)
	defer ac.Close()

	results := make(chan string, 10)
	for i := 0; i < 10; i++ {
		ac.Request(2, opEcho, []byte{'a' + byte(i)}, func(rsp []byte, err error) {
			assert.NoError(t, err)
			results <- string(rsp)
		})
	}

	got := make(map[string]bool)
	for i := 0; i < 10; i++ {
		select {
		case rsp := <-results:
			got[rsp] = true
		case <-time.After(5 * time.Second):
			t.Fatal("callback not called")
		}
	}
	assert.Len(t, got, 10)
}

func TestFailAll(t *testing.T) {
	a, _, _ := twoNodes(t, 4)

	results := make(chan error, 1)
	_, err := a.client.InvokeAsync(2, opBlock, nil, func(_ []byte, err error) { results <- err })
	require.NoError(t, err)

	assert.Equal(t, 1, a.client.FailAll(p2p.ErrClosed))
	rqerr := requireStatus(t, <-results, StatusPeerFailed)
	assert.ErrorIs(t, rqerr, p2p.ErrClosed)
	assert.Equal(t, 0, a.client.FailAll(p2p.ErrClosed))
}
