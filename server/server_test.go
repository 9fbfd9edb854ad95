package server

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dermesser/rdmarpc/fabric"
	"github.com/dermesser/rdmarpc/layout"
	"github.com/dermesser/rdmarpc/p2p"

	"github.com/gogo/protobuf/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const slotSize = p2p.HeaderSize + 64

type sentReply struct {
	peer    fabric.NodeID
	header  p2p.Header
	payload string
}

// recordingSender captures replies instead of writing them to a peer.
type recordingSender struct {
	mx      sync.Mutex
	slots   map[uint64][]byte
	seq     uint64
	replies []sentReply
}

func newRecordingSender() *recordingSender {
	return &recordingSender{slots: make(map[uint64][]byte)}
}

func (s *recordingSender) GetSendBuffer(peer fabric.NodeID, t layout.MessageType) (p2p.BufferHandle, bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	buf := make([]byte, slotSize)
	s.slots[s.seq] = buf
	s.seq++
	return p2p.BufferHandle{Buf: buf, SeqNum: s.seq - 1}, true, nil
}

func (s *recordingSender) Send(peer fabric.NodeID, t layout.MessageType, seq uint64) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	buf := s.slots[seq]
	hdr, err := p2p.DecodeHeader(buf)
	if err != nil {
		return err
	}
	s.replies = append(s.replies, sentReply{peer: peer, header: hdr, payload: string(buf[p2p.HeaderSize : p2p.HeaderSize+hdr.Length])})
	return nil
}

func (s *recordingSender) get() []sentReply {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]sentReply(nil), s.replies...)
}

func request(sender fabric.NodeID, seq uint64, opcode Opcode, payload string) p2p.Message {
	return p2p.Message{
		Sender:  sender,
		Type:    layout.P2PRequest,
		SeqNum:  seq,
		Header:  p2p.Header{Opcode: uint64(opcode), Length: uint32(len(payload))},
		Payload: []byte(payload),
	}
}

func startServer(t *testing.T) (*Server, *recordingSender) {
	sender := newRecordingSender()
	srv := NewServer(sender)
	srv.SetRPCLogger(zaptest.NewLogger(t))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv, sender
}

func waitReplies(t *testing.T, s *recordingSender, n int) []sentReply {
	require.Eventually(t, func() bool { return len(s.get()) >= n }, 5*time.Second, time.Millisecond)
	return s.get()
}

func TestEcho(t *testing.T) {
	srv, sender := startServer(t)
	require.NoError(t, srv.RegisterHandler(1, func(ctx *Context) {
		ctx.Success(ctx.GetInput())
	}))

	srv.Enqueue(request(2, 7, 1, "ECHO"))

	replies := waitReplies(t, sender, 1)
	assert.Equal(t, fabric.NodeID(2), replies[0].peer)
	assert.EqualValues(t, 7, replies[0].header.InvocationID)
	assert.EqualValues(t, 1, replies[0].header.Opcode)
	assert.EqualValues(t, StatusOK, replies[0].header.Status)
	assert.Equal(t, "ECHO", replies[0].payload)
}

func TestFIFOAndExclusive(t *testing.T) {
	srv, sender := startServer(t)

	var inFlight atomic.Int32
	var order []uint64
	require.NoError(t, srv.RegisterHandler(1, func(ctx *Context) {
		if inFlight.Add(1) != 1 {
			t.Error("handlers ran concurrently")
		}
		order = append(order, ctx.SeqNum())
		time.Sleep(10 * time.Microsecond)
		inFlight.Add(-1)
		ctx.Success(nil)
	}))

	var wg sync.WaitGroup
	var enqueue sync.Mutex
	next := uint64(0)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				enqueue.Lock()
				srv.Enqueue(request(1, next, 1, ""))
				next++
				enqueue.Unlock()
			}
		}()
	}
	wg.Wait()

	replies := waitReplies(t, sender, 200)
	require.Len(t, replies, 200)
	for i, seq := range order {
		assert.EqualValues(t, i, seq)
		assert.EqualValues(t, i, replies[i].header.InvocationID)
	}
}

func TestHandlerFailures(t *testing.T) {
	srv, sender := startServer(t)
	before := testutil.ToFloat64(handlerFailures.WithLabelValues(StatusNotOK.String()))

	require.NoError(t, srv.RegisterHandler(1, func(ctx *Context) {
		ctx.Fail("no such thing")
	}))
	require.NoError(t, srv.RegisterHandler(2, func(ctx *Context) {
		panic("boom")
	}))

	srv.Enqueue(request(3, 0, 1, "x"))
	srv.Enqueue(request(3, 1, 2, "x"))
	srv.Enqueue(request(3, 2, 99, "x"))

	replies := waitReplies(t, sender, 3)
	assert.EqualValues(t, StatusNotOK, replies[0].header.Status)
	assert.Equal(t, "no such thing", replies[0].payload)
	assert.EqualValues(t, StatusNotOK, replies[1].header.Status)
	assert.Contains(t, replies[1].payload, "boom")
	assert.EqualValues(t, StatusNotFound, replies[2].header.Status)
	assert.EqualValues(t, 2, replies[2].header.InvocationID)

	assert.Equal(t, before+2, testutil.ToFloat64(handlerFailures.WithLabelValues(StatusNotOK.String())))
}

func TestReplyTooLarge(t *testing.T) {
	srv, sender := startServer(t)
	require.NoError(t, srv.RegisterHandler(1, func(ctx *Context) {
		ctx.Success(make([]byte, 1000))
	}))

	srv.Enqueue(request(3, 0, 1, ""))

	replies := waitReplies(t, sender, 1)
	assert.EqualValues(t, StatusServerError, replies[0].header.Status)
	assert.Empty(t, replies[0].payload)
}

func TestBuiltinEndpoints(t *testing.T) {
	srv, sender := startServer(t)

	srv.Enqueue(request(1, 0, OpcodePing, ""))
	srv.Enqueue(request(1, 1, OpcodeHealth, ""))
	replies := waitReplies(t, sender, 2)
	assert.EqualValues(t, StatusOK, replies[0].header.Status)
	assert.EqualValues(t, StatusOK, replies[1].header.Status)

	srv.SetLameduck(true)
	srv.Enqueue(request(1, 2, OpcodeHealth, ""))
	srv.Enqueue(request(1, 3, OpcodePing, ""))
	replies = waitReplies(t, sender, 4)
	assert.EqualValues(t, StatusNotOK, replies[2].header.Status)
	assert.EqualValues(t, StatusOK, replies[3].header.Status)

	srv.SetLoadshed(true)
	srv.Enqueue(request(1, 4, OpcodePing, ""))
	replies = waitReplies(t, sender, 5)
	assert.EqualValues(t, StatusLoadshed, replies[4].header.Status)
}

func TestReplyHandler(t *testing.T) {
	srv, _ := startServer(t)

	got := make(chan p2p.Message, 2)
	srv.SetReplyHandler(layout.P2PReply, func(m p2p.Message) { got <- m })

	srv.Enqueue(p2p.Message{Sender: 4, Type: layout.P2PReply, SeqNum: 0, Payload: []byte("a")})
	// no handler for RPC replies; dropped
	srv.Enqueue(p2p.Message{Sender: 4, Type: layout.RPCReply, SeqNum: 0})
	srv.Enqueue(p2p.Message{Sender: 4, Type: layout.P2PReply, SeqNum: 1, Payload: []byte("b")})

	for _, expected := range []string{"a", "b"} {
		select {
		case m := <-got:
			assert.Equal(t, expected, string(m.Payload))
		case <-time.After(5 * time.Second):
			t.Fatal("reply not dispatched")
		}
	}
}

func TestProtoArgument(t *testing.T) {
	srv, sender := startServer(t)
	require.NoError(t, srv.RegisterHandler(1, func(ctx *Context) {
		var in types.StringValue
		if err := ctx.GetArgument(&in); err != nil {
			ctx.Fail(err.Error())
			return
		}
		ctx.Return(&types.StringValue{Value: in.Value + in.Value})
	}))

	arg, err := (&types.StringValue{Value: "ab"}).Marshal()
	require.NoError(t, err)
	srv.Enqueue(request(1, 0, 1, string(arg)))

	replies := waitReplies(t, sender, 1)
	require.EqualValues(t, StatusOK, replies[0].header.Status)

	var out types.StringValue
	require.NoError(t, out.Unmarshal([]byte(replies[0].payload)))
	assert.Equal(t, "abab", out.Value)
}

func TestRegistration(t *testing.T) {
	srv := NewServer(newRecordingSender())

	h := func(ctx *Context) {}
	require.NoError(t, srv.RegisterHandler(5, h))
	assert.ErrorIs(t, srv.RegisterHandler(5, h), ErrAlreadyRegistered)
	assert.ErrorIs(t, srv.RegisterHandler(OpcodePing, h), ErrAlreadyRegistered)

	require.NoError(t, srv.UnregisterHandler(5))
	assert.ErrorIs(t, srv.UnregisterHandler(5), ErrNoSuchOpcode)
}

func TestQueueBeforeStart(t *testing.T) {
	sender := newRecordingSender()
	srv := NewServer(sender)

	srv.Enqueue(request(1, 0, OpcodePing, ""))
	srv.Enqueue(request(1, 1, OpcodePing, ""))
	assert.Equal(t, 2, srv.QueueLen())

	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), ErrRunning)
	waitReplies(t, sender, 2)

	require.NoError(t, srv.Stop())
	srv.Enqueue(request(1, 2, OpcodePing, ""))
	assert.Equal(t, 1, srv.QueueLen())
	require.NoError(t, srv.Stop())
}

func TestStopRefusesQueued(t *testing.T) {
	sender := newRecordingSender()
	srv := NewServer(sender)
	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, srv.RegisterHandler(1, func(ctx *Context) {
		close(entered)
		<-release
		ctx.Success(nil)
	}))
	require.NoError(t, srv.Start())

	srv.Enqueue(request(2, 0, 1, ""))
	<-entered
	srv.Enqueue(request(2, 1, OpcodePing, ""))
	srv.Enqueue(request(3, 0, OpcodePing, ""))
	srv.Enqueue(p2p.Message{Sender: 2, Type: layout.P2PReply, SeqNum: 0})

	stopped := make(chan error)
	go func() { stopped <- srv.Stop() }()
	require.Eventually(t, func() bool {
		srv.qlock.Lock()
		defer srv.qlock.Unlock()
		return srv.stopping
	}, 5*time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	replies := sender.get()
	require.Len(t, replies, 3)
	assert.EqualValues(t, StatusOK, replies[0].header.Status)
	for _, rp := range replies[1:] {
		assert.EqualValues(t, StatusServerError, rp.header.Status)
	}
	assert.Equal(t, fabric.NodeID(2), replies[1].peer)
	assert.EqualValues(t, 1, replies[1].header.InvocationID)
	assert.Equal(t, fabric.NodeID(3), replies[2].peer)
	assert.Equal(t, 0, srv.QueueLen())

	// A restarted dispatcher serves new requests.
	require.NoError(t, srv.Start())
	srv.Enqueue(request(2, 2, OpcodePing, ""))
	waitReplies(t, sender, 4)
	require.NoError(t, srv.Stop())
}
