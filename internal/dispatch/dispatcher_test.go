package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keyproxy/internal/idgen"
	"github.com/dshills/keyproxy/internal/rpc"
)

// peer is the test's end of a dispatcher's connection.
type peer struct {
	t    *testing.T
	in   *io.PipeWriter
	tr   *rpc.Transport
	msgs chan rpc.Message
}

type harness struct {
	d    *Dispatcher
	peer *peer
	errc chan error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	d := New(rpc.NewTransport(inR, outW, outW), idgen.New(), opts...)
	p := &peer{
		t:    t,
		in:   inW,
		tr:   rpc.NewTransport(outR, inW, inW),
		msgs: make(chan rpc.Message, 64),
	}

	go func() {
		for {
			m, err := p.tr.Read()
			if err != nil {
				close(p.msgs)
				return
			}
			p.msgs <- m
		}
	}()

	t.Cleanup(func() {
		inW.Close()
		outR.Close()
	})

	return &harness{d: d, peer: p, errc: make(chan error, 1)}
}

func (h *harness) serve(ctx context.Context) {
	go func() { h.errc <- h.d.Serve(ctx) }()
}

func (p *peer) sendRaw(frame string) {
	p.t.Helper()
	_, err := p.in.Write([]byte(frame + "\n"))
	require.NoError(p.t, err)
}

func (p *peer) send(m rpc.Message) {
	p.t.Helper()
	require.NoError(p.t, p.tr.Write(m))
}

func (p *peer) next() rpc.Message {
	p.t.Helper()
	select {
	case m, ok := <-p.msgs:
		require.True(p.t, ok, "connection closed")
		return m
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for message")
		return nil
	}
}

func (p *peer) nextResponse() *rpc.Response {
	p.t.Helper()
	m := p.next()
	resp, ok := m.(*rpc.Response)
	require.True(p.t, ok, "got %T, want response", m)
	return resp
}

func echo(_ context.Context, req *Request, reply *Reply) {
	reply.Result(json.RawMessage(req.Params))
}

func TestDispatcher_RequestResponse(t *testing.T) {
	h := newHarness(t)
	h.d.Handle("echo", echo, Inline())
	h.serve(context.Background())

	h.peer.sendRaw(`{"id":1,"method":"echo","params":{"x":1}}`)

	resp := h.peer.nextResponse()
	assert.Equal(t, uint64(1), resp.ID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"x":1}`, string(resp.Result))
}

func TestDispatcher_MethodNotFound(t *testing.T) {
	h := newHarness(t)
	h.d.Handle("echo", echo)
	h.serve(context.Background())

	h.peer.sendRaw(`{"method":"nobody_home","params":{}}`)
	h.peer.sendRaw(`{"id":3,"method":"missing"}`)

	resp := h.peer.nextResponse()
	assert.Equal(t, uint64(3), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)

	// The notification produced nothing; the loop is still healthy.
	h.peer.sendRaw(`{"id":4,"method":"echo","params":[1]}`)
	assert.Equal(t, uint64(4), h.peer.nextResponse().ID)
}

func TestDispatcher_MalformedFrameSkipped(t *testing.T) {
	h := newHarness(t)
	h.d.Handle("echo", echo, Inline())
	h.serve(context.Background())

	h.peer.sendRaw(`{"id":`)
	h.peer.sendRaw(`{"id":2,"method":"echo","params":"ok"}`)

	resp := h.peer.nextResponse()
	assert.Equal(t, uint64(2), resp.ID)
	assert.Equal(t, `"ok"`, string(resp.Result))
}

func TestDispatcher_HandlerErrorsAndPanics(t *testing.T) {
	h := newHarness(t, WithErrorCoder(func(err error) *rpc.Error {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &rpc.Error{Code: -32099, Message: err.Error()}
		}
		return DefaultErrorCoder(err)
	}))

	h.d.Handle("fail", Func(func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("wrapped: %w", io.ErrUnexpectedEOF)
	}))
	h.d.Handle("boom", func(context.Context, *Request, *Reply) {
		panic("kaboom")
	}, Inline())
	h.serve(context.Background())

	h.peer.sendRaw(`{"id":1,"method":"fail"}`)
	resp := h.peer.nextResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32099, resp.Error.Code)

	h.peer.sendRaw(`{"id":2,"method":"boom"}`)
	resp = h.peer.nextResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaboom")
}

func TestDispatcher_TypedInvalidParams(t *testing.T) {
	type params struct {
		N int `json:"n"`
	}

	h := newHarness(t)
	h.d.Handle("double", Typed(func(_ context.Context, p params) (int, error) {
		return p.N * 2, nil
	}), Inline())
	h.serve(context.Background())

	h.peer.sendRaw(`{"id":1,"method":"double","params":{"n":21}}`)
	assert.Equal(t, "42", string(h.peer.nextResponse().Result))

	h.peer.sendRaw(`{"id":2,"method":"double","params":{"n":"x"}}`)
	resp := h.peer.nextResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestReply_ExactlyOnce(t *testing.T) {
	h := newHarness(t)
	second := make(chan error, 1)
	h.d.Handle("twice", func(_ context.Context, _ *Request, reply *Reply) {
		reply.Result("first")
		second <- reply.Result("second")
	}, Inline())
	h.serve(context.Background())

	h.peer.sendRaw(`{"id":1,"method":"twice"}`)
	assert.Equal(t, `"first"`, string(h.peer.nextResponse().Result))
	assert.ErrorIs(t, <-second, ErrAlreadyReplied)

	h.peer.sendRaw(`{"id":2,"method":"twice"}`)
	assert.Equal(t, uint64(2), h.peer.nextResponse().ID)
}

func TestReply_AsyncFulfilment(t *testing.T) {
	h := newHarness(t)
	tokens := make(chan *Reply, 1)
	h.d.Handle("later", func(_ context.Context, _ *Request, reply *Reply) {
		tokens <- reply
	}, Inline())
	h.serve(context.Background())

	h.peer.sendRaw(`{"id":9,"method":"later"}`)
	reply := <-tokens

	require.Eventually(t, func() bool {
		return h.d.State() == StateAwaitingHandler || h.d.State() == StateReadingFrame
	}, time.Second, time.Millisecond)

	go reply.Result("done")
	resp := h.peer.nextResponse()
	assert.Equal(t, uint64(9), resp.ID)
	assert.Equal(t, `"done"`, string(resp.Result))
}

func TestDispatcher_InlineOrder(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var seen []int
	h.d.Handle("edit", Typed(func(_ context.Context, n int) (int, error) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return n, nil
	}), Inline())
	h.serve(context.Background())

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			h.peer.sendRaw(fmt.Sprintf(`{"id":%d,"method":"edit","params":%d}`, i+1, i))
		}
	}()
	for i := 0; i < n; i++ {
		h.peer.nextResponse()
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		require.Equal(t, i, v)
	}
}

func TestDispatcher_PoolBounded(t *testing.T) {
	h := newHarness(t, WithWorkers(2))

	var running, peak atomic.Int32
	release := make(chan struct{})
	h.d.Handle("slow", func(_ context.Context, _ *Request, reply *Reply) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		reply.Result(nil)
	})
	h.serve(context.Background())

	go func() {
		for i := 1; i <= 5; i++ {
			h.peer.sendRaw(fmt.Sprintf(`{"id":%d,"method":"slow"}`, i))
		}
	}()

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		h.peer.nextResponse()
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestDispatcher_EOFReturnsNil(t *testing.T) {
	h := newHarness(t)
	h.serve(context.Background())

	c, err := h.d.Call("pending_forever", nil)
	require.NoError(t, err)
	h.peer.next()

	require.NoError(t, h.peer.in.Close())

	select {
	case err := <-h.errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return on EOF")
	}

	_, err = c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateIdle, h.d.State())

	_, err = h.d.Call("after_close", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

type brokenConn struct {
	msgs chan rpc.Message
}

func (c *brokenConn) Read() (rpc.Message, error) {
	m, ok := <-c.msgs
	if !ok {
		return nil, io.EOF
	}
	return m, nil
}

func (c *brokenConn) Write(rpc.Message) error { return io.ErrClosedPipe }
func (c *brokenConn) Close() error            { return nil }

func TestDispatcher_FatalWriteStopsServe(t *testing.T) {
	conn := &brokenConn{msgs: make(chan rpc.Message, 1)}
	d := New(conn, nil)
	d.Handle("echo", echo, Inline())

	conn.msgs <- &rpc.Request{ID: 1, Method: "echo"}

	errc := make(chan error, 1)
	go func() { errc <- d.Serve(context.Background()) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after write failure")
	}
}

func TestDispatcher_ContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.serve(ctx)

	cancel()
	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}
