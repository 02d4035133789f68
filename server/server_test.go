package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lite-rpc/codec"
	"lite-rpc/coordinator"
	"lite-rpc/dispatch"
	"lite-rpc/message"
	"lite-rpc/protocol"
	"lite-rpc/registry"
	"lite-rpc/transport"
)

type Calculator struct {
	started chan struct{}
	release chan struct{}
}

func (c *Calculator) Add(a, b int) int {
	return a + b
}

func (c *Calculator) Sleep(ms int) int {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return ms
}

// Block signals started and waits for release.
func (c *Calculator) Block() string {
	c.started <- struct{}{}
	<-c.release
	return "released"
}

func newCalculator() *Calculator {
	return &Calculator{started: make(chan struct{}, 1), release: make(chan struct{})}
}

type testServer struct {
	*Server
	addr   string
	served chan error
}

func startServer(t *testing.T, rcvr any, opts ...Option) *testServer {
	t.Helper()
	table := dispatch.NewTable()
	require.NoError(t, table.Register(rcvr))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{
		Server: NewServer(table, zap.NewNop(), opts...),
		addr:   listener.Addr().String(),
		served: make(chan error, 1),
	}
	go func() {
		ts.served <- ts.ServeListener(listener)
	}()
	t.Cleanup(func() {
		_ = ts.Shutdown(time.Second)
	})
	return ts
}

func dialTransport(t *testing.T, addr string, codecType codec.CodecType) *transport.ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ct := transport.NewClientTransport(conn, codecType, 0)
	t.Cleanup(func() {
		_ = ct.Close()
	})
	return ct
}

func call(t *testing.T, ct *transport.ClientTransport, req *message.Request) *message.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := ct.Call(ctx, req)
	require.NoError(t, err)
	return resp
}

func mustRequest(t *testing.T, id, service, method string, args ...any) *message.Request {
	t.Helper()
	req, err := message.NewRequest(id, service, method, args...)
	require.NoError(t, err)
	return req
}

func TestServer_Add(t *testing.T) {
	for _, codecType := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(codecType.String(), func(t *testing.T) {
			ts := startServer(t, newCalculator())
			ct := dialTransport(t, ts.addr, codecType)

			resp := call(t, ct, mustRequest(t, "r1", "Calculator", "Add", 2, 3))
			require.Nil(t, resp.Error)
			assert.Equal(t, "r1", resp.RequestID)

			var sum int
			require.NoError(t, resp.DecodeResult(&sum))
			assert.Equal(t, 5, sum)
		})
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	ts := startServer(t, newCalculator())
	ct := dialTransport(t, ts.addr, codec.CodecTypeJSON)

	resp := call(t, ct, mustRequest(t, "r2", "Calculator", "subtract", 5, 3))
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.KindMethodNotFound, resp.Error.Kind)
	assert.Nil(t, resp.Result)
	assert.Equal(t, "r2", resp.RequestID)

	resp = call(t, ct, mustRequest(t, "r3", "Abacus", "Add", 5, 3))
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.KindServiceNotFound, resp.Error.Kind)
	assert.Equal(t, "r3", resp.RequestID)
}

func TestServer_ResponsesInRequestOrder(t *testing.T) {
	ts := startServer(t, newCalculator())
	ct := dialTransport(t, ts.addr, codec.CodecTypeJSON)

	// Later requests are faster; they must still be answered after the earlier ones.
	const n = 10
	pending := make([]<-chan transport.Result, n)
	for i := 0; i < n; i++ {
		ch, err := ct.Send(mustRequest(t, fmt.Sprintf("r%d", i), "Calculator", "Sleep", (n-i)*5))
		require.NoError(t, err)
		pending[i] = ch
	}

	for i, ch := range pending {
		select {
		case r := <-ch:
			require.NoError(t, r.Err)
			assert.Equal(t, fmt.Sprintf("r%d", i), r.Response.RequestID)
			var ms int
			require.NoError(t, r.Response.DecodeResult(&ms))
			assert.Equal(t, (n-i)*5, ms)
		case <-time.After(5 * time.Second):
			t.Fatalf("no response for r%d", i)
		}
	}
}

func TestServer_ConcurrentConnections(t *testing.T) {
	ts := startServer(t, newCalculator(), WithMaxConnections(4))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", ts.addr)
			if !assert.NoError(t, err) {
				return
			}
			ct := transport.NewClientTransport(conn, codec.CodecTypeJSON, 0)
			defer ct.Close()

			for j := 0; j < 5; j++ {
				req, err := message.NewRequest(fmt.Sprintf("c%d-%d", i, j), "calculator", "Add", i, j)
				if !assert.NoError(t, err) {
					return
				}
				resp, err := ct.Call(context.Background(), req)
				if assert.NoError(t, err) {
					var sum int
					assert.NoError(t, resp.DecodeResult(&sum))
					assert.Equal(t, i+j, sum)
				}
			}
		}(i)
	}
	wg.Wait()
}

func writeFrame(t *testing.T, conn net.Conn, msgType protocol.MsgType, body []byte) {
	t.Helper()
	require.NoError(t, protocol.Encode(conn, &protocol.Header{CodecType: codec.CodecTypeJSON, MsgType: msgType}, body))
}

func readResponse(t *testing.T, conn net.Conn) *message.Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	header, body, err := protocol.Decode(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTypeResponse, header.MsgType)

	resp := &message.Response{}
	require.NoError(t, codec.GetCodec(header.CodecType).Decode(body, resp))
	return resp
}

func TestServer_UndecodableBodyGetsBadRequest(t *testing.T) {
	ts := startServer(t, newCalculator())
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, protocol.MsgTypeRequest, []byte("{not json"))
	resp := readResponse(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.KindBadRequest, resp.Error.Kind)

	// The connection is still usable.
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(mustRequest(t, "r1", "calculator", "Add", 1, 1))
	require.NoError(t, err)
	writeFrame(t, conn, protocol.MsgTypeRequest, body)
	resp = readResponse(t, conn)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestServer_HeartbeatIsIgnored(t *testing.T) {
	ts := startServer(t, newCalculator())
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, protocol.MsgTypeHeartbeat, nil)
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(mustRequest(t, "r1", "calculator", "Add", 1, 2))
	require.NoError(t, err)
	writeFrame(t, conn, protocol.MsgTypeRequest, body)

	resp := readResponse(t, conn)
	assert.Equal(t, "r1", resp.RequestID)
	assert.JSONEq(t, "3", string(resp.Result))
}

func TestServer_BrokenFrameClosesConnection(t *testing.T) {
	ts := startServer(t, newCalculator())
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	// Exactly one header's worth, so the server leaves nothing unread when it closes.
	_, err = conn.Write([]byte("GET / HTT"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_RegistersAdvertisedAddress(t *testing.T) {
	store := coordinator.NewStore()
	reg := registry.New(store.Client(), zap.NewNop())
	ts := startServer(t, newCalculator(), WithRegistry(reg), WithAdvertiseAddr("10.0.0.5:9000"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ts.WaitRegistered(ctx)
	require.NoError(t, err)
	require.Equal(t, registry.StateRegistered, status.State, "%v", status.Err)

	payload, ok := store.Get(status.Node)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:9000", string(payload))
	assert.Equal(t, status, ts.RegistrationStatus())

	require.NoError(t, ts.Shutdown(time.Second))
	_, ok = store.Get(status.Node)
	assert.False(t, ok, "ephemeral node must vanish with the session")
	_, ok = store.Get(registry.DefaultParentPath)
	assert.True(t, ok)
}

func TestServer_DefaultAdvertiseAddrIsBoundAddr(t *testing.T) {
	store := coordinator.NewStore()
	ts := startServer(t, newCalculator(), WithRegistry(registry.New(store.Client(), nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ts.WaitRegistered(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts.addr, status.Address)
	assert.Equal(t, ts.addr, ts.Addr().String())
}

func TestServer_ServesWhileRegistrationBlocks(t *testing.T) {
	store := coordinator.NewStore()
	store.SetAvailable(false)
	ts := startServer(t, newCalculator(), WithRegistry(registry.New(store.Client(), nil)))

	ct := dialTransport(t, ts.addr, codec.CodecTypeJSON)
	resp := call(t, ct, mustRequest(t, "r1", "calculator", "Add", 2, 2))
	assert.Nil(t, resp.Error)
	assert.Equal(t, registry.StatePending, ts.RegistrationStatus().State)

	// Shutdown ends the wait for the session.
	require.NoError(t, ts.Shutdown(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ts.WaitRegistered(ctx)
	require.NoError(t, err)
	assert.Equal(t, registry.StateSkipped, status.State)
	assert.Empty(t, store.Paths())
}

func TestServer_WithoutRegistry(t *testing.T) {
	ts := startServer(t, newCalculator())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ts.WaitRegistered(ctx)
	require.NoError(t, err)
	assert.Equal(t, registry.StateSkipped, status.State)
	assert.NoError(t, status.Err)
}

func TestServer_ShutdownWaitsForInFlightCall(t *testing.T) {
	calc := newCalculator()
	ts := startServer(t, calc)
	ct := dialTransport(t, ts.addr, codec.CodecTypeJSON)

	ch, err := ct.Send(mustRequest(t, "r1", "calculator", "Block"))
	require.NoError(t, err)
	<-calc.started

	shutdown := make(chan error, 1)
	go func() {
		shutdown <- ts.Shutdown(5 * time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	close(calc.release)

	r := <-ch
	require.NoError(t, r.Err)
	assert.JSONEq(t, `"released"`, string(r.Response.Result))

	require.NoError(t, <-shutdown)
	require.NoError(t, <-ts.served)

	_, err = net.DialTimeout("tcp", ts.addr, time.Second)
	assert.Error(t, err, "listener must be closed")
}

func TestServer_ShutdownTimeout(t *testing.T) {
	calc := newCalculator()
	ts := startServer(t, calc)
	ct := dialTransport(t, ts.addr, codec.CodecTypeJSON)
	defer close(calc.release)

	_, err := ct.Send(mustRequest(t, "r1", "calculator", "Block"))
	require.NoError(t, err)
	<-calc.started

	err = ts.Shutdown(50 * time.Millisecond)
	assert.ErrorContains(t, err, "timeout")
	assert.NoError(t, ts.Shutdown(time.Second), "second shutdown is a no-op")
}

func TestServer_ServeAfterShutdown(t *testing.T) {
	srv := NewServer(dispatch.NewTable(), nil)
	require.NoError(t, srv.Shutdown(time.Second))
	assert.ErrorIs(t, srv.Serve("tcp", "127.0.0.1:0"), ErrServerClosed)
	assert.Nil(t, srv.Addr())
}

type countingObserver struct {
	opened, closed atomic.Int32
}

func (o *countingObserver) ConnectionOpened() { o.opened.Add(1) }
func (o *countingObserver) ConnectionClosed() { o.closed.Add(1) }

func TestServer_ConnObserver(t *testing.T) {
	obs := &countingObserver{}
	ts := startServer(t, newCalculator(), WithConnObserver(obs))

	ct := dialTransport(t, ts.addr, codec.CodecTypeJSON)
	call(t, ct, mustRequest(t, "r1", "calculator", "Add", 1, 2))
	assert.EqualValues(t, 1, obs.opened.Load())

	require.NoError(t, ct.Close())
	assert.Eventually(t, func() bool {
		return obs.closed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownWaitsForQueuedConnection(t *testing.T) {
	calc := newCalculator()
	obs := &countingObserver{}
	ts := startServer(t, calc, WithMaxConnections(1), WithConnObserver(obs))

	busy := dialTransport(t, ts.addr, codec.CodecTypeJSON)
	ch, err := busy.Send(mustRequest(t, "r1", "calculator", "Block"))
	require.NoError(t, err)
	<-calc.started

	// The second connection is tracked, then the accept loop waits for a free worker.
	queued, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer queued.Close()
	require.Eventually(t, func() bool {
		return obs.opened.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		shutdown <- ts.Shutdown(5 * time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	close(calc.release)

	r := <-ch
	require.NoError(t, r.Err)
	require.NoError(t, <-shutdown)

	// Every worker, including the one started for the queued connection, has returned.
	assert.EqualValues(t, 2, obs.closed.Load())
	assert.Equal(t, obs.opened.Load(), obs.closed.Load())
	require.NoError(t, <-ts.served)
}
