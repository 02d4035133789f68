package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lite-rpc/codec"
	"lite-rpc/coordinator"
	"lite-rpc/dispatch"
	"lite-rpc/message"
	"lite-rpc/registry"
	"lite-rpc/server"
)

type Pair struct {
	A, B int
}

type Calculator struct{}

func (c *Calculator) Add(a, b int) int {
	return a + b
}

func (c *Calculator) AddPair(p Pair) int {
	return p.A + p.B
}

func (c *Calculator) Divide(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func startServer(t testing.TB, opts ...server.Option) string {
	t.Helper()
	table := dispatch.NewTable()
	require.NoError(t, table.Register(&Calculator{}))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.NewServer(table, zap.NewNop(), opts...)
	go srv.ServeListener(listener)
	t.Cleanup(func() {
		_ = srv.Shutdown(time.Second)
	})

	if len(opts) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := srv.WaitRegistered(ctx)
		require.NoError(t, err)
	}
	return listener.Addr().String()
}

func dial(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestClient_Invoke(t *testing.T) {
	for _, codecType := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(codecType.String(), func(t *testing.T) {
			c := dial(t, startServer(t), WithCodec(codecType))

			var sum int
			require.NoError(t, c.Invoke(context.Background(), "Calculator", "add", &sum, 2, 3))
			assert.Equal(t, 5, sum)

			require.NoError(t, c.Invoke(context.Background(), "calculator", "AddPair", &sum, Pair{A: 4, B: 5}))
			assert.Equal(t, 9, sum)
		})
	}
}

func TestClient_InvokeFailures(t *testing.T) {
	c := dial(t, startServer(t))

	err := c.Invoke(context.Background(), "Calculator", "subtract", nil, 5, 3)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.KindMethodNotFound, rpcErr.Kind)

	err = c.Invoke(context.Background(), "Calculator", "Divide", nil, 1, 0)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.KindInvocationFailed, rpcErr.Kind)
	assert.Contains(t, rpcErr.Message, "division by zero")

	// A failed call leaves the connection usable.
	var quotient int
	require.NoError(t, c.Invoke(context.Background(), "Calculator", "Divide", &quotient, 9, 3))
	assert.Equal(t, 3, quotient)
}

func TestClient_CallAssignsRequestID(t *testing.T) {
	c := dial(t, startServer(t))

	req, err := message.NewRequest("", "calculator", "Add", 1, 1)
	require.NoError(t, err)
	resp, err := c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, req.RequestID, resp.RequestID)
}

func TestClient_DialDiscovered(t *testing.T) {
	store := coordinator.NewStore()
	addr := startServer(t, server.WithRegistry(registry.New(store.Client(), nil)))

	reg := registry.New(store.Client(), nil)
	defer reg.Close()
	c, err := DialDiscovered(context.Background(), reg)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, addr, c.Addr())

	var sum int
	require.NoError(t, c.Invoke(context.Background(), "calculator", "Add", &sum, 20, 22))
	assert.Equal(t, 42, sum)
}

func TestClient_DialDiscoveredWithoutInstances(t *testing.T) {
	reg := registry.New(coordinator.NewStore().Client(), nil)
	defer reg.Close()

	_, err := DialDiscovered(context.Background(), reg)
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestClient_DialRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = Dial(context.Background(), addr, WithDialTimeout(time.Second))
	assert.Error(t, err)
}
