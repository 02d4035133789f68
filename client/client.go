// Package client is a minimal caller for a lite-rpc server: one connection, no pooling,
// no load balancing and no retries.
package client

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lite-rpc/codec"
	"lite-rpc/message"
	"lite-rpc/registry"
	"lite-rpc/transport"
)

var ErrNoInstance = errors.New("client: no live instance")

type config struct {
	codecType   codec.CodecType
	heartbeat   time.Duration
	dialTimeout time.Duration
	logger      *zap.Logger
}

type Option func(c *config)

func WithCodec(t codec.CodecType) Option {
	return func(c *config) {
		c.codecType = t
	}
}

// WithHeartbeat sends a heartbeat frame every interval. 0 disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *config) {
		c.heartbeat = interval
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

type Client struct {
	addr      string
	transport *transport.ClientTransport
	logger    *zap.Logger
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	cfg := config{codecType: codec.CodecTypeJSON, dialTimeout: 5 * time.Second, logger: zap.NewNop()}
	for _, o := range opts {
		o(&cfg)
	}

	dialer := net.Dialer{Timeout: cfg.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot dial %s", addr)
	}
	return &Client{
		addr:      addr,
		transport: transport.NewClientTransport(conn, cfg.codecType, cfg.heartbeat),
		logger:    cfg.logger.Named("client").With(zap.String("addr", addr)),
	}, nil
}

// DialDiscovered connects to the first reachable instance published in reg.
// Instances are tried in registration order.
func DialDiscovered(ctx context.Context, reg *registry.Registry, opts ...Option) (*Client, error) {
	addrs, err := reg.Discover(ctx)
	if err != nil {
		return nil, err
	}

	lastErr := ErrNoInstance
	for _, addr := range addrs {
		c, err := Dial(ctx, addr, opts...)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Addr is the server address this client is connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Call sends req and returns the raw response. A failed call is a response with Error set,
// not an error; errors report transport faults only.
func (c *Client) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	resp, err := c.transport.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Invoke calls service.method with args and decodes the result into reply (which may be nil).
// A failed call is returned as *message.Error.
func (c *Client) Invoke(ctx context.Context, service, method string, reply any, args ...any) error {
	req, err := message.NewRequest(uuid.NewString(), service, method, args...)
	if err != nil {
		return err
	}

	resp, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	if resp.Failed() {
		c.logger.Debug("call failed",
			zap.String("requestId", resp.RequestID),
			zap.String("kind", string(resp.Error.Kind)),
			zap.String("error", resp.Error.Message),
		)
		return resp.Error
	}
	if reply == nil {
		return nil
	}
	return resp.DecodeResult(reply)
}

func (c *Client) Close() error {
	return c.transport.Close()
}
