package server

import (
	"lite-rpc/middleware"
	"lite-rpc/registry"
)

const DefaultMaxConnections = 1024

// ConnObserver is told about every opened and closed connection.
type ConnObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

type config struct {
	advertiseAddr  string
	maxConnections int
	registry       *registry.Registry
	middlewares    []middleware.Middleware
	connObserver   ConnObserver
}

type Option func(c *config)

// WithRegistry publishes the server address through reg once the listener is bound.
func WithRegistry(reg *registry.Registry) Option {
	return func(c *config) {
		c.registry = reg
	}
}

// WithAdvertiseAddr sets the address published to the registry.
// It differs from the listen address when binding ":9000", which is not routable.
func WithAdvertiseAddr(addr string) Option {
	return func(c *config) {
		c.advertiseAddr = addr
	}
}

// WithMaxConnections bounds the connection worker pool. Accepting blocks while it is full.
func WithMaxConnections(n int) Option {
	return func(c *config) {
		c.maxConnections = n
	}
}

// WithMiddleware appends middlewares, applied in the given order.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mws...)
	}
}

func WithConnObserver(o ConnObserver) Option {
	return func(c *config) {
		c.connObserver = o
	}
}
