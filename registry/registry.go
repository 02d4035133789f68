// Package registry publishes the server's address into the coordination store.
//
// Layout:
//
//	/servers                      persistent, shared by every instance
//	/servers/server0000000001     ephemeral, one per live server session, payload "host:port"
//
// Registration never fails the caller: its outcome is returned as a Status, so the server
// keeps serving even when it cannot be discovered.
package registry

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lite-rpc/coordinator"
)

const (
	DefaultParentPath = "/servers"
	DefaultNodePrefix = "server"
)

type State int

const (
	StatePending    State = iota // Register has not completed yet
	StateRegistered              // the ephemeral node exists
	StateSkipped                 // no session with the coordination store
	StateFailed                  // session established, node creation failed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRegistered:
		return "registered"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the outcome of Register.
type Status struct {
	State   State
	Address string
	Node    string // path of the ephemeral node, when registered
	Err     error
}

// StatusObserver is notified of every registration outcome.
type StatusObserver interface {
	ObserveRegistration(state State)
}

type config struct {
	parentPath string
	nodePrefix string
	observer   StatusObserver
}

type Option func(c *config)

func WithParentPath(v string) Option {
	return func(c *config) {
		c.parentPath = v
	}
}

func WithNodePrefix(v string) Option {
	return func(c *config) {
		c.nodePrefix = v
	}
}

func WithObserver(v StatusObserver) Option {
	return func(c *config) {
		c.observer = v
	}
}

// Registry makes server addresses discoverable.
type Registry struct {
	client coordinator.Client
	cfg    config
	logger *zap.Logger
}

func New(client coordinator.Client, logger *zap.Logger, opts ...Option) *Registry {
	cfg := config{
		parentPath: DefaultParentPath,
		nodePrefix: DefaultNodePrefix,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{client: client, cfg: cfg, logger: logger.Named("registry")}
}

// Register connects to the store, waiting for the session, ensures the parent node exists
// and creates this instance's ephemeral node holding address.
func (r *Registry) Register(ctx context.Context, address string) Status {
	logger := r.logger.With(zap.String("address", address))

	if err := r.client.Connect(ctx); err != nil {
		logger.Error("cannot connect to the coordination service, registration skipped", zap.Error(err))
		return r.report(Status{State: StateSkipped, Address: address, Err: err})
	}

	if err := r.ensureParent(ctx); err != nil {
		logger.Error("cannot create parent node", zap.String("path", r.cfg.parentPath), zap.Error(err))
		return r.report(Status{State: StateFailed, Address: address, Err: err})
	}

	node, err := r.client.Create(ctx, r.cfg.parentPath+"/"+r.cfg.nodePrefix, []byte(address), coordinator.EphemeralSequential)
	if err != nil {
		logger.Error("cannot create server node", zap.Error(err))
		return r.report(Status{State: StateFailed, Address: address, Err: err})
	}

	logger.Info("server registered", zap.String("node", node))
	return r.report(Status{State: StateRegistered, Address: address, Node: node})
}

// ensureParent creates the persistent parent node if missing. Losing the creation race to
// another instance counts as success.
func (r *Registry) ensureParent(ctx context.Context) error {
	exists, err := r.client.Exists(ctx, r.cfg.parentPath)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = r.client.Create(ctx, r.cfg.parentPath, nil, coordinator.Persistent)
	if errors.Is(err, coordinator.ErrNodeExists) {
		return nil
	}
	return err
}

// Discover returns the addresses of all live instances, in registration order.
func (r *Registry) Discover(ctx context.Context) ([]string, error) {
	if !r.client.Connected() {
		if err := r.client.Connect(ctx); err != nil {
			return nil, errors.Wrap(err, "cannot discover servers")
		}
	}
	nodes, err := r.client.Children(ctx, r.cfg.parentPath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot discover servers")
	}

	prefix := r.cfg.parentPath + "/" + r.cfg.nodePrefix
	addrs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if strings.HasPrefix(n.Path, prefix) {
			addrs = append(addrs, string(n.Payload))
		}
	}
	return addrs, nil
}

// Close ends the session, which removes this instance's node.
func (r *Registry) Close() error {
	return r.client.Close()
}

func (r *Registry) report(s Status) Status {
	if r.cfg.observer != nil {
		r.cfg.observer.ObserveRegistration(s.State)
	}
	return s
}
