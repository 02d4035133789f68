// Package coordinator is a small synchronous client for a coordination store holding a
// tree of nodes, in the style of ZooKeeper znodes.
//
// A Client holds one session. Nodes are either persistent, outliving the session, or
// ephemeral-sequential: the store appends a unique, increasing suffix to the requested
// path and deletes the node when the session that created it ends.
//
// Two implementations are provided: Etcd, backed by an etcd cluster where the session is a
// lease, and Memory, an in-process store with the same semantics.
package coordinator

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Mode selects the lifetime of a created node.
type Mode int

const (
	Persistent Mode = iota
	EphemeralSequential
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case EphemeralSequential:
		return "ephemeral-sequential"
	default:
		return "unknown"
	}
}

// SequenceFormat renders the suffix of ephemeral-sequential nodes.
const SequenceFormat = "%010d"

var (
	ErrNotConnected = errors.New("coordinator: session not established")
	ErrNodeExists   = errors.New("coordinator: node already exists")
	ErrClosed       = errors.New("coordinator: client closed")
)

// Node is a stored node and its payload.
type Node struct {
	Path    string
	Payload []byte
}

// Client is the synchronous node API used by the registry.
type Client interface {
	// Connect opens the session and blocks until the store acknowledges it or ctx ends.
	Connect(ctx context.Context) error
	Connected() bool
	// Exists reports whether path exists. A missing node is not an error.
	Exists(ctx context.Context, path string) (bool, error)
	// Create stores payload at path and returns the final path, which for
	// EphemeralSequential carries the assigned suffix. Creating an existing
	// persistent node fails with ErrNodeExists.
	Create(ctx context.Context, path string, payload []byte, mode Mode) (string, error)
	// Children lists the direct children of path, ordered by path.
	Children(ctx context.Context, path string) ([]Node, error)
	// Close ends the session; its ephemeral nodes disappear.
	Close() error
}

// gate is a one-shot barrier between "session requested" and "session usable".
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) isOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isDirectChild reports whether key is exactly one level below parent.
func isDirectChild(parent, key string) bool {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	rest, ok := strings.CutPrefix(key, prefix)
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func validatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return errors.Errorf("coordinator: path %q must be absolute", path)
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return errors.Errorf("coordinator: path %q must not end with a slash", path)
	}
	return nil
}
