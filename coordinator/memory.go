package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Store is an in-process node tree shared by any number of Memory clients.
// Each client is its own session; closing it deletes the ephemeral nodes it created.
type Store struct {
	mu          sync.Mutex
	nodes       map[string]memoryNode
	sequences   map[string]int64 // parent path → last assigned suffix
	lastSession int64
	available   chan struct{}    // closed while sessions can be established
}

type memoryNode struct {
	payload []byte
	owner   int64 // session id, 0 for persistent nodes
}

func NewStore() *Store {
	available := make(chan struct{})
	close(available)
	return &Store{
		nodes:     make(map[string]memoryNode),
		sequences: make(map[string]int64),
		available: available,
	}
}

// SetAvailable controls whether Connect completes. While unavailable, Connect blocks
// like a session request the store never acknowledges.
func (s *Store) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := isClosed(s.available)
	switch {
	case v && !open:
		close(s.available)
	case !v && open:
		s.available = make(chan struct{})
	}
}

// Get returns the payload stored at path.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	return n.payload, ok
}

// Paths returns all node paths, sorted.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Client returns a new, not yet connected, session handle on the store.
func (s *Store) Client() *Memory {
	return &Memory{store: s, ready: newGate()}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Memory is a Client backed by a Store.
type Memory struct {
	store *Store
	ready *gate

	mu      sync.Mutex
	session int64
	closed  bool
}

func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	m.store.mu.Lock()
	available := m.store.available
	m.store.mu.Unlock()

	select {
	case <-available:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "session was not established")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == 0 {
		m.store.mu.Lock()
		m.store.lastSession++
		m.session = m.store.lastSession
		m.store.mu.Unlock()
	}
	m.ready.open()
	return nil
}

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.ready.isOpen()
}

func (m *Memory) sessionID() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if !m.ready.isOpen() {
		return 0, ErrNotConnected
	}
	return m.session, nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	if _, err := m.sessionID(); err != nil {
		return false, err
	}
	_, ok := m.store.Get(path)
	return ok, nil
}

func (m *Memory) Create(ctx context.Context, path string, payload []byte, mode Mode) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	session, err := m.sessionID()
	if err != nil {
		return "", err
	}

	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case Persistent:
		if _, ok := s.nodes[path]; ok {
			return "", errors.Wrapf(ErrNodeExists, "%q", path)
		}
		s.nodes[path] = memoryNode{payload: clone(payload)}
		return path, nil
	case EphemeralSequential:
		parent := parentOf(path)
		s.sequences[parent]++
		node := path + fmt.Sprintf(SequenceFormat, s.sequences[parent])
		s.nodes[node] = memoryNode{payload: clone(payload), owner: session}
		return node, nil
	default:
		return "", errors.Errorf("coordinator: unknown mode %d", mode)
	}
}

func (m *Memory) Children(ctx context.Context, path string) ([]Node, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if _, err := m.sessionID(); err != nil {
		return nil, err
	}

	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var nodes []Node
	for p, n := range s.nodes {
		if isDirectChild(path, p) {
			nodes = append(nodes, Node{Path: p, Payload: clone(n.payload)})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes, nil
}

// Close ends the session and deletes its ephemeral nodes.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	session := m.session
	m.mu.Unlock()

	if session == 0 {
		return nil
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, n := range s.nodes {
		if n.owner == session {
			delete(s.nodes, p)
		}
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
