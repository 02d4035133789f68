package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultSessionTimeout = 60 * time.Second
	DefaultDialTimeout    = 5 * time.Second

	// sequencePrefix holds one counter per parent path, outside the node tree itself.
	sequencePrefix = "/.sequence"
)

var errSequenceContention = errors.New("coordinator: sequence counter moved")

// EtcdConfig configures the etcd-backed client.
type EtcdConfig struct {
	Endpoints      []string
	Username       string
	Password       string
	DialTimeout    time.Duration
	SessionTimeout time.Duration // Lease TTL: ephemeral nodes outlive a dead client by at most this long
	ConnectTimeout time.Duration // Maximum wait for the session in Connect; 0 waits until ctx ends
}

func (c EtcdConfig) ttlSeconds() int {
	ttl := int(c.SessionTimeout / time.Second)
	if ttl < 1 {
		return int(DefaultSessionTimeout / time.Second)
	}
	return ttl
}

// Etcd maps the node API onto etcd keys. A session is a lease kept alive in the
// background; ephemeral nodes are attached to it.
type Etcd struct {
	cfg    EtcdConfig
	logger *zap.Logger
	ready  *gate

	mu      sync.Mutex
	client  *clientv3.Client
	session *concurrency.Session
	cancel  context.CancelFunc
	closed  bool
	expired atomic.Bool
}

func NewEtcd(cfg EtcdConfig, logger *zap.Logger) *Etcd {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Etcd{cfg: cfg, logger: logger.Named("etcd"), ready: newGate()}
}

// Connect creates the etcd client and waits for the session lease to be granted and
// acknowledged by a first keep-alive.
func (e *Etcd) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.client != nil {
		// Connection already requested, wait for the same gate.
		ready := e.ready
		e.mu.Unlock()
		if err := ready.wait(ctx); err != nil {
			return err
		}
		if !e.Connected() {
			return ErrNotConnected
		}
		return nil
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   e.cfg.Endpoints,
		DialTimeout: e.cfg.DialTimeout,
		Username:    e.cfg.Username,
		Password:    e.cfg.Password,
		Logger:      e.logger.Named("client"),
	})
	if err != nil {
		e.mu.Unlock()
		return errors.Wrap(err, "cannot create etcd client")
	}

	// The session context must outlive Connect: it drives the lease keep-alive.
	sessionCtx, cancel := context.WithCancel(context.Background())
	e.client, e.cancel = client, cancel
	ready := e.ready
	e.mu.Unlock()

	startTime := time.Now()
	e.logger.Info("connecting to etcd",
		zap.Strings("endpoints", e.cfg.Endpoints),
		zap.Duration("sessionTimeout", e.cfg.SessionTimeout),
		zap.Duration("connectTimeout", e.cfg.ConnectTimeout),
	)

	errCh := make(chan error, 1)
	go e.establish(sessionCtx, client, ready, errCh)

	waitCtx := ctx
	if e.cfg.ConnectTimeout > 0 {
		var waitCancel context.CancelFunc
		waitCtx, waitCancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer waitCancel()
	}

	if err := ready.wait(waitCtx); err != nil {
		e.abort()
		return errors.Wrap(err, "etcd session was not established")
	}
	select {
	case err := <-errCh:
		e.abort()
		return err
	default:
	}
	e.logger.Info("etcd session established", zap.Duration("took", time.Since(startTime)))
	return nil
}

func (e *Etcd) establish(ctx context.Context, client *clientv3.Client, ready *gate, errCh chan<- error) {
	session, err := concurrency.NewSession(client, concurrency.WithTTL(e.cfg.ttlSeconds()), concurrency.WithContext(ctx))
	if err != nil {
		errCh <- errors.Wrap(err, "cannot create etcd session")
		ready.open()
		return
	}

	// Wait for the first keep-alive, so the lease is known to be alive.
	if _, err := client.KeepAliveOnce(ctx, session.Lease()); err != nil {
		_ = session.Close()
		errCh <- errors.Wrap(err, "etcd session keep-alive failed")
		ready.open()
		return
	}

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		_ = session.Close()
		return
	}
	e.session = session
	e.mu.Unlock()

	ready.open()
	go e.watch(session)
}

func (e *Etcd) watch(session *concurrency.Session) {
	<-session.Done()
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if !closed {
		e.expired.Store(true)
		e.logger.Warn("etcd session expired, ephemeral nodes are gone", zap.String("lease", fmt.Sprintf("%x", session.Lease())))
	}
}

// abort drops a client whose session never came up.
func (e *Etcd) abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	if e.client != nil {
		_ = e.client.Close()
	}
	e.client, e.session, e.cancel = nil, nil, nil
	// Release callers waiting on the failed attempt; the next Connect gets a fresh gate.
	e.ready.open()
	e.ready = newGate()
}

func (e *Etcd) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && e.session != nil && !e.expired.Load()
}

func (e *Etcd) current() (*clientv3.Client, *concurrency.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, ErrClosed
	}
	if e.session == nil {
		return nil, nil, ErrNotConnected
	}
	return e.client, e.session, nil
}

func (e *Etcd) Exists(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	client, _, err := e.current()
	if err != nil {
		return false, err
	}
	resp, err := client.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, errors.Wrapf(err, "cannot check node %q", path)
	}
	return resp.Count > 0, nil
}

func (e *Etcd) Create(ctx context.Context, path string, payload []byte, mode Mode) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	client, session, err := e.current()
	if err != nil {
		return "", err
	}

	switch mode {
	case Persistent:
		// Conditional create: succeeds only if the key has never been created.
		resp, err := client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
			Then(clientv3.OpPut(path, string(payload))).
			Commit()
		if err != nil {
			return "", errors.Wrapf(err, "cannot create node %q", path)
		}
		if !resp.Succeeded {
			return "", errors.Wrapf(ErrNodeExists, "%q", path)
		}
		return path, nil
	case EphemeralSequential:
		return e.createSequential(ctx, client, session.Lease(), path, payload)
	default:
		return "", errors.Errorf("coordinator: unknown mode %d", mode)
	}
}

// createSequential increments the parent's counter and creates path+counter bound to
// the lease, in one transaction. A concurrent increment makes the transaction fail; it
// is then retried with a fresh counter value.
func (e *Etcd) createSequential(ctx context.Context, client *clientv3.Client, lease clientv3.LeaseID, path string, payload []byte) (string, error) {
	seqKey := sequencePrefix + parentOf(path)

	attempt := func() (string, error) {
		resp, err := client.Get(ctx, seqKey)
		if err != nil {
			return "", backoff.Permanent(errors.Wrapf(err, "cannot read sequence %q", seqKey))
		}
		var current, modRevision int64
		if len(resp.Kvs) > 0 {
			modRevision = resp.Kvs[0].ModRevision
			if current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64); err != nil {
				return "", backoff.Permanent(errors.Wrapf(err, "corrupted sequence %q", seqKey))
			}
		}

		next := current + 1
		node := path + fmt.Sprintf(SequenceFormat, next)
		txn, err := client.Txn(ctx).
			If(
				clientv3.Compare(clientv3.ModRevision(seqKey), "=", modRevision),
				clientv3.Compare(clientv3.CreateRevision(node), "=", 0),
			).
			Then(
				clientv3.OpPut(seqKey, strconv.FormatInt(next, 10)),
				clientv3.OpPut(node, string(payload), clientv3.WithLease(lease)),
			).
			Commit()
		if err != nil {
			return "", backoff.Permanent(errors.Wrapf(err, "cannot create node %q", node))
		}
		if !txn.Succeeded {
			return "", errSequenceContention
		}
		return node, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return backoff.RetryWithData[string](attempt, backoff.WithContext(b, ctx))
}

func (e *Etcd) Children(ctx context.Context, path string) ([]Node, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	client, _, err := e.current()
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list children of %q", path)
	}

	return directChildren(path, resp.Kvs), nil
}

// directChildren keeps the keys one level below path; a prefix scan also returns deeper keys.
func directChildren(path string, kvs []*mvccpb.KeyValue) []Node {
	nodes := make([]Node, 0, len(kvs))
	for _, kv := range kvs {
		if key := string(kv.Key); isDirectChild(path, key) {
			nodes = append(nodes, Node{Path: key, Payload: kv.Value})
		}
	}
	return nodes
}

// Close revokes the session lease, which deletes every ephemeral node of this client.
func (e *Etcd) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	client, session, cancel := e.client, e.session, e.cancel
	e.mu.Unlock()

	var err error
	if session != nil {
		// Revoke before cancelling: the session uses the session context for it.
		err = multierr.Append(err, errors.Wrap(session.Close(), "cannot close etcd session"))
	}
	if cancel != nil {
		cancel()
	}
	if client != nil {
		err = multierr.Append(err, errors.Wrap(client.Close(), "cannot close etcd client"))
	}
	if err == nil {
		e.logger.Info("closed etcd session")
	}
	return err
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
