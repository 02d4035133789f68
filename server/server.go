// Package server accepts connections and serves calls against a dispatch table.
//
// Request processing pipeline:
//
//	Accept conn → connection worker (bounded pool) → for each frame, in order:
//	  protocol.Decode → Codec.Decode → middleware chain → Dispatcher.Dispatch → Codec.Encode → protocol.Encode
//
// A connection carries one call at a time: the next request is read only after the
// previous response has been written, so responses leave in request order. A slow
// method stalls its own connection, not the others.
//
// Once the listener is bound, the advertised address is registered exactly once, in the
// background. The registration outcome never affects serving.
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lite-rpc/codec"
	"lite-rpc/dispatch"
	"lite-rpc/message"
	"lite-rpc/middleware"
	"lite-rpc/protocol"
	"lite-rpc/registry"
)

var (
	ErrServerClosed   = errors.New("server: closed")
	ErrAlreadyServing = errors.New("server: already serving")
)

// Server serves calls against a dispatch table.
type Server struct {
	cfg        config
	dispatcher *dispatch.Dispatcher
	handler    middleware.HandlerFunc
	logger     *zap.Logger

	// ctx is handed to every call; it ends when Shutdown gives up on in-flight calls.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	workers    *errgroup.Group
	acceptDone chan struct{} // closed when the accept loop has returned; workers.Go is never called after that
	shutdown   atomic.Bool

	status     atomic.Pointer[registry.Status]
	registered chan struct{} // closed when registration has completed
}

// NewServer creates a server for table. The table must not be modified afterwards.
func NewServer(table *dispatch.Table, logger *zap.Logger, opts ...Option) *Server {
	cfg := config{maxConnections: DefaultMaxConnections}
	for _, o := range opts {
		o(&cfg)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatch.NewDispatcher(table, logger),
		logger:     logger.Named("server"),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
		registered: make(chan struct{}),
	}
	s.status.Store(&registry.Status{State: registry.StatePending})
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.cfg.middlewares = append(s.cfg.middlewares, mw)
}

// Serve binds address and serves connections until Shutdown is called or accepting fails.
// Bind errors are returned before any registration takes place.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", address)
	}
	return s.ServeListener(listener)
}

// ServeListener serves connections accepted from an already bound listener.
// It returns nil after Shutdown.
func (s *Server) ServeListener(listener net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = listener.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	// Build the chain once at startup, not per request.
	s.handler = middleware.Chain(s.cfg.middlewares...)(s.dispatcher.Dispatch)
	s.listener = listener
	s.workers = &errgroup.Group{}
	s.workers.SetLimit(s.cfg.maxConnections)
	s.acceptDone = make(chan struct{})
	workers, acceptDone := s.workers, s.acceptDone
	s.mu.Unlock()
	defer close(acceptDone)

	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	go s.register()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Close() during Shutdown makes Accept fail; that is not an error.
			if s.shutdown.Load() {
				return nil
			}
			s.logger.Error("accept failed, draining connections", zap.Error(err))
			s.closeConns()
			_ = workers.Wait()
			return errors.Wrap(err, "accept failed")
		}

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		// Blocks while the pool is full. A conn tracked just before Shutdown may still
		// start here; Shutdown waits for this loop to return before waiting for workers.
		workers.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// RegistrationStatus reports the outcome of registration; StatePending until it completes.
func (s *Server) RegistrationStatus() registry.Status {
	return *s.status.Load()
}

// WaitRegistered blocks until registration has completed or ctx ends.
func (s *Server) WaitRegistered(ctx context.Context) (registry.Status, error) {
	select {
	case <-s.registered:
		return s.RegistrationStatus(), nil
	case <-ctx.Done():
		return s.RegistrationStatus(), ctx.Err()
	}
}

func (s *Server) advertiseAddr() string {
	if s.cfg.advertiseAddr != "" {
		return s.cfg.advertiseAddr
	}
	addr := s.Addr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
			s.logger.Warn("advertising an unspecified address, set an advertise address", zap.String("addr", addr))
		}
	}
	return addr
}

// register runs once per server, after the listener is bound.
func (s *Server) register() {
	defer close(s.registered)
	if s.cfg.registry == nil {
		s.logger.Info("no registry configured, this server is not discoverable")
		s.status.Store(&registry.Status{State: registry.StateSkipped})
		return
	}
	status := s.cfg.registry.Register(s.ctx, s.advertiseAddr())
	s.status.Store(&status)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	if s.cfg.connObserver != nil {
		s.cfg.connObserver.ConnectionOpened()
	}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; !ok {
		return
	}
	delete(s.conns, conn)
	if s.cfg.connObserver != nil {
		s.cfg.connObserver.ConnectionClosed()
	}
}

// stopReading makes every pending and future read fail. A connection in the middle of
// a call still writes its response, then leaves its read loop.
func (s *Server) stopReading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for conn := range s.conns {
		_ = conn.SetReadDeadline(now)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// handleConn serves one connection, strictly one call at a time.
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.shutdown.Load() {
				logger.Debug("closing connection", zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest:
		default:
			logger.Debug("closing connection, unexpected frame", zap.Uint8("msgType", uint8(header.MsgType)))
			return
		}

		resp := s.handleRequest(header.CodecType, body)
		if err := s.writeResponse(conn, header.CodecType, resp); err != nil {
			logger.Warn("cannot write response", zap.String("requestId", resp.RequestID), zap.Error(err))
			return
		}
	}
}

// handleRequest decodes one request body and runs it through the handler chain.
// A body that cannot be decoded is answered with bad_request instead of dropping the connection.
func (s *Server) handleRequest(codecType codec.CodecType, body []byte) *message.Response {
	req := &message.Request{}
	if err := codec.GetCodec(codecType).Decode(body, req); err != nil {
		return message.ErrorResponse(req.RequestID, message.KindBadRequest, "cannot decode request: %s", err)
	}
	return s.handler(s.ctx, req)
}

func (s *Server) writeResponse(conn net.Conn, codecType codec.CodecType, resp *message.Response) error {
	body, err := codec.GetCodec(codecType).Encode(resp)
	if err != nil {
		s.logger.Error("cannot encode response", zap.String("requestId", resp.RequestID), zap.Error(err))
		body, err = codec.GetCodec(codecType).Encode(
			message.ErrorResponse(resp.RequestID, message.KindInvocationFailed, "cannot encode response: %s", err),
		)
		if err != nil {
			return err
		}
	}
	return protocol.Encode(conn, &protocol.Header{CodecType: codecType, MsgType: protocol.MsgTypeResponse}, body)
}

// Shutdown performs an orderly shutdown:
//  1. stop accepting and close the listener
//  2. wait for the accept loop to return, then let in-flight calls finish and write
//     their responses, up to timeout
//  3. close the registry session, which removes this server's ephemeral node
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shutdown.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	listener, workers, acceptDone := s.listener, s.workers, s.acceptDone
	s.mu.Unlock()

	var err error
	if listener != nil {
		if cerr := listener.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrap(cerr, "cannot close listener"))
		}
		s.stopReading()

		done := make(chan struct{})
		go func() {
			<-acceptDone
			_ = workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			s.closeConns()
			err = multierr.Append(err, errors.Errorf("timeout waiting %s for ongoing requests to finish", timeout))
		}
	}

	// Ends a registration still waiting for its session, and context-aware calls.
	s.cancel()

	if s.cfg.registry != nil {
		if cerr := s.cfg.registry.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrap(cerr, "cannot close registry"))
		}
	}
	s.logger.Info("server stopped")
	return err
}
