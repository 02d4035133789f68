// Package transport implements the caller side of one connection.
//
// The server answers the calls of a connection one at a time and in order, so requests
// may be pipelined: each Send appends a waiter to a FIFO queue and the single recvLoop
// hands every response to the oldest waiter.
//
//	goroutine-1 ──Send(r1)──┐
//	goroutine-2 ──Send(r2)──┼──→ one TCP conn ──→ Server
//	goroutine-3 ──Send(r3)──┘
//
//	recvLoop: ←── response(r1) → queue[0] → goroutine-1 wakes up
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"lite-rpc/codec"
	"lite-rpc/message"
	"lite-rpc/protocol"
)

var ErrClosed = errors.New("transport: connection closed")

// Result is what a pending call receives: a response or the reason there is none.
type Result struct {
	Response *message.Response
	Err      error
}

// ClientTransport manages a single pipelined connection.
type ClientTransport struct {
	conn  net.Conn
	codec codec.CodecType

	// sending guards queue and writes together: queue order must equal frame order.
	sending sync.Mutex
	queue   []pendingCall
	err     error
	done    chan struct{}
	once    sync.Once
}

type pendingCall struct {
	requestID string
	ch        chan Result
}

// NewClientTransport starts the receive loop, and a heartbeat loop when heartbeat > 0.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Send writes req and returns a channel receiving its response.
// The whole frame is written under the sending lock so frames never interleave.
func (t *ClientTransport) Send(req *message.Request) (<-chan Result, error) {
	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode request")
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if t.err != nil {
		return nil, t.err
	}

	ch := make(chan Result, 1)
	t.queue = append(t.queue, pendingCall{requestID: req.RequestID, ch: ch})
	header := &protocol.Header{CodecType: t.codec, MsgType: protocol.MsgTypeRequest}
	if err := protocol.Encode(t.conn, header, body); err != nil {
		t.queue = t.queue[:len(t.queue)-1]
		return nil, errors.Wrap(err, "cannot write request")
	}
	return ch, nil
}

// Call sends req and waits for its response. When ctx ends first the call is abandoned,
// its response is still read and then dropped.
func (t *ClientTransport) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	ch, err := t.Send(req)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.Response, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(errors.Wrap(err, "cannot read response"))
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.Response{}
		decodeErr := codec.GetCodec(header.CodecType).Decode(body, resp)

		t.sending.Lock()
		if len(t.queue) == 0 {
			t.sending.Unlock()
			t.fail(errors.New("transport: response without a pending request"))
			return
		}
		call := t.queue[0]
		t.queue = t.queue[1:]
		t.sending.Unlock()

		switch {
		case decodeErr != nil:
			call.ch <- Result{Err: errors.Wrap(decodeErr, "cannot decode response")}
		case resp.RequestID != "" && resp.RequestID != call.requestID:
			err := errors.Errorf("transport: response %s out of order, expected %s", resp.RequestID, call.requestID)
			call.ch <- Result{Err: err}
			t.fail(err)
			return
		default:
			call.ch <- Result{Response: resp}
		}
	}
}

// fail closes the connection and releases every waiter with err.
// The connection is closed first so that a writer blocked on it gives up the sending lock.
func (t *ClientTransport) fail(err error) {
	t.once.Do(func() {
		_ = t.conn.Close()
	})

	t.sending.Lock()
	if t.err == nil {
		t.err = err
		close(t.done)
	}
	queue := t.queue
	t.queue = nil
	t.sending.Unlock()

	for _, call := range queue {
		call.ch <- Result{Err: err}
	}
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{CodecType: t.codec, MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(errors.Wrap(err, "cannot write heartbeat"))
			return
		}
	}
}

// Close closes the connection; pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Done is closed once the connection is broken or closed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}
