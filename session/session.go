// Package session defines the common peer-connection contract shared by
// every transport: a per-session FIFO work queue, per-call timeout, and a
// SessionContext carrying the state a dispatch needs (reference list,
// stream manager, in-flight rx/tx buffers). Shared-memory zero-copy replies
// go through the ZeroCopyReserver interface, not through the Context.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/nikitapn/nprpc-sub000/cmn/atomic"
	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/flat"
	"github.com/nikitapn/nprpc-sub000/poa"
)

// ErrClosed is returned by calls made on (or outstanding at the time of) a
// shutdown session.
var ErrClosed = fmt.Errorf("session: closed")

// ErrTimeout is returned when a call's deadline elapses before a reply
// arrives; it surfaces to the proxy as Error_CommFailure.
var ErrTimeout = fmt.Errorf("session: call timed out")

// ZeroCopyReserver is implemented by transports (currently only shared
// memory) that can hand back a flat.Buffer backed directly by an outbound
// ring reservation, letting a servant build its reply with no heap
// allocation. Transports that can't support this simply aren't asserted to
// this interface; callers fall back to an owned flat.Buffer.
type ZeroCopyReserver interface {
	PrepareZeroCopyBuffer(maxSize int) (*flat.Buffer, bool)
}

// Context is the per-peer state valid for the lifetime of a session: the
// dispatch-time rx/tx buffers are only meaningful while a FunctionCall is
// being handled on this session's goroutine.
type Context struct {
	RemoteEndpoint endpoint.Endpoint
	RefList        *poa.ReferenceList

	// StreamMgr is an *stream.Manager, stored as `any` so this package does
	// not import stream.
	StreamMgr any

	// Cookies is a key-value jar carried for HTTP-derived transports
	// (WebSocket handshake headers); unused by TCP/UDP/SHM.
	Cookies map[string]string

	mu  sync.Mutex
	rx  *flat.Buffer
	tx  *flat.Buffer
}

func NewContext(remote endpoint.Endpoint, maxRefs int) *Context {
	return &Context{
		RemoteEndpoint: remote,
		RefList:        poa.NewReferenceList(maxRefs),
		Cookies:        make(map[string]string),
	}
}

// SetDispatchBuffers installs the rx/tx buffers for the duration of one
// dispatch; only valid to call from the session's own serialized goroutine.
func (c *Context) SetDispatchBuffers(rx, tx *flat.Buffer) {
	c.mu.Lock()
	c.rx, c.tx = rx, tx
	c.mu.Unlock()
}

func (c *Context) DispatchBuffers() (rx, tx *flat.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx, c.tx
}

// pendingCall is one outstanding request awaiting a reply, keyed by
// request id in Common.pending.
type pendingCall struct {
	replyCh chan callResult
	timer   *time.Timer
}

type callResult struct {
	buf *flat.Buffer
	err error
}

// Frame is a full encoded message (header + payload) ready for transport
// write, or as decoded from a transport read.
type Frame struct {
	RequestId uint32
	Data      []byte
}

// Sender is implemented by each concrete transport: it knows how to put
// bytes on the wire; reading frames back is each transport's own read loop.
// UDP has its own specialized send/receive path and does not use
// Common/Sender.
type Sender interface {
	WriteFrame(b []byte) error
	RemoteEndpoint() endpoint.Endpoint
	Close() error
}

// Common implements the FIFO work queue, per-call timeout and request-id
// correlation shared by the TCP, WebSocket, QUIC and shared-memory session
// types. A concrete
// session embeds Common and supplies a Sender; incoming frames are fed to
// Common via Dispatch (for inbound calls) or Resolve (for replies to calls
// this side of the connection initiated).
type Common struct {
	sender Sender
	ctx    *Context

	nextRequestId atomic.Uint32

	// turn enforces the spec's per-session FIFO contract: at most one call
	// is in flight at a time, and the next call's write only happens once
	// the previous one has resolved (reply, timeout, or shutdown).
	turn chan struct{}

	mu      sync.Mutex
	pending map[uint32]*pendingCall
	closed  bool

	IsServerSide bool
}

func NewCommon(sender Sender, ctx *Context, isServerSide bool) *Common {
	turn := make(chan struct{}, 1)
	turn <- struct{}{}
	return &Common{
		sender:       sender,
		ctx:          ctx,
		pending:      make(map[uint32]*pendingCall),
		IsServerSide: isServerSide,
		turn:         turn,
	}
}

func (c *Common) Context() *Context                  { return c.ctx }
func (c *Common) RemoteEndpoint() endpoint.Endpoint { return c.sender.RemoteEndpoint() }

// allocRequestId returns the next id in [1, math.MaxUint32], wrapping past
// 0 since 0 means "unset" on paths that don't correlate a reply (one-way
// AddReference/ReleaseObject messages).
func (c *Common) allocRequestId() uint32 {
	for {
		id := c.nextRequestId.Add(1)
		if id != 0 {
			return id
		}
	}
}

// SendReceive writes frame (which must already carry requestId in its
// header) and blocks until either a reply with the same request id
// arrives, the timeout elapses, or the session is shut down.
func (c *Common) SendReceive(requestId uint32, frame []byte, timeout time.Duration) (*flat.Buffer, error) {
	<-c.turn
	defer func() { c.turn <- struct{}{} }()

	replyCh := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	pc := &pendingCall{replyCh: replyCh}
	pc.timer = time.AfterFunc(timeout, func() { c.fail(requestId, ErrTimeout) })
	c.pending[requestId] = pc
	c.mu.Unlock()

	if err := c.sender.WriteFrame(frame); err != nil {
		c.fail(requestId, err)
	}

	res := <-replyCh
	return res.buf, res.err
}

// SendReceiveAsync is the fire-and-forget / callback variant: handler is
// invoked exactly once, from whatever goroutine resolves or times out the
// call; a nil handler means "don't care about the reply".
func (c *Common) SendReceiveAsync(requestId uint32, frame []byte, timeout time.Duration, handler func(*flat.Buffer, error)) {
	<-c.turn

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.turn <- struct{}{}
		if handler != nil {
			handler(nil, ErrClosed)
		}
		return
	}
	replyCh := make(chan callResult, 1)
	pc := &pendingCall{replyCh: replyCh}
	pc.timer = time.AfterFunc(timeout, func() { c.fail(requestId, ErrTimeout) })
	c.pending[requestId] = pc
	c.mu.Unlock()

	go func() {
		res := <-replyCh
		c.turn <- struct{}{} // release the FIFO turn once this call resolves
		if handler != nil {
			handler(res.buf, res.err)
		}
	}()

	if err := c.sender.WriteFrame(frame); err != nil {
		c.fail(requestId, err)
	}
}

// NextRequestId allocates the id a new outbound call should carry.
func (c *Common) NextRequestId() uint32 { return c.allocRequestId() }

// Resolve delivers an inbound reply frame to its matching pending call.
func (c *Common) Resolve(requestId uint32, buf *flat.Buffer) {
	c.mu.Lock()
	pc, ok := c.pending[requestId]
	if ok {
		delete(c.pending, requestId)
	}
	c.mu.Unlock()
	if !ok {
		nlog.Warningf("session: reply for unknown request id %d", requestId)
		return
	}
	pc.timer.Stop()
	pc.replyCh <- callResult{buf: buf}
}

func (c *Common) fail(requestId uint32, err error) {
	c.mu.Lock()
	pc, ok := c.pending[requestId]
	if ok {
		delete(c.pending, requestId)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pc.timer.Stop()
	select {
	case pc.replyCh <- callResult{err: err}:
	default:
	}
}

// Shutdown idempotently fails every pending call with ErrClosed, closes the
// transport and marks the session closed. Safe to call more than once.
func (c *Common) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint32]*pendingCall)
	c.mu.Unlock()

	for id, pc := range pending {
		pc.timer.Stop()
		select {
		case pc.replyCh <- callResult{err: ErrClosed}:
		default:
		}
		_ = id
	}
	if c.ctx.RefList != nil {
		c.ctx.RefList.Close()
	}
	_ = c.sender.Close()
}

func (c *Common) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
