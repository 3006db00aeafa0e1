// Package udp implements the fire-and-forget and reliable-with-retransmit
// UDP transport. Unlike TCP/WS there is no persistent Session object; each
// remote peer gets a per-endpoint Connection cached in a process-global
// map keyed by host:port, carrying a pending-calls table keyed by
// request id for the reliable path.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package udp

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/flat"
)

// ErrTimedOut is delivered to a reliable call's handler once max_retries
// has been exhausted without a reply.
var ErrTimedOut = errors.New("udp: call timed out")

type pendingCall struct {
	buf      []byte // copy of the request frame, taken when the call is registered
	handler  func(*flat.Buffer, error)
	deadline time.Time
	retries  int
	timer    *time.Timer
}

// Connection is the per-peer UDP channel: sendto with no persistent
// connection state beyond the pending-calls table.
type Connection struct {
	conn       *net.UDPConn
	remote     *net.UDPAddr
	maxRetries int
	timeout    time.Duration

	mu      sync.Mutex
	pending map[uint32]*pendingCall

	nextReqID uint32

	dispatch func(remote *net.UDPAddr, frame []byte)
}

var (
	connsMu sync.Mutex
	conns   = make(map[string]*Connection)
)

// Shared returns the process-wide Connection for host:port, creating it on
// first use over the caller's shared socket sock.
func Shared(sock *net.UDPConn, host string, port uint16, timeout time.Duration, maxRetries int, dispatch func(*net.UDPAddr, []byte)) (*Connection, error) {
	key := net.JoinHostPort(host, strconv.Itoa(int(port)))
	connsMu.Lock()
	defer connsMu.Unlock()
	if c, ok := conns[key]; ok {
		return c, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return nil, errors.Wrapf(err, "udp: resolve %s", key)
	}
	c := &Connection{
		conn:       sock,
		remote:     raddr,
		maxRetries: maxRetries,
		timeout:    timeout,
		pending:    make(map[uint32]*pendingCall),
		dispatch:   dispatch,
	}
	conns[key] = c
	return c, nil
}

// SendUnreliable is fire-and-forget: sendto, no ACK, no retransmit. Used
// for [unreliable] methods and unreliable stream chunks.
func (c *Connection) SendUnreliable(frame []byte) error {
	_, err := c.conn.WriteToUDP(frame, c.remote)
	return err
}

// NextRequestId allocates the id a reliable call should carry; 0 is
// reserved for unreliable sends.
func (c *Connection) NextRequestId() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.nextReqID++
		if c.nextReqID != 0 {
			return c.nextReqID
		}
	}
}

// CallReliableAsync assigns requestId (already encoded into frame's
// header), registers a pending call, and sends. The frame is captured
// up-front since the caller's buffer may be reused/freed immediately.
func (c *Connection) CallReliableAsync(requestId uint32, frame []byte, handler func(*flat.Buffer, error)) {
	captured := append([]byte(nil), frame...)
	pc := &pendingCall{buf: captured, handler: handler, deadline: time.Now().Add(c.timeout)}

	c.mu.Lock()
	c.pending[requestId] = pc
	c.mu.Unlock()

	pc.timer = time.AfterFunc(c.timeout, func() { c.onTimeout(requestId) })

	if _, err := c.conn.WriteToUDP(frame, c.remote); err != nil {
		c.fail(requestId, err)
	}
}

// CallReliable is the blocking variant. It delegates to CallReliableAsync,
// so the frame is copied up front even when the first attempt succeeds; no
// copy is deferred until a retry.
func (c *Connection) CallReliable(requestId uint32, frame []byte) (*flat.Buffer, error) {
	resultCh := make(chan struct {
		buf *flat.Buffer
		err error
	}, 1)
	c.CallReliableAsync(requestId, frame, func(buf *flat.Buffer, err error) {
		resultCh <- struct {
			buf *flat.Buffer
			err error
		}{buf, err}
	})
	res := <-resultCh
	return res.buf, res.err
}

func (c *Connection) onTimeout(requestId uint32) {
	c.mu.Lock()
	pc, ok := c.pending[requestId]
	if !ok {
		c.mu.Unlock()
		return
	}
	pc.retries++
	if pc.retries > c.maxRetries {
		delete(c.pending, requestId)
		c.mu.Unlock()
		pc.handler(nil, ErrTimedOut)
		return
	}
	buf := pc.buf
	c.mu.Unlock()

	nlog.Warningf("udp: retry %d/%d for request %d", pc.retries, c.maxRetries, requestId)
	if _, err := c.conn.WriteToUDP(buf, c.remote); err != nil {
		c.fail(requestId, err)
		return
	}
	pc.timer.Reset(c.timeout)
}

func (c *Connection) fail(requestId uint32, err error) {
	c.mu.Lock()
	pc, ok := c.pending[requestId]
	if ok {
		delete(c.pending, requestId)
	}
	c.mu.Unlock()
	if ok {
		pc.timer.Stop()
		pc.handler(nil, err)
	}
}

// Resolve delivers a decoded reply to its matching pending call, canceling
// the retry timer.
func (c *Connection) Resolve(requestId uint32, buf *flat.Buffer) {
	c.mu.Lock()
	pc, ok := c.pending[requestId]
	if ok {
		delete(c.pending, requestId)
	}
	c.mu.Unlock()
	if !ok {
		nlog.Warningf("udp: reply for unknown/expired request %d", requestId)
		return
	}
	pc.timer.Stop()
	pc.handler(buf, nil)
}

func (c *Connection) RemoteEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: endpoint.Udp, Host: c.remote.IP.String(), Port: uint16(c.remote.Port)}
}

// Listener reads inbound datagrams on a bound UDP socket and dispatches
// each to the router; unlike TCP there's one shared socket for all peers.
type Listener struct {
	conn   *net.UDPConn
	maxMsg int
}

func Listen(port uint16, maxMsg int, dispatch func(remote *net.UDPAddr, frame []byte)) (*Listener, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, errors.Wrap(err, "udp: listen")
	}
	l := &Listener{conn: conn, maxMsg: maxMsg}
	go l.readLoop(dispatch)
	return l, nil
}

func (l *Listener) Conn() *net.UDPConn { return l.conn }
func (l *Listener) Close() error       { return l.conn.Close() }

func (l *Listener) readLoop(dispatch func(*net.UDPAddr, []byte)) {
	buf := make([]byte, 64*1024)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			nlog.Infof("udp: read loop stopped: %v", err)
			return
		}
		if n > l.maxMsg {
			nlog.Warningf("udp: datagram of %d bytes exceeds max_message_size %d, dropped", n, l.maxMsg)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		dispatch(remote, frame)
	}
}

// DecodeRequestId extracts the request id from a raw frame's wire header
// without fully parsing it, used by the reliable path to correlate
// datagrams before the router takes over.
func DecodeRequestId(frame []byte) (uint32, bool) {
	if len(frame) < 12 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(frame[8:12]), true
}
