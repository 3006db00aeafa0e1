// Package tcp implements the length-prefixed stream transport shared by
// plain TCP sessions: [u32 length][length bytes: header+payload], with
// TCP_NODELAY and generous socket buffers, used both for outbound proxy
// connections and the server accept loop.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package tcp

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nikitapn/nprpc-sub000/cmn/cos"
	"github.com/nikitapn/nprpc-sub000/cmn/debug"
	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/session"
)

const socketBufSize = 4 * 1024 * 1024

func tune(conn *net.TCPConn) {
	_ = conn.SetNoDelay(true)
	_ = conn.SetReadBuffer(socketBufSize)
	_ = conn.SetWriteBuffer(socketBufSize)
	if raw, err := conn.SyscallConn(); err == nil {
		_ = raw.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		})
	}
}

// Session is a single TCP peer connection, reused for both client-initiated
// (proxy) and server-accepted sessions. Reconnect is supported only on the
// client side, matching the spec's "TCP only" reconnect contract.
type Session struct {
	*session.Common

	mu         sync.Mutex
	conn       *net.TCPConn
	remote     endpoint.Endpoint
	dialTarget string // "host:port", set when this side may reconnect
	maxMsg     int

	dispatch func(s *Session, frame []byte)
}

// Dial opens a new client-side TCP session to host:port and starts its
// read loop. dispatch is invoked from the read loop for every inbound
// frame, replies included; routing replies to Common.Resolve is left to
// dispatch (rpc.Dispatch does it).
func Dial(host string, port uint16, maxMsg int, dispatch func(*Session, []byte)) (*Session, error) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "tcp: dial %s", target)
	}
	tc := conn.(*net.TCPConn)
	tune(tc)

	s := &Session{
		conn:       tc,
		remote:     endpoint.Endpoint{Scheme: endpoint.Tcp, Host: host, Port: port},
		dialTarget: target,
		maxMsg:     maxMsg,
		dispatch:   dispatch,
	}
	ctx := session.NewContext(s.remote, 1024)
	s.Common = session.NewCommon(s, ctx, false)
	go s.readLoop()
	return s, nil
}

// NewServerSide wraps an accepted connection as a server-side session; it
// never initiates calls, only replies to what it receives.
func NewServerSide(conn *net.TCPConn, maxMsg int, maxRefs int, dispatch func(*Session, []byte)) *Session {
	tune(conn)
	remote := endpoint.Endpoint{Scheme: endpoint.Tcp}
	if ra, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remote.Host, remote.Port = ra.IP.String(), uint16(ra.Port)
	}
	s := &Session{
		conn:     conn,
		remote:   remote,
		maxMsg:   maxMsg,
		dispatch: dispatch,
	}
	ctx := session.NewContext(remote, maxRefs)
	s.Common = session.NewCommon(s, ctx, true)
	go s.readLoop()
	return s
}

// WriteFrame implements session.Sender: it prefixes frame with its 4-byte
// little-endian length and writes it whole.
func (s *Session) WriteFrame(frame []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return session.ErrClosed
	}

	if _, err := conn.Write(lenBuf[:]); err != nil {
		return s.handleWriteErr(err)
	}
	if _, err := conn.Write(frame); err != nil {
		return s.handleWriteErr(err)
	}
	return nil
}

func (s *Session) handleWriteErr(err error) error {
	if cos.IsRetriableConnErr(err) && s.dialTarget != "" {
		if rerr := s.reconnect(); rerr == nil {
			return errors.Wrap(err, "tcp: write failed, reconnected; retry the call")
		}
	}
	return err
}

func (s *Session) reconnect() error {
	conn, err := net.DialTimeout("tcp", s.dialTarget, 5*time.Second)
	if err != nil {
		return err
	}
	tc := conn.(*net.TCPConn)
	tune(tc)
	s.mu.Lock()
	old := s.conn
	s.conn = tc
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go s.readLoop()
	nlog.Infof("tcp: reconnected to %s", s.dialTarget)
	return nil
}

func (s *Session) RemoteEndpoint() endpoint.Endpoint { return s.remote }

func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLoop reads [length][payload] frames until the connection closes or a
// frame exceeds maxMsg (rejected per §8 invariant 5: the session closes
// without dispatching).
func (s *Session) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			s.onReadError(err)
			return
		}
		size := binary.LittleEndian.Uint32(lenBuf[:])
		if int(size) > s.maxMsg {
			nlog.Warningf("tcp: frame size %d exceeds max_message_size %d, closing session", size, s.maxMsg)
			s.Shutdown()
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			s.onReadError(err)
			return
		}
		debug.Assert(len(frame) == int(size))
		if s.dispatch != nil {
			s.dispatch(s, frame)
		}
	}
}

func (s *Session) onReadError(err error) {
	if err == io.EOF {
		nlog.Infof("tcp: peer %s closed the connection", s.remote)
	} else {
		nlog.Warningf("tcp: read error from %s: %v", s.remote, err)
	}
	if s.dialTarget != "" && cos.IsRetriableConnErr(err) {
		if s.reconnect() == nil {
			return
		}
	}
	s.Shutdown()
}
