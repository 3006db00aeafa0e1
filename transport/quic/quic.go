// Package quic implements a dial-only QUIC client session: a single
// connection carrying one bidirectional control stream framed exactly like
// transport/tcp ([u32 length][payload]), plus on-demand unidirectional
// streams used as the stream manager's "native multiplexed stream" path
// so a server->client data stream never competes with the control stream's
// FIFO turn. Server-side QUIC bootstrap/TLS termination is out of scope:
// this module only ever dials out.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package quic

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/pkg/errors"

	"github.com/nikitapn/nprpc-sub000/cmn/debug"
	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/session"
)

const dialTimeout = 10 * time.Second

// Session is a client-side QUIC session: one quic.Connection plus the
// single bidirectional stream used for ordinary FunctionCall/reply traffic.
type Session struct {
	*session.Common

	mu     sync.Mutex
	conn   quicgo.Connection
	ctrl   quicgo.Stream
	remote endpoint.Endpoint
	maxMsg int

	dispatch func(s *Session, frame []byte)
}

// Dial opens a new QUIC connection to host:port, TLS server name serverName,
// and starts its control-stream read loop. insecureSkipVerify exists only
// for same-process/localhost demo setups; with it false the server
// certificate is verified against the system roots.
func Dial(host string, port uint16, serverName string, insecureSkipVerify bool, maxMsg int, dispatch func(*Session, []byte)) (*Session, error) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	tlsConf := &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{"nprpc"},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify,
	}
	quicConf := &quicgo.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := quicgo.DialAddr(ctx, target, tlsConf, quicConf)
	if err != nil {
		return nil, errors.Wrapf(err, "quic: dial %s", target)
	}

	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "control stream open failed")
		return nil, errors.Wrap(err, "quic: open control stream")
	}

	s := &Session{
		conn:     conn,
		ctrl:     ctrl,
		remote:   endpoint.Endpoint{Scheme: endpoint.Quic, Host: host, Port: port},
		maxMsg:   maxMsg,
		dispatch: dispatch,
	}
	sctx := session.NewContext(s.remote, 1024)
	s.Common = session.NewCommon(s, sctx, false)
	go s.readLoop()
	return s, nil
}

// WriteFrame implements session.Sender over the control stream, using the
// same [u32 length][payload] framing as transport/tcp.
func (s *Session) WriteFrame(frame []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return session.ErrClosed
	}
	if _, err := ctrl.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := ctrl.Write(frame); err != nil {
		return err
	}
	return nil
}

// OpenNativeStreamSend opens a fresh unidirectional QUIC stream and returns
// a SendFunc that writes one length-prefixed frame to it per call; used as
// the stream manager's native multiplexed-stream path (stream.Manager's
// SetNativeStreamSend), so one slow or cancelled data stream can never
// block the control stream's call/reply turn.
func (s *Session) OpenNativeStreamSend() (func(frame []byte) error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	str, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "quic: open uni stream")
	}
	return func(frame []byte) error {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))
		if _, err := str.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := str.Write(frame)
		return err
	}, nil
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
	return conn.CloseWithError(0, "session closed")
}

// readLoop reads [length][payload] frames off the control stream until it
// closes or a frame exceeds maxMsg.
func (s *Session) readLoop() {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return
	}

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(ctrl, lenBuf[:]); err != nil {
			s.onReadError(err)
			return
		}
		size := binary.LittleEndian.Uint32(lenBuf[:])
		if int(size) > s.maxMsg {
			nlog.Warningf("quic: frame size %d exceeds max_message_size %d, closing session", size, s.maxMsg)
			s.Shutdown()
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(ctrl, frame); err != nil {
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
		nlog.Infof("quic: session to %s closed", s.remote.Host)
	} else {
		nlog.Warningf("quic: read error from %s: %v", s.remote.Host, err)
	}
	s.Shutdown()
}
