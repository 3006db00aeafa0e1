// Package ws layers the session contract over github.com/gorilla/websocket:
// message boundaries are WS frames, so unlike the TCP transport no explicit
// length prefix is needed — each WS binary message carries exactly one
// nprpc frame (header + payload).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package ws

import (
	"crypto/tls"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Session wraps one WebSocket connection, plain or TLS, client- or
// server-side. Unlike TCP, WebSocket sessions never reconnect — a dropped
// connection fails the session outright, matching the spec's "other
// transports fail the call on disconnect" rule.
type Session struct {
	*session.Common

	mu     sync.Mutex
	conn   *websocket.Conn
	remote endpoint.Endpoint
	maxMsg int

	dispatch func(*Session, []byte)
}

// Dial opens a client-side WS (or WSS, when secure is true) session.
func Dial(host string, port uint16, path string, secure bool, maxMsg int, dispatch func(*Session, []byte)) (*Session, error) {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	url := scheme + "://" + host + ":" + strconv.Itoa(int(port)) + path

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "ws: dial %s", url)
	}

	ep := endpoint.Endpoint{Scheme: endpoint.WebSocket, Host: host, Port: port}
	if secure {
		ep.Scheme = endpoint.SecuredWebSocket
	}
	s := &Session{conn: conn, remote: ep, maxMsg: maxMsg, dispatch: dispatch}
	ctx := session.NewContext(ep, 1024)
	s.Common = session.NewCommon(s, ctx, false)
	go s.readLoop()
	return s, nil
}

// Handler returns an http.HandlerFunc suitable for mounting on the
// runtime's HTTP listener to accept server-side WS/WSS sessions.
func Handler(maxMsg, maxRefs int, dispatch func(*Session, []byte), onAccept func(*Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			nlog.Warningf("ws: upgrade failed: %v", err)
			return
		}
		ep := endpoint.Endpoint{Scheme: endpoint.WebSocket}
		if r.TLS != nil {
			ep.Scheme = endpoint.SecuredWebSocket
		}
		s := &Session{conn: conn, remote: ep, maxMsg: maxMsg, dispatch: dispatch}
		ctx := session.NewContext(ep, maxRefs)
		s.Common = session.NewCommon(s, ctx, true)
		go s.readLoop()
		if onAccept != nil {
			onAccept(s)
		}
	}
}

// TLSConfig builds a *tls.Config from the runtime's configured cert/key,
// used by the HTTP listener that serves WSS.
func TLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "ws: load TLS cert/key")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (s *Session) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return session.ErrClosed
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
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

func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			nlog.Infof("ws: read from %s ended: %v", s.remote, err)
			s.Shutdown()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if len(data) > s.maxMsg {
			nlog.Warningf("ws: frame size %d exceeds max_message_size %d, closing session", len(data), s.maxMsg)
			s.Shutdown()
			return
		}
		if s.dispatch != nil {
			s.dispatch(s, data)
		}
	}
}
