// Accept-ring handshake: a short-lived unix domain socket (the "rendezvous"
// socket) is used only to hand the two ring memfds over to a freshly
// connecting client via SCM_RIGHTS ancillary data; all subsequent traffic
// moves through the rings themselves, never through the socket again.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package shm

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
)

// nextChannelID returns a random, practically-unique channel id used to
// name the pair of shared-memory segments backing one accepted connection.
func nextChannelID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// helloSize is the fixed-size rendezvous payload: channelID (u64) followed
// by the agreed ring window in bytes (u32).
const helloSize = 12

// Listener accepts unix-domain rendezvous connections and, for each one,
// creates a fresh channel (pair of rings) and hands its fds to the peer.
type Listener struct {
	path     string
	ln       *net.UnixListener
	window   int
	maxMsg   uint32
	dispatch func(*Session, []byte)
	onAccept func(*Session)
}

// Listen creates (or replaces) the rendezvous socket at path.
func Listen(path string, ringWindow int, maxMsg uint32, dispatch func(*Session, []byte), onAccept func(*Session)) (*Listener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: resolve %s", path)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: listen %s", path)
	}
	l := &Listener{path: path, ln: ln, window: ringWindow, maxMsg: maxMsg, dispatch: dispatch, onAccept: onAccept}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			nlog.Infof("shm: accept loop on %s stopped: %v", l.path, err)
			return
		}
		go l.handshake(conn)
	}
}

func (l *Listener) handshake(conn *net.UnixConn) {
	defer conn.Close()

	channelID := nextChannelID()
	ch, err := CreateChannel(channelID, l.window, l.maxMsg)
	if err != nil {
		nlog.Warningf("shm: create channel: %v", err)
		return
	}

	hello := make([]byte, helloSize)
	binary.LittleEndian.PutUint64(hello[0:], channelID)
	binary.LittleEndian.PutUint32(hello[8:], uint32(l.window))

	// Server's "send" ring is s2c, "recv" is c2s; hand both fds over in a
	// fixed order the client knows to expect (c2s fd first, s2c fd second).
	oob := unix.UnixRights(ch.recv.Fd(), ch.send.Fd())
	if _, _, err := conn.WriteMsgUnix(hello, oob, nil); err != nil {
		nlog.Warningf("shm: handshake write failed: %v", err)
		ch.Close()
		return
	}

	s := newServerSession(ch, l.maxMsg, l.dispatch)
	if l.onAccept != nil {
		l.onAccept(s)
	}
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}

// Dial connects to a rendezvous socket, receives the two ring fds over
// SCM_RIGHTS, attaches to them, and starts a client-side Session.
func Dial(path string, maxMsg uint32, dispatch func(*Session, []byte)) (*Session, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: resolve %s", path)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: dial %s", path)
	}
	defer conn.Close()

	hello := make([]byte, helloSize)
	oob := make([]byte, unix.CmsgSpace(2*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(hello, oob)
	if err != nil || n != helloSize {
		return nil, errors.Wrapf(err, "shm: handshake read (n=%d)", n)
	}
	channelID := binary.LittleEndian.Uint64(hello[0:])
	ringWindow := int(binary.LittleEndian.Uint32(hello[8:]))

	fds, err := parseRights(oob[:oobn])
	if err != nil || len(fds) != 2 {
		return nil, errors.Wrap(err, "shm: handshake fd passing")
	}

	ch, err := AttachChannel(channelID, fds[0], fds[1], ringWindow)
	if err != nil {
		return nil, err
	}
	return newClientSession(ch, maxMsg, dispatch), nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err == nil && len(fds) > 0 {
			return fds, nil
		}
	}
	return nil, errors.New("shm: no SCM_RIGHTS in handshake reply")
}
