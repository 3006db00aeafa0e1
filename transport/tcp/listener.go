package tcp

import (
	"net"

	"github.com/pkg/errors"

	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
)

// Listener runs the accept loop: one goroutine blocked in Accept, spawning
// a server-side Session (and its own read-loop goroutine) per connection,
// semantically interchangeable with an edge-triggered single-thread
// accept+read+dispatch loop — this implementation favors goroutine-per-
// connection clarity over epoll-style micro-tuning, since Go's netpoller
// already multiplexes the underlying file descriptors.
type Listener struct {
	ln       *net.TCPListener
	maxMsg   int
	maxRefs  int
	dispatch func(*Session, []byte)
	onAccept func(*Session)
}

func Listen(port uint16, maxMsg, maxRefs int, dispatch func(*Session, []byte), onAccept func(*Session)) (*Listener, error) {
	addr := &net.TCPAddr{Port: int(port)}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tcp: listen")
	}
	l := &Listener{ln: ln, maxMsg: maxMsg, maxRefs: maxRefs, dispatch: dispatch, onAccept: onAccept}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) Addr() *net.TCPAddr { return l.ln.Addr().(*net.TCPAddr) }

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			nlog.Infof("tcp: accept loop stopped: %v", err)
			return
		}
		s := NewServerSide(conn, l.maxMsg, l.maxRefs, l.dispatch)
		if l.onAccept != nil {
			l.onAccept(s)
		}
	}
}

// Close stops accepting new sessions; in-flight sessions are drained by
// the caller (graceful shutdown: stop the listener before tearing down
// sessions already accepted).
func (l *Listener) Close() error { return l.ln.Close() }
