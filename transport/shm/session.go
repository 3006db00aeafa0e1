package shm

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/flat"
	"github.com/nikitapn/nprpc-sub000/session"
)

// idlePoll bounds how long the read loop blocks in one ReadWithTimeout call
// before re-checking the stop signal; it is not a per-message latency bound.
const idlePoll = 200 * time.Millisecond

// Session wraps a shared-memory Channel as a session.Sender, additionally
// implementing session.ZeroCopyReserver: a servant building a reply can ask
// for a buffer backed directly by the outbound ring's next reservation and
// write its answer there with no intermediate allocation or copy.
type Session struct {
	*session.Common

	ch     *Channel
	maxMsg uint32

	mu       sync.Mutex
	pendingZC *WriteReservation

	stopCh   chan struct{}
	dispatch func(*Session, []byte)
}

func newServerSession(ch *Channel, maxMsg uint32, dispatch func(*Session, []byte)) *Session {
	return newSession(ch, maxMsg, dispatch, true)
}

func newClientSession(ch *Channel, maxMsg uint32, dispatch func(*Session, []byte)) *Session {
	return newSession(ch, maxMsg, dispatch, false)
}

func newSession(ch *Channel, maxMsg uint32, dispatch func(*Session, []byte), isServerSide bool) *Session {
	s := &Session{ch: ch, maxMsg: maxMsg, stopCh: make(chan struct{}), dispatch: dispatch}
	ep := endpoint.Endpoint{Scheme: endpoint.SharedMemory, ChannelId: strconv.FormatUint(ch.ID(), 10)}
	maxRefs := 1024
	ctx := session.NewContext(ep, maxRefs)
	s.Common = session.NewCommon(s, ctx, isServerSide)
	go s.readLoop()
	return s
}

// WriteFrame implements session.Sender. If frame is the buffer most
// recently handed out by PrepareZeroCopyBuffer, this publishes it in place
// (no copy); otherwise it reserves a fresh cell and copies frame into it.
func (s *Session) WriteFrame(frame []byte) error {
	s.mu.Lock()
	zc := s.pendingZC
	if zc != nil && len(frame) > 0 && len(zc.Data()) > 0 && &frame[0] == &zc.Data()[0] {
		s.pendingZC = nil
		s.mu.Unlock()
		s.ch.send.CommitWrite(*zc, len(frame))
		return nil
	}
	s.mu.Unlock()

	wr, ok := s.ch.send.TryReserveWrite(len(frame))
	if !ok {
		return fmt.Errorf("shm: send ring full (frame=%d bytes)", len(frame))
	}
	copy(wr.Data(), frame)
	s.ch.send.CommitWrite(wr, len(frame))
	return nil
}

// PrepareZeroCopyBuffer reserves up to maxSize bytes directly in the
// outbound ring and wraps them as a flat.Buffer in View mode; the caller
// builds the reply message in place, then passes buf.Bytes() to WriteFrame,
// which recognizes the aliasing and commits without copying.
func (s *Session) PrepareZeroCopyBuffer(maxSize int) (*flat.Buffer, bool) {
	wr, ok := s.ch.send.TryReserveWrite(maxSize)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	s.pendingZC = &wr
	s.mu.Unlock()
	return flat.NewView(wr.Data(), wr.headerAt), true
}

func (s *Session) RemoteEndpoint() endpoint.Endpoint { return s.Common.RemoteEndpoint() }

func (s *Session) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	return s.ch.Close()
}

func (s *Session) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		rv, ok := s.ch.recv.ReadWithTimeout(idlePoll)
		if !ok {
			continue
		}
		data := rv.Data()
		if uint32(len(data)) > s.maxMsg {
			nlog.Warningf("shm: frame of %d bytes exceeds max_message_size %d, dropping", len(data), s.maxMsg)
			s.ch.recv.CommitRead(rv)
			continue
		}
		// The view aliases ring memory that the writer may reuse as soon as
		// CommitRead advances read_idx, so copy out before handing to the
		// dispatcher (which may retain the slice past this iteration).
		frame := make([]byte, len(data))
		copy(frame, data)
		s.ch.recv.CommitRead(rv)

		if s.dispatch != nil {
			s.dispatch(s, frame)
		}
	}
}
