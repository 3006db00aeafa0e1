package stream

import (
	"sync"
	"time"

	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/wire"
)

// SendFunc puts one already-framed message on the wire; it is one of a
// session's WriteFrame (stream-oriented transports), SendUnreliable (UDP
// datagram path) or a dedicated QUIC stream write, depending on which of
// Manager's three send paths is invoked.
type SendFunc func(frame []byte) error

type writerEntry struct {
	writer     Writer
	unreliable bool
	compress   bool
	sequence   uint64
	touched    time.Time
}

// Manager is the per-SessionContext stream table: writers this side is
// producing chunks for for, readers this side is consuming chunks into.
// Exactly one Manager exists per session (stored in session.Context.
// StreamMgr as `any`, so session does not import this package).
type Manager struct {
	mu      sync.Mutex
	writers map[uint64]*writerEntry
	readers map[uint64]*Reader

	send         SendFunc // normal session send path, always set
	sendDatagram SendFunc // unreliable datagram path; nil if transport has none
	sendNative   SendFunc // dedicated multiplexed-stream path (e.g. a QUIC stream); nil if unavailable

	// post defers the chunk pump off the goroutine that registered the
	// writer (the dispatch goroutine), matching the spec's "posted off the
	// dispatch thread" requirement; defaults to a bare `go`.
	post func(func())
}

func NewManager(send SendFunc) *Manager {
	return &Manager{
		writers: make(map[uint64]*writerEntry),
		readers: make(map[uint64]*Reader),
		send:    send,
		post:    func(f func()) { go f() },
	}
}

func (m *Manager) SetDatagramSend(f SendFunc)     { m.sendDatagram = f }
func (m *Manager) SetNativeStreamSend(f SendFunc) { m.sendNative = f }
func (m *Manager) SetPost(f func(func()))         { m.post = f }

// RegisterWriter is called by the application layer (the servant code for a
// streaming method) once it accepts a StreamInitialization; the router only
// decodes that message, sends no Success reply for it and does not call
// RegisterWriter itself. It stores the writer and schedules the chunk pump.
// compress opts this stream into lz4-compressing every chunk (falling back
// to raw bytes per-chunk whenever that doesn't shrink it); it's the
// per-stream analogue of the teacher transport's Extra.Compression flag,
// set by a servant method that knows its payload compresses well (e.g. text
// or structured rows) rather than unconditionally for every stream.
func (m *Manager) RegisterWriter(streamId uint64, w Writer, unreliable, compress bool) {
	m.mu.Lock()
	m.writers[streamId] = &writerEntry{writer: w, unreliable: unreliable, compress: compress, touched: time.Now()}
	m.mu.Unlock()
	m.post(func() { m.pump(streamId) })
}

// RegisterReader is called by the proxy immediately after sending a
// StreamInitialization, so chunks that arrive before the router's Success
// reply (they never will, since the reply gates registration server-side,
// but a reader must exist before the first chunk can possibly arrive) are
// never lost.
func (m *Manager) RegisterReader(streamId uint64, r *Reader) {
	r.touched = time.Now()
	m.mu.Lock()
	m.readers[streamId] = r
	m.mu.Unlock()
}

// pump repeatedly resumes the writer until it reports done or an error,
// sending one StreamDataChunk per iteration, then a StreamComplete or
// StreamError and removing the entry.
func (m *Manager) pump(streamId uint64) {
	for {
		m.mu.Lock()
		entry, ok := m.writers[streamId]
		m.mu.Unlock()
		if !ok {
			return // cancelled or connection torn down mid-pump
		}

		data, done, err := entry.writer.Next()
		if err != nil {
			m.sendOneWay(frameWithHeader(wire.StreamError, 0, EncodeError(streamId, 1, []byte(err.Error()))))
			m.removeWriter(streamId)
			return
		}
		if done {
			m.sendOneWay(frameWithHeader(wire.StreamCompletion, 0, EncodeComplete(streamId, entry.sequence)))
			m.removeWriter(streamId)
			return
		}

		seq := entry.sequence
		entry.sequence++
		entry.touched = time.Now()
		chunk := EncodeChunk(streamId, seq, 0, compressChunk(data, entry.compress))
		frame := frameWithHeader(wire.StreamDataChunk, 0, chunk)

		switch {
		case entry.unreliable && m.sendDatagram != nil:
			if err := m.sendDatagram(frame); err != nil {
				nlog.Warningf("stream: dropped chunk %d of stream %d: %v", seq, streamId, err)
			}
		case m.sendNative != nil:
			if err := m.sendNative(frame); err != nil {
				nlog.Warningf("stream: native send failed for stream %d, aborting: %v", streamId, err)
				m.removeWriter(streamId)
				return
			}
		default:
			if err := m.send(frame); err != nil {
				nlog.Warningf("stream: send failed for stream %d, aborting: %v", streamId, err)
				m.removeWriter(streamId)
				return
			}
		}
	}
}

func (m *Manager) sendOneWay(frame []byte) {
	if err := m.send(frame); err != nil {
		nlog.Warningf("stream: failed to deliver terminal message: %v", err)
	}
}

func (m *Manager) removeWriter(streamId uint64) {
	m.mu.Lock()
	delete(m.writers, streamId)
	m.mu.Unlock()
}

func (m *Manager) removeReader(streamId uint64) *Reader {
	m.mu.Lock()
	r := m.readers[streamId]
	delete(m.readers, streamId)
	m.mu.Unlock()
	return r
}

// HandleChunk routes an inbound StreamDataChunk to its reader.
func (m *Manager) HandleChunk(streamId, sequence uint64, windowSize uint32, data []byte) {
	m.mu.Lock()
	r := m.readers[streamId]
	m.mu.Unlock()
	if r == nil {
		return
	}
	plain, ok := decompressChunk(data)
	if !ok {
		nlog.Warningf("stream: malformed chunk encoding on stream %d, dropping", streamId)
		return
	}
	r.deliverChunk(sequence, plain)
}

// HandleComplete routes an inbound StreamCompletion and closes the reader.
func (m *Manager) HandleComplete(streamId, finalSequence uint64) {
	if r := m.removeReader(streamId); r != nil {
		r.deliverComplete(finalSequence)
	}
}

// HandleError routes an inbound StreamError and closes the reader.
func (m *Manager) HandleError(streamId uint64, errorCode uint32, errorData []byte) {
	if r := m.removeReader(streamId); r != nil {
		r.deliverError(errorCode, append([]byte(nil), errorData...))
	}
}

// HandleCancel routes an inbound StreamCancel to the writer side: cancels
// the writer and removes it, stopping the pump on its next iteration.
func (m *Manager) HandleCancel(streamId uint64) {
	m.mu.Lock()
	entry, ok := m.writers[streamId]
	delete(m.writers, streamId)
	m.mu.Unlock()
	if ok {
		entry.writer.Cancel()
	}
}

// SendCancel is called by a reader that wants to stop a stream early: it
// tells the remote writer side to cancel and locally removes the reader
// (no more chunks are delivered even if a few more arrive in flight).
func (m *Manager) SendCancel(streamId uint64) {
	m.removeReader(streamId)
	_ = m.send(frameWithHeader(wire.StreamCancellation, 0, EncodeCancel(streamId)))
}

// SweepIdle cancels writers and errors out readers that have carried no
// traffic for longer than maxIdle: a pump stuck because a remote peer on a
// lossy transport stopped acknowledging, or a reader left registered by a
// proxy call whose caller abandoned it, would otherwise sit in these maps
// for the lifetime of the session. Returns the number of entries removed,
// for the housekeeping callback to log.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var staleWriters []uint64
	staleEntries := make(map[uint64]*writerEntry)
	for id, entry := range m.writers {
		if entry.touched.Before(cutoff) {
			staleWriters = append(staleWriters, id)
			staleEntries[id] = entry
		}
	}
	var staleReaders []uint64
	for id, r := range m.readers {
		if r.touched.Before(cutoff) {
			staleReaders = append(staleReaders, id)
		}
	}
	for _, id := range staleWriters {
		delete(m.writers, id)
	}
	m.mu.Unlock()

	for _, id := range staleWriters {
		staleEntries[id].writer.Cancel()
		nlog.Warningf("stream: swept idle writer for stream %d (no activity for %s)", id, maxIdle)
	}
	for _, id := range staleReaders {
		if r := m.removeReader(id); r != nil {
			r.deliverError(uint32(wire.ErrorCommFailure), nil)
		}
		nlog.Warningf("stream: swept idle reader for stream %d (no activity for %s)", id, maxIdle)
	}
	return len(staleWriters) + len(staleReaders)
}

// CloseAll is invoked on session teardown: it cancels every writer this
// session was pumping and delivers a CommFailure-equivalent error to every
// reader still waiting on a chunk, per the spec's "connection close cancels
// all writers and errors all readers" rule.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	writers := m.writers
	readers := m.readers
	m.writers = make(map[uint64]*writerEntry)
	m.readers = make(map[uint64]*Reader)
	m.mu.Unlock()

	for _, entry := range writers {
		entry.writer.Cancel()
	}
	for _, r := range readers {
		r.deliverError(uint32(wire.ErrorCommFailure), nil)
	}
}
