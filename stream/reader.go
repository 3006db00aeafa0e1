package stream

import "time"

// Reader is the client-side consumer of one stream's chunks, registered by
// the proxy call that issued the StreamInitialization. Callbacks are
// invoked from whatever goroutine is servicing the session's read loop;
// exactly one of OnComplete/OnError fires, exactly once, terminating the
// stream.
type Reader struct {
	OnData     func(sequence uint64, data []byte)
	OnComplete func(finalSequence uint64)
	OnError    func(errorCode uint32, errorData []byte)

	lastSequence uint64
	seen         bool
	done         bool
	touched      time.Time
}

// deliverChunk feeds one StreamDataChunk to the reader, enforcing the
// strictly-increasing sequence invariant; out-of-order or duplicate chunks
// are dropped rather than delivered, since the wire guarantees in-order
// delivery on every transport this module uses (per-session FIFO send).
func (r *Reader) deliverChunk(sequence uint64, data []byte) {
	if r.done {
		return
	}
	if r.seen && sequence <= r.lastSequence {
		return
	}
	r.seen = true
	r.lastSequence = sequence
	r.touched = time.Now()
	if r.OnData != nil {
		r.OnData(sequence, data)
	}
}

func (r *Reader) deliverComplete(finalSequence uint64) {
	if r.done {
		return
	}
	r.done = true
	if r.OnComplete != nil {
		r.OnComplete(finalSequence)
	}
}

func (r *Reader) deliverError(errorCode uint32, errorData []byte) {
	if r.done {
		return
	}
	r.done = true
	if r.OnError != nil {
		r.OnError(errorCode, errorData)
	}
}
