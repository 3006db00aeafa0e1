package stream

// Writer is the server-side producer of one stream's chunks: a lazy,
// finite, non-restartable sequence. Next is called repeatedly by the pump
// (never concurrently) until it reports done or an error; Cancel is called
// out-of-band (from a StreamCancel message, or session teardown) and must
// make a subsequent or in-flight Next return promptly.
//
// A servant method whose return type is "stream of T" is implemented as one
// that returns a Writer instead of running to completion synchronously.
type Writer interface {
	// Next produces the next chunk's serialized payload. done=true with a
	// nil error means the stream completed normally (no more chunks);
	// a non-nil error aborts the stream with that error.
	Next() (data []byte, done bool, err error)
	// Cancel unblocks any Next call in progress and makes future calls
	// return done=true immediately; idempotent.
	Cancel()
}

// SliceWriter adapts a pre-built slice of chunks to the Writer interface,
// the common case of a servant method that already has its full result set
// in memory (e.g. "stream of query rows already fetched").
type SliceWriter struct {
	chunks    [][]byte
	i         int
	cancelled bool
}

func NewSliceWriter(chunks [][]byte) *SliceWriter {
	return &SliceWriter{chunks: chunks}
}

func (w *SliceWriter) Next() (data []byte, done bool, err error) {
	if w.cancelled || w.i >= len(w.chunks) {
		return nil, true, nil
	}
	data = w.chunks[w.i]
	w.i++
	return data, false, nil
}

func (w *SliceWriter) Cancel() { w.cancelled = true }

// FuncWriter adapts a pull function to the Writer interface, for servants
// that generate chunks lazily (e.g. reading a file or a cursor). Its Cancel
// makes later Next calls return done; a pull already in progress is not
// interrupted.
type FuncWriter struct {
	pull      func() (data []byte, done bool, err error)
	cancelCh  chan struct{}
	cancelled bool
}

func NewFuncWriter(pull func() ([]byte, bool, error)) *FuncWriter {
	return &FuncWriter{pull: pull, cancelCh: make(chan struct{})}
}

func (w *FuncWriter) Next() (data []byte, done bool, err error) {
	if w.cancelled {
		return nil, true, nil
	}
	select {
	case <-w.cancelCh:
		w.cancelled = true
		return nil, true, nil
	default:
	}
	return w.pull()
}

func (w *FuncWriter) Cancel() {
	if w.cancelled {
		return
	}
	w.cancelled = true
	close(w.cancelCh)
}
