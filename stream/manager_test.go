package stream

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nikitapn/nprpc-sub000/wire"
)

type capturingSend struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *capturingSend) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), frame...)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *capturingSend) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestWriterPumpDeliversChunksThenComplete(t *testing.T) {
	out := &capturingSend{}
	m := NewManager(out.send)

	w := NewSliceWriter([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	m.RegisterWriter(1, w, false, false)

	waitFor(t, func() bool { return out.count() == 4 }) // 3 chunks + complete

	want := []string{"a", "b", "c"}
	for i := 0; i < 3; i++ {
		msgId, payload := splitFrame(t, out.frames[i])
		if msgId != wire.StreamDataChunk {
			t.Fatalf("frame %d: expected StreamDataChunk, got %v", i, msgId)
		}
		streamId, seq, _, envelope, ok := DecodeChunk(payload)
		if !ok || streamId != 1 || seq != uint64(i) {
			t.Fatalf("frame %d: bad chunk header", i)
		}
		data, ok := decompressChunk(envelope)
		if !ok {
			t.Fatalf("frame %d: malformed chunk encoding", i)
		}
		if string(data) != want[i] {
			t.Fatalf("frame %d: got data %q, want %q", i, data, want[i])
		}
	}
	msgId, payload := splitFrame(t, out.frames[3])
	if msgId != wire.StreamCompletion {
		t.Fatalf("expected StreamCompletion, got %v", msgId)
	}
	streamId, finalSeq, ok := DecodeComplete(payload)
	if !ok || streamId != 1 || finalSeq != 3 {
		t.Fatalf("bad completion: streamId=%d finalSeq=%d", streamId, finalSeq)
	}
}

func TestWriterErrorSendsStreamError(t *testing.T) {
	out := &capturingSend{}
	m := NewManager(out.send)

	w := NewFuncWriter(func() ([]byte, bool, error) {
		return nil, false, errors.New("boom")
	})
	m.RegisterWriter(7, w, false, false)

	waitFor(t, func() bool { return out.count() == 1 })
	msgId, payload := splitFrame(t, out.frames[0])
	if msgId != wire.StreamError {
		t.Fatalf("expected StreamError, got %v", msgId)
	}
	streamId, code, _, ok := DecodeError(payload)
	if !ok || streamId != 7 || code != 1 {
		t.Fatalf("bad error payload")
	}
}

func TestReaderReceivesChunksInOrderAndCompletes(t *testing.T) {
	m := NewManager(func([]byte) error { return nil })

	var got []uint64
	var completed bool
	r := &Reader{
		OnData:     func(seq uint64, data []byte) { got = append(got, seq) },
		OnComplete: func(finalSeq uint64) { completed = true },
	}
	m.RegisterReader(1, r)

	m.HandleChunk(1, 0, 0, compressChunk([]byte("x"), false))
	m.HandleChunk(1, 1, 0, compressChunk([]byte("y"), false))
	m.HandleChunk(1, 0, 0, compressChunk([]byte("stale, must be dropped"), false))
	m.HandleComplete(1, 1)

	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("unexpected sequence delivery: %v", got)
	}
	if !completed {
		t.Fatalf("expected OnComplete to fire")
	}
}

func TestCloseAllCancelsWritersAndErrorsReaders(t *testing.T) {
	m := NewManager(func([]byte) error { return nil })

	var pulls int32
	w := NewFuncWriter(func() ([]byte, bool, error) {
		atomic.AddInt32(&pulls, 1)
		time.Sleep(time.Millisecond)
		return []byte("x"), false, nil
	})
	m.RegisterWriter(3, w, false, false)

	var mu sync.Mutex
	var errored bool
	r := &Reader{OnError: func(code uint32, data []byte) {
		mu.Lock()
		errored = true
		mu.Unlock()
	}}
	m.RegisterReader(1, r)

	m.CloseAll()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errored
	})

	before := atomic.LoadInt32(&pulls)
	time.Sleep(10 * time.Millisecond)
	after := atomic.LoadInt32(&pulls)
	if after > before+1 {
		t.Fatalf("writer kept producing chunks after CloseAll: %d -> %d", before, after)
	}
}

func TestSweepIdleRemovesStaleWriterAndReader(t *testing.T) {
	m := NewManager(func([]byte) error { return nil })

	// A writer that never becomes done and never errors, simulating a peer
	// that stopped acknowledging mid-stream.
	blocked := make(chan struct{})
	w := NewFuncWriter(func() ([]byte, bool, error) {
		<-blocked
		return nil, true, nil
	})
	m.RegisterWriter(9, w, false, false)

	var mu sync.Mutex
	var errored bool
	r := &Reader{OnError: func(uint32, []byte) {
		mu.Lock()
		errored = true
		mu.Unlock()
	}}
	m.RegisterReader(5, r)

	// Not idle yet: a generous threshold leaves both entries alone.
	if swept := m.SweepIdle(time.Hour); swept != 0 {
		t.Fatalf("expected nothing swept while fresh, got %d", swept)
	}

	time.Sleep(5 * time.Millisecond)
	swept := m.SweepIdle(time.Millisecond)
	if swept != 2 {
		t.Fatalf("expected 2 entries swept, got %d", swept)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errored
	})

	m.mu.Lock()
	_, writerStillThere := m.writers[9]
	_, readerStillThere := m.readers[5]
	m.mu.Unlock()
	if writerStillThere || readerStillThere {
		t.Fatalf("swept entries should be removed from the manager's tables")
	}
	close(blocked)
}

func TestCompressChunkRoundTripsAndFallsBackWhenItDoesNotShrink(t *testing.T) {
	compressible := []byte(strings.Repeat("abcdefgh", 256))
	envelope := compressChunk(compressible, true)
	if envelope[0] != chunkEncodingLZ4 {
		t.Fatalf("expected highly compressible data to use lz4 encoding, got tag %d", envelope[0])
	}
	got, ok := decompressChunk(envelope)
	if !ok || string(got) != string(compressible) {
		t.Fatalf("round trip mismatch")
	}

	tiny := []byte("x")
	envelope = compressChunk(tiny, true)
	if envelope[0] != chunkEncodingRaw {
		t.Fatalf("expected a 1-byte chunk to fall back to raw encoding, got tag %d", envelope[0])
	}
	got, ok = decompressChunk(envelope)
	if !ok || string(got) != "x" {
		t.Fatalf("raw fallback round trip mismatch")
	}
}

func splitFrame(t *testing.T, frame []byte) (wire.MessageId, []byte) {
	t.Helper()
	h, ok := wire.DecodeHeader(frame)
	if !ok {
		t.Fatalf("frame too short to decode header")
	}
	return h.MsgId, frame[wire.HeaderSize:]
}
