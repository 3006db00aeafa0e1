package shm

import (
	"bytes"
	"testing"
	"time"
)

func newTestRing(t *testing.T) *Ring {
	t.Helper()
	r, err := CreateRing("nprpc_test_ring", 64*1024, 16*1024)
	if err != nil {
		t.Fatalf("CreateRing: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRingWriteReadRoundTrip(t *testing.T) {
	r := newTestRing(t)

	msg := []byte("hello from the other process")
	wr, ok := r.TryReserveWrite(len(msg))
	if !ok {
		t.Fatalf("TryReserveWrite failed")
	}
	n := copy(wr.Data(), msg)
	r.CommitWrite(wr, n)

	rv, ok := r.TryReadView()
	if !ok {
		t.Fatalf("TryReadView found nothing")
	}
	if !bytes.Equal(rv.Data(), msg) {
		t.Fatalf("got %q, want %q", rv.Data(), msg)
	}
	r.CommitRead(rv)

	if !r.IsEmpty() {
		t.Fatalf("ring should be empty after commit")
	}
}

func TestRingWrapAround(t *testing.T) {
	r := newTestRing(t)

	// Repeatedly write-then-read small messages so write_idx/read_idx both
	// advance past the ring's capacity, exercising the mirrored mapping's
	// wrap-around handling.
	msg := bytes.Repeat([]byte{0xAB}, 5000)
	for i := 0; i < 50; i++ {
		wr, ok := r.TryReserveWrite(len(msg))
		if !ok {
			t.Fatalf("iteration %d: TryReserveWrite failed", i)
		}
		n := copy(wr.Data(), msg)
		r.CommitWrite(wr, n)

		rv, ok := r.TryReadView()
		if !ok {
			t.Fatalf("iteration %d: TryReadView found nothing", i)
		}
		if !bytes.Equal(rv.Data(), msg) {
			t.Fatalf("iteration %d: payload mismatch", i)
		}
		r.CommitRead(rv)
	}
}

func TestRingReadWithTimeoutExpires(t *testing.T) {
	r := newTestRing(t)

	start := time.Now()
	_, ok := r.ReadWithTimeout(30 * time.Millisecond)
	if ok {
		t.Fatalf("expected timeout on empty ring")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestRingFullRejectsOversizedReservation(t *testing.T) {
	r := newTestRing(t)

	_, ok := r.TryReserveWrite(1 << 20) // far larger than the 64KiB ring
	if ok {
		t.Fatalf("expected reservation larger than the ring to fail")
	}
}
