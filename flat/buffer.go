// Package flat implements the wire's flat-buffer encoding: in-place
// structures with relative-offset variable-length data, growable owned
// buffers, and non-owning views into shared-memory ring reservations.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package flat

import (
	"encoding/binary"
	"fmt"
)

// Mode distinguishes a heap-backed growable buffer from a non-owning view
// into a fixed shared-memory reservation.
type Mode uint8

const (
	Owned Mode = iota
	View
)

// ErrNoSpace is returned when a View-mode buffer cannot grow past its
// reservation's max size.
var ErrNoSpace = fmt.Errorf("flat: reservation exhausted")

// Buffer is the sole on-wire representation: a growable byte container
// whose committed prefix [0:size) is the message.
//
// In Owned mode the backing array may be reallocated on growth; any Direct
// accessor taken before a growing Alloc must be refetched afterward (the
// Buffer's generation counter changes on every reallocation).
//
// In View mode the backing array is a non-owning window into a shared-
// memory ring cell reserved by the transport (see
// session.ZeroCopyReserver's PrepareZeroCopyBuffer);
// growth beyond the reservation's capacity fails with ErrNoSpace instead of
// copying, since there is nowhere safe to copy to.
type Buffer struct {
	mode Mode
	buf  []byte
	size int
	gen  int

	// writeIdx is the ring reservation's write_idx, remembered so the
	// transport can commit this exact cell once the message is complete.
	// Only meaningful in View mode.
	writeIdx uint32
}

// NewOwned returns an empty owned buffer with the given initial capacity.
func NewOwned(initialCap int) *Buffer {
	if initialCap < 16 {
		initialCap = 16
	}
	return &Buffer{mode: Owned, buf: make([]byte, initialCap)}
}

// NewView wraps data (a shared-memory reservation's full contiguous window)
// as a non-owning view buffer; writeIdx is the reservation's write index,
// remembered for the eventual commit.
func NewView(data []byte, writeIdx uint32) *Buffer {
	return &Buffer{mode: View, buf: data, writeIdx: writeIdx}
}

func (b *Buffer) Mode() Mode       { return b.mode }
func (b *Buffer) Size() int        { return b.size }
func (b *Buffer) Cap() int         { return len(b.buf) }
func (b *Buffer) Generation() int  { return b.gen }
func (b *Buffer) WriteIdx() uint32 { return b.writeIdx }

// Bytes returns the committed prefix of the buffer. The returned slice
// aliases the buffer's storage and is invalidated by the next growing
// Alloc in Owned mode.
func (b *Buffer) Bytes() []byte { return b.buf[:b.size] }

// Reset truncates the buffer back to empty without releasing storage.
func (b *Buffer) Reset() { b.size = 0 }

// ensureCapacity makes sure at least `need` total bytes are available,
// growing (Owned) or failing (View) as appropriate.
func (b *Buffer) ensureCapacity(need int) error {
	if need <= len(b.buf) {
		return nil
	}
	if b.mode == View {
		return ErrNoSpace
	}
	newCap := len(b.buf) * 2
	if newCap < need {
		newCap = need
	}
	nb := make([]byte, newCap)
	copy(nb, b.buf[:b.size])
	b.buf = nb
	b.gen++
	return nil
}

// Alloc reserves n bytes at the end of the committed region and returns
// the offset of the first reserved byte. The reserved bytes are zeroed.
func (b *Buffer) Alloc(n int) (offset int, err error) {
	if err = b.ensureCapacity(b.size + n); err != nil {
		return 0, err
	}
	offset = b.size
	for i := offset; i < offset+n; i++ {
		b.buf[i] = 0
	}
	b.size += n
	return offset, nil
}

// AllocAligned reserves n bytes starting at the next offset aligned to
// align bytes (align must be a power of two), padding with zeros.
func (b *Buffer) AllocAligned(n, align int) (offset int, err error) {
	pad := (align - b.size%align) % align
	if pad > 0 {
		if _, err = b.Alloc(pad); err != nil {
			return 0, err
		}
	}
	return b.Alloc(n)
}

func (b *Buffer) checkRange(offset, n int) error {
	if offset < 0 || n < 0 || offset+n > b.size {
		return fmt.Errorf("flat: range [%d:%d) out of committed bounds (size=%d)", offset, offset+n, b.size)
	}
	return nil
}

//
// scalar accessors — all little-endian, matching the wire header encoding
//

func (b *Buffer) PutU8(offset int, v uint8) { b.buf[offset] = v }
func (b *Buffer) GetU8(offset int) uint8    { return b.buf[offset] }

func (b *Buffer) PutU16(offset int, v uint16) { binary.LittleEndian.PutUint16(b.buf[offset:], v) }
func (b *Buffer) GetU16(offset int) uint16    { return binary.LittleEndian.Uint16(b.buf[offset:]) }

func (b *Buffer) PutU32(offset int, v uint32) { binary.LittleEndian.PutUint32(b.buf[offset:], v) }
func (b *Buffer) GetU32(offset int) uint32    { return binary.LittleEndian.Uint32(b.buf[offset:]) }

func (b *Buffer) PutU64(offset int, v uint64) { binary.LittleEndian.PutUint64(b.buf[offset:], v) }
func (b *Buffer) GetU64(offset int) uint64    { return binary.LittleEndian.Uint64(b.buf[offset:]) }

func (b *Buffer) PutI32(offset int, v int32) { b.PutU32(offset, uint32(v)) }
func (b *Buffer) GetI32(offset int) int32    { return int32(b.GetU32(offset)) }

func (b *Buffer) PutI64(offset int, v int64) { b.PutU64(offset, uint64(v)) }
func (b *Buffer) GetI64(offset int) int64    { return int64(b.GetU64(offset)) }

func (b *Buffer) PutF32(offset int, v float32) {
	binary.LittleEndian.PutUint32(b.buf[offset:], uint32FromFloat32(v))
}
func (b *Buffer) GetF32(offset int) float32 {
	return float32FromUint32(binary.LittleEndian.Uint32(b.buf[offset:]))
}

func (b *Buffer) PutF64(offset int, v float64) {
	binary.LittleEndian.PutUint64(b.buf[offset:], uint64FromFloat64(v))
}
func (b *Buffer) GetF64(offset int) float64 {
	return float64FromUint64(binary.LittleEndian.Uint64(b.buf[offset:]))
}

func (b *Buffer) PutBool(offset int, v bool) {
	if v {
		b.buf[offset] = 1
	} else {
		b.buf[offset] = 0
	}
}
func (b *Buffer) GetBool(offset int) bool { return b.buf[offset] != 0 }
