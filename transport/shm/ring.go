// Package shm implements the shared-memory transport: a lock-free SPSC ring
// buffer between two processes on the same host, mapped twice at adjacent
// virtual addresses (the "mirror" trick) so that every [i, i+window) window
// is a flat contiguous byte range even when the logical message wraps past
// the end of the ring.
//
// Grounded on the original C++ LockFreeRingBuffer (mmap(MAP_SHARED|MAP_FIXED)
// double-mapping over a POSIX shm segment); Go has no direct shm_open, so the
// segment is backed by memfd_create instead, which golang.org/x/sys/unix
// exposes directly and which glibc's shm_open itself reduces to on Linux.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package shm

import (
	"encoding/binary"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nikitapn/nprpc-sub000/cmn/debug"
)

const sizeHeaderLen = 4

// pageSize is assumed 4096; Linux/amd64 and Linux/arm64 both default to it,
// and the ring window is always rounded up to a multiple of it regardless.
const pageSize = 4096

// Ring is one direction of a channel: either the send side or the recv side,
// never both — a channel pairs two Rings with swapped roles in each process.
type Ring struct {
	fd     int
	mem    []byte // 2 * window, virtual mirror mapping
	hdr    []byte // 1 page, holds write_idx/read_idx/capacity/max_msg atomics
	window uint32

	// owner is true for the side that created the backing memfd; Close
	// treats both sides the same.
	owner bool
	name  string
}

// header field offsets within hdr, one cache line apart to avoid false
// sharing between the writer's write_idx and the reader's read_idx.
const (
	offWriteIdx = 0
	offReadIdx  = 64
	offCapacity = 128
	offMaxMsg   = 132
)

func roundUpPage(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// CreateRing allocates a new ring of the given capacity (rounded up to a
// page) backed by a freshly created, named shared-memory segment, and maps
// it twice (mirrored) into a single contiguous reservation.
func CreateRing(name string, capacity int, maxMsgSize uint32) (*Ring, error) {
	window := roundUpPage(capacity)

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: memfd_create %s", name)
	}
	total := pageSize + window
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "shm: ftruncate %s to %d", name, total)
	}

	hdr, err := unix.Mmap(fd, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "shm: map header page")
	}

	mem, err := mapMirrored(fd, pageSize, window)
	if err != nil {
		unix.Munmap(hdr)
		unix.Close(fd)
		return nil, err
	}

	r := &Ring{fd: fd, mem: mem, hdr: hdr, window: uint32(window), owner: true, name: name}
	r.putCapacity(uint32(window))
	r.putMaxMsg(maxMsgSize)
	return r, nil
}

// mapMirrored reserves 2*window contiguous bytes of address space, then maps
// the same window bytes of fd (at the given file offset) into both halves
// with MAP_FIXED, so any contiguous read/write of up to window bytes
// starting anywhere in the first half never needs to wrap. The standard
// unix.Mmap helper has no addr parameter, so the fixed-address mappings go
// through the raw mmap(2) syscall directly, the same approach the io_uring
// ring setup above it in this file's grounding source uses for its SQ/CQ
// ring mmaps.
func mapMirrored(fd int, fileOffset int64, window int) ([]byte, error) {
	size := uintptr(window)

	reservedAddr, _, errno := unix.Syscall6(
		unix.SYS_MMAP, 0, uintptr(2*window),
		unix.PROT_NONE, uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errors.Errorf("shm: reserve %d bytes of address space: %v", 2*window, errno)
	}

	first, _, errno := unix.Syscall6(
		unix.SYS_MMAP, reservedAddr, size,
		unix.PROT_READ|unix.PROT_WRITE, uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd), uintptr(fileOffset))
	if errno != 0 || first != reservedAddr {
		unix.Syscall(unix.SYS_MUNMAP, reservedAddr, uintptr(2*window), 0)
		return nil, errors.Errorf("shm: map first half: %v", errno)
	}

	second, _, errno := unix.Syscall6(
		unix.SYS_MMAP, reservedAddr+size, size,
		unix.PROT_READ|unix.PROT_WRITE, uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd), uintptr(fileOffset))
	if errno != 0 || second != reservedAddr+size {
		unix.Syscall(unix.SYS_MUNMAP, reservedAddr, uintptr(2*window), 0)
		return nil, errors.Errorf("shm: map mirrored half: %v", errno)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(reservedAddr)), 2*window), nil
}

// munmapRaw unmaps a []byte built over a raw mmap(2) address (via
// unsafe.Slice, bypassing unix.Mmap's bookkeeping), since unix.Munmap
// refuses slices it didn't itself register.
func munmapRaw(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// RingFromFd attaches to an existing ring created by the peer process, given
// its shared memfd (passed over a unix domain socket, see listener.go's
// handshake) and the already-agreed capacity.
func RingFromFd(fd int, capacity int) (*Ring, error) {
	window := roundUpPage(capacity)
	hdr, err := unix.Mmap(fd, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "shm: map header page")
	}
	mem, err := mapMirrored(fd, pageSize, window)
	if err != nil {
		unix.Munmap(hdr)
		return nil, err
	}
	return &Ring{fd: fd, mem: mem, hdr: hdr, window: uint32(window), owner: false}, nil
}

func (r *Ring) Close() error {
	if r.mem != nil {
		_ = munmapRaw(r.mem)
	}
	if r.hdr != nil {
		_ = unix.Munmap(r.hdr)
	}
	return unix.Close(r.fd)
}

// Fd exposes the backing memfd so the listener handshake can pass it to the
// peer process over an ancillary-data (SCM_RIGHTS) unix socket message.
func (r *Ring) Fd() int { return r.fd }

func (r *Ring) capacity() uint32 { return binary.LittleEndian.Uint32(r.hdr[offCapacity:]) }
func (r *Ring) putCapacity(v uint32) {
	binary.LittleEndian.PutUint32(r.hdr[offCapacity:], v)
}
func (r *Ring) maxMsg() uint32 { return binary.LittleEndian.Uint32(r.hdr[offMaxMsg:]) }
func (r *Ring) putMaxMsg(v uint32) {
	binary.LittleEndian.PutUint32(r.hdr[offMaxMsg:], v)
}

func (r *Ring) loadWriteIdx() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.hdr[offWriteIdx])))
}
func (r *Ring) storeWriteIdx(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.hdr[offWriteIdx])), v)
}
func (r *Ring) loadReadIdx() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.hdr[offReadIdx])))
}
func (r *Ring) storeReadIdx(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.hdr[offReadIdx])), v)
}

func (r *Ring) usedBytes() uint32 {
	w, rd := r.loadWriteIdx(), r.loadReadIdx()
	if w >= rd {
		return w - rd
	}
	return r.capacity() - rd + w
}

// availableBytes keeps one byte permanently unused so write_idx==read_idx is
// unambiguously "empty" rather than ambiguous with "full".
func (r *Ring) availableBytes() uint32 {
	return r.capacity() - r.usedBytes() - 1
}

// WriteReservation is a zero-copy handle into the ring's data region,
// returned by TryReserveWrite and finalized by CommitWrite.
type WriteReservation struct {
	data     []byte // exactly maxSize bytes, safe to write any prefix of
	headerAt uint32
	maxSize  uint32
	valid    bool
}

func (wr WriteReservation) Data() []byte  { return wr.data }
func (wr WriteReservation) MaxSize() int  { return int(wr.maxSize) }
func (wr WriteReservation) Valid() bool   { return wr.valid }

// TryReserveWrite reserves up to the ring's full remaining capacity (capped
// by the ring's configured max message size), failing only if even minSize
// bytes don't currently fit. The caller writes directly into the returned
// slice, then calls CommitWrite with the size actually used.
func (r *Ring) TryReserveWrite(minSize int) (WriteReservation, bool) {
	avail := r.availableBytes()
	if avail <= sizeHeaderLen+1 {
		return WriteReservation{}, false
	}
	maxData := avail - sizeHeaderLen - 1
	if m := r.maxMsg(); maxData > m {
		maxData = m
	}
	if maxData < uint32(minSize) {
		return WriteReservation{}, false
	}

	writeIdx := r.loadWriteIdx()
	binary.LittleEndian.PutUint32(r.mem[writeIdx:], 0) // placeholder length

	dataStart := (writeIdx + sizeHeaderLen) % r.capacity()
	return WriteReservation{
		data:     r.mem[dataStart : dataStart+maxData],
		headerAt: writeIdx,
		maxSize:  maxData,
		valid:    true,
	}, true
}

// CommitWrite publishes actualSize bytes of a previously reserved write; a
// reader polling in ReadWithTimeout sees it on its next poll.
func (r *Ring) CommitWrite(wr WriteReservation, actualSize int) {
	debug.Assert(wr.valid)
	debug.Assert(uint32(actualSize) <= wr.maxSize)

	binary.LittleEndian.PutUint32(r.mem[wr.headerAt:], uint32(actualSize))

	dataStart := (wr.headerAt + sizeHeaderLen) % r.capacity()
	newWriteIdx := (dataStart + uint32(actualSize)) % r.capacity()
	r.storeWriteIdx(newWriteIdx)
}

// ReadView is a zero-copy handle into a pending message's bytes, valid only
// until CommitRead advances the read cursor past it.
type ReadView struct {
	data    []byte
	readIdx uint32
	valid   bool
}

func (rv ReadView) Data() []byte { return rv.data }
func (rv ReadView) Valid() bool  { return rv.valid }

// TryReadView peeks at the oldest pending message without copying it and
// without advancing the read cursor; the caller must call CommitRead once
// done with the view.
func (r *Ring) TryReadView() (ReadView, bool) {
	readIdx := r.loadReadIdx()
	writeIdx := r.loadWriteIdx()
	if readIdx == writeIdx {
		return ReadView{}, false
	}

	size := binary.LittleEndian.Uint32(r.mem[readIdx:])
	dataStart := (readIdx + sizeHeaderLen) % r.capacity()
	if size > r.maxMsg() {
		return ReadView{}, false
	}

	return ReadView{
		data:    r.mem[dataStart : dataStart+size],
		readIdx: (dataStart + size) % r.capacity(),
		valid:   true,
	}, true
}

func (r *Ring) CommitRead(rv ReadView) {
	debug.Assert(rv.valid)
	r.storeReadIdx(rv.readIdx)
}

// ReadWithTimeout blocks (by polling) until a message is available or the
// deadline elapses. The original implementation blocks on a process-shared
// pthread_cond; Go cannot construct a process-shared condvar without cgo, so
// this is a deliberate substitute: a short exponential backoff poll bounded
// by the deadline. It preserves the SPSC zero-copy contract (TryReadView/
// CommitRead are unchanged) at the cost of up to one poll-interval of added
// wake-up latency, acceptable since same-host shared memory is chosen for
// throughput, not for wake-up latency sensitive signaling (that's what the
// stream subsystem's datagram path is for).
func (r *Ring) ReadWithTimeout(timeout time.Duration) (ReadView, bool) {
	if rv, ok := r.TryReadView(); ok {
		return rv, true
	}
	deadline := time.Now().Add(timeout)
	backoff := time.Microsecond * 50
	const maxBackoff = time.Millisecond * 2
	for {
		if time.Now().After(deadline) {
			return ReadView{}, false
		}
		time.Sleep(backoff)
		if rv, ok := r.TryReadView(); ok {
			return rv, true
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (r *Ring) IsEmpty() bool { return r.loadReadIdx() == r.loadWriteIdx() }
