package stream

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
)

// Each StreamDataChunk's data carries a 1-byte encoding tag ahead of its
// payload, the same opt-in per-stream hook the teacher's transport layer
// exposes as Extra.Compression: a writer registered with compress=true has
// every chunk lz4-block-compressed before it's framed, falling back to raw
// bytes whenever compression doesn't shrink the chunk (tiny chunks, already
// compressed data) so the tag+length overhead is never paid for nothing.
const (
	chunkEncodingRaw byte = 0
	chunkEncodingLZ4 byte = 1
)

// compressChunk wraps data in the encoding envelope, trying lz4 when
// compress is true and falling back to raw when that doesn't help.
func compressChunk(data []byte, compress bool) []byte {
	if !compress || len(data) == 0 {
		return append([]byte{chunkEncodingRaw}, data...)
	}

	bound := lz4.CompressBlockBound(len(data))
	dst := make([]byte, 4+bound)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(data)))

	var c lz4.Compressor
	n, err := c.CompressBlock(data, dst[4:])
	if err != nil || n == 0 || n >= len(data) {
		return append([]byte{chunkEncodingRaw}, data...)
	}
	return append([]byte{chunkEncodingLZ4}, dst[:4+n]...)
}

// decompressChunk reverses compressChunk; the returned slice is always a
// fresh allocation, safe to hand to a Reader callback past this call.
func decompressChunk(envelope []byte) ([]byte, bool) {
	if len(envelope) == 0 {
		return nil, false
	}
	tag, body := envelope[0], envelope[1:]
	switch tag {
	case chunkEncodingRaw:
		return append([]byte(nil), body...), true
	case chunkEncodingLZ4:
		if len(body) < 4 {
			return nil, false
		}
		origLen := binary.LittleEndian.Uint32(body[0:4])
		dst := make([]byte, origLen)
		n, err := lz4.UncompressBlock(body[4:], dst)
		if err != nil || uint32(n) != origLen {
			return nil, false
		}
		return dst, true
	default:
		return nil, false
	}
}
