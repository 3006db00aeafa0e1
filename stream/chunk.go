// Package stream implements the per-session stream manager: server→client
// data streams multiplexed over the same session as ordinary calls, with
// sequencing, completion, cancellation and transport-appropriate delivery
// (datagram, native multiplexed stream, or the session's normal send path).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"encoding/binary"

	"github.com/nikitapn/nprpc-sub000/wire"
)

// chunkHeaderSize is {stream_id u64, sequence u64, window_size u32} before
// the variable-length data payload.
const chunkHeaderSize = 8 + 8 + 4

// EncodeInit builds the StreamInitialization payload a proxy sends to start
// a stream: {stream_id, poa_idx, interface_idx, object_id, func_idx}.
func EncodeInit(streamId uint64, poaIdx uint16, interfaceIdx uint8, objectId uint64, funcIdx uint8) []byte {
	b := make([]byte, 8+2+1+8+1)
	binary.LittleEndian.PutUint64(b[0:], streamId)
	binary.LittleEndian.PutUint16(b[8:], poaIdx)
	b[10] = interfaceIdx
	binary.LittleEndian.PutUint64(b[11:], objectId)
	b[19] = funcIdx
	return b
}

// DecodeInit parses the StreamInitialization payload the router reads on
// msg_id == StreamInitialization.
func DecodeInit(b []byte) (streamId uint64, poaIdx uint16, interfaceIdx uint8, objectId uint64, funcIdx uint8, ok bool) {
	if len(b) < 20 {
		return 0, 0, 0, 0, 0, false
	}
	streamId = binary.LittleEndian.Uint64(b[0:])
	poaIdx = binary.LittleEndian.Uint16(b[8:])
	interfaceIdx = b[10]
	objectId = binary.LittleEndian.Uint64(b[11:])
	funcIdx = b[19]
	return streamId, poaIdx, interfaceIdx, objectId, funcIdx, true
}

// EncodeChunk builds one StreamDataChunk payload.
func EncodeChunk(streamId, sequence uint64, windowSize uint32, data []byte) []byte {
	b := make([]byte, chunkHeaderSize+len(data))
	binary.LittleEndian.PutUint64(b[0:], streamId)
	binary.LittleEndian.PutUint64(b[8:], sequence)
	binary.LittleEndian.PutUint32(b[16:], windowSize)
	copy(b[chunkHeaderSize:], data)
	return b
}

// DecodeChunk parses a StreamDataChunk payload; the returned data slice
// aliases b.
func DecodeChunk(b []byte) (streamId, sequence uint64, windowSize uint32, data []byte, ok bool) {
	if len(b) < chunkHeaderSize {
		return 0, 0, 0, nil, false
	}
	streamId = binary.LittleEndian.Uint64(b[0:])
	sequence = binary.LittleEndian.Uint64(b[8:])
	windowSize = binary.LittleEndian.Uint32(b[16:])
	return streamId, sequence, windowSize, b[chunkHeaderSize:], true
}

// EncodeComplete builds a StreamComplete{stream_id, final_sequence} payload.
func EncodeComplete(streamId, finalSequence uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], streamId)
	binary.LittleEndian.PutUint64(b[8:], finalSequence)
	return b
}

func DecodeComplete(b []byte) (streamId, finalSequence uint64, ok bool) {
	if len(b) < 16 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(b[0:]), binary.LittleEndian.Uint64(b[8:]), true
}

// EncodeError builds a StreamError{stream_id, error_code, error_data}
// payload; errorData is an opaque caller-defined blob (e.g. a serialized
// exception), appended after the fixed header.
func EncodeError(streamId uint64, errorCode uint32, errorData []byte) []byte {
	b := make([]byte, 8+4+len(errorData))
	binary.LittleEndian.PutUint64(b[0:], streamId)
	binary.LittleEndian.PutUint32(b[8:], errorCode)
	copy(b[12:], errorData)
	return b
}

func DecodeError(b []byte) (streamId uint64, errorCode uint32, errorData []byte, ok bool) {
	if len(b) < 12 {
		return 0, 0, nil, false
	}
	return binary.LittleEndian.Uint64(b[0:]), binary.LittleEndian.Uint32(b[8:]), b[12:], true
}

// EncodeCancel builds a StreamCancel{stream_id} payload, sent by a reader
// that wants to stop early.
func EncodeCancel(streamId uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, streamId)
	return b
}

func DecodeCancel(b []byte) (streamId uint64, ok bool) {
	if len(b) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// frameWithHeader wraps payload with the 16-byte wire.Header for msgId,
// ready for a session's WriteFrame/SendOneWay.
func frameWithHeader(msgId wire.MessageId, requestId uint32, payload []byte) []byte {
	b := make([]byte, wire.HeaderSize+len(payload))
	h := wire.Header{Size: uint32(len(payload)), MsgId: msgId, MsgType: wire.Request, RequestId: requestId}
	h.Encode(b)
	copy(b[wire.HeaderSize:], payload)
	return b
}
