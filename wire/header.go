// Package wire defines the fixed-size frame header, message kind taxonomy,
// and call-header layout shared by every transport.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import "encoding/binary"

// MessageId tags the kind of a frame; it occupies one byte of Header.
type MessageId uint8

const (
	FunctionCall MessageId = iota + 1
	Success
	BlockResponse
	Exception
	AddReference
	ReleaseObject
	StreamInitialization
	StreamDataChunk
	StreamCompletion
	StreamError
	StreamCancellation

	ErrorPoaNotExist
	ErrorObjectNotExist
	ErrorUnknownFunctionIdx
	ErrorUnknownMessageId
	ErrorBadAccess
	ErrorBadInput
	ErrorCommFailure
)

func (m MessageId) String() string {
	switch m {
	case FunctionCall:
		return "FunctionCall"
	case Success:
		return "Success"
	case BlockResponse:
		return "BlockResponse"
	case Exception:
		return "Exception"
	case AddReference:
		return "AddReference"
	case ReleaseObject:
		return "ReleaseObject"
	case StreamInitialization:
		return "StreamInitialization"
	case StreamDataChunk:
		return "StreamDataChunk"
	case StreamCompletion:
		return "StreamCompletion"
	case StreamError:
		return "StreamError"
	case StreamCancellation:
		return "StreamCancellation"
	case ErrorPoaNotExist:
		return "Error_PoaNotExist"
	case ErrorObjectNotExist:
		return "Error_ObjectNotExist"
	case ErrorUnknownFunctionIdx:
		return "Error_UnknownFunctionIdx"
	case ErrorUnknownMessageId:
		return "Error_UnknownMessageId"
	case ErrorBadAccess:
		return "Error_BadAccess"
	case ErrorBadInput:
		return "Error_BadInput"
	case ErrorCommFailure:
		return "Error_CommFailure"
	default:
		return "Unknown"
	}
}

// IsError reports whether m is one of the standard Error_* reply kinds.
func (m MessageId) IsError() bool { return m >= ErrorPoaNotExist && m <= ErrorCommFailure }

type MessageType uint8

const (
	Request MessageType = iota + 1
	Answer
)

// HeaderSize is the fixed 16-byte frame header present at the front of
// every message, regardless of transport.
const HeaderSize = 16

// Header is the fixed leading 16 bytes of every frame.
type Header struct {
	Size      uint32 // payload size, excludes the header itself
	MsgId     MessageId
	MsgType   MessageType
	_         [2]byte // padding to keep RequestId 4-byte aligned
	RequestId uint32
}

func (h *Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:4], h.Size)
	b[4] = byte(h.MsgId)
	b[5] = byte(h.MsgType)
	b[6], b[7] = 0, 0
	binary.LittleEndian.PutUint32(b[8:12], h.RequestId)
	// bytes 12..16 reserved/padding
	b[12], b[13], b[14], b[15] = 0, 0, 0, 0
}

func DecodeHeader(b []byte) (h Header, ok bool) {
	if len(b) < HeaderSize {
		return h, false
	}
	h.Size = binary.LittleEndian.Uint32(b[0:4])
	h.MsgId = MessageId(b[4])
	h.MsgType = MessageType(b[5])
	h.RequestId = binary.LittleEndian.Uint32(b[8:12])
	return h, true
}

// CallHeader follows the wire Header for a FunctionCall message.
const CallHeaderSize = 12

type CallHeader struct {
	PoaIdx       uint16
	InterfaceIdx uint8
	FunctionIdx  uint8
	ObjectId     uint64
}

func (c *CallHeader) Encode(b []byte) {
	_ = b[CallHeaderSize-1]
	binary.LittleEndian.PutUint16(b[0:2], c.PoaIdx)
	b[2] = c.InterfaceIdx
	b[3] = c.FunctionIdx
	binary.LittleEndian.PutUint64(b[4:12], c.ObjectId)
}

func DecodeCallHeader(b []byte) (c CallHeader, ok bool) {
	if len(b) < CallHeaderSize {
		return c, false
	}
	c.PoaIdx = binary.LittleEndian.Uint16(b[0:2])
	c.InterfaceIdx = b[2]
	c.FunctionIdx = b[3]
	c.ObjectId = binary.LittleEndian.Uint64(b[4:12])
	return c, true
}

// ObjectIdLocal is the compact wire form used by AddReference/ReleaseObject:
// an object id plus its owning poa index, padded to 16 bytes.
const ObjectIdLocalSize = 16

type ObjectIdLocal struct {
	ObjectId uint64
	PoaIdx   uint16
}

func (o *ObjectIdLocal) Encode(b []byte) {
	_ = b[ObjectIdLocalSize-1]
	binary.LittleEndian.PutUint64(b[0:8], o.ObjectId)
	binary.LittleEndian.PutUint16(b[8:10], o.PoaIdx)
	for i := 10; i < ObjectIdLocalSize; i++ {
		b[i] = 0
	}
}

func DecodeObjectIdLocal(b []byte) (o ObjectIdLocal, ok bool) {
	if len(b) < ObjectIdLocalSize {
		return o, false
	}
	o.ObjectId = binary.LittleEndian.Uint64(b[0:8])
	o.PoaIdx = binary.LittleEndian.Uint16(b[8:10])
	return o, true
}

// Object flags, carried in FullObjectId.Flags.
const (
	FlagPersistent uint32 = 1 << iota
	FlagTethered
)

// FullObjectId is the form embedded inside user argument structs: adds the
// 16-byte origin GUID, flags, class-id and url-list strings. Those last two
// are flat-buffer string views resolved by the caller; FullObjectId here
// only carries the fixed-size portion.
type FullObjectId struct {
	ObjectIdLocal
	Origin [16]byte
	Flags  uint32
}

// MakeSimpleAnswer writes a 16-byte standard-reply header (Success or one
// of the Error_* kinds) with the given request id into b, which must be at
// least HeaderSize bytes.
func MakeSimpleAnswer(b []byte, msgId MessageId, requestId uint32) {
	h := Header{Size: 0, MsgId: msgId, MsgType: Answer, RequestId: requestId}
	h.Encode(b)
}
