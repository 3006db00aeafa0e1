package rpc_test

import (
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikitapn/nprpc-sub000/config"
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/flat"
	"github.com/nikitapn/nprpc-sub000/poa"
	"github.com/nikitapn/nprpc-sub000/rpc"
	"github.com/nikitapn/nprpc-sub000/session"
	"github.com/nikitapn/nprpc-sub000/wire"
)

// fakePeer is a minimal rpc.Peer double: no real transport, just a captured
// outbound frame list and a live session.Context so RefList/StreamMgr work.
type fakePeer struct {
	mu     sync.Mutex
	out    [][]byte
	closed bool
	ctx    *session.Context
}

func newFakePeer() *fakePeer {
	return &fakePeer{ctx: session.NewContext(endpoint.Endpoint{Scheme: endpoint.Tcp, Host: "127.0.0.1", Port: 1}, 8)}
}

func (f *fakePeer) WriteFrame(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, append([]byte(nil), b...))
	return nil
}
func (f *fakePeer) RemoteEndpoint() endpoint.Endpoint { return f.ctx.RemoteEndpoint }
func (f *fakePeer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakePeer) Context() *session.Context { return f.ctx }
func (f *fakePeer) Resolve(requestId uint32, buf *flat.Buffer) {}

func (f *fakePeer) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return nil
	}
	return f.out[len(f.out)-1]
}

func (f *fakePeer) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

// echoServant replies with the fixed 4-byte value 0xCAFEBABE if askForReply
// is set, otherwise leaves tx untouched (Success path).
type echoServant struct {
	class         string
	askForReply   bool
	dispatchErr   error
	lastFunction  uint8
}

func (s *echoServant) GetClass() string { return s.class }
func (s *echoServant) Dispatch(functionIdx uint8, rx, tx *flat.Buffer) error {
	s.lastFunction = functionIdx
	if s.dispatchErr != nil {
		return s.dispatchErr
	}
	if s.askForReply {
		off, err := tx.Alloc(4)
		if err != nil {
			return err
		}
		tx.PutU32(off, 0xCAFEBABE)
	}
	return nil
}

// untrustedServant rejects any call whose argument struct's single vector
// field (at offset 0) doesn't fit inside rx, exercising the router's
// safety-check pass ahead of Dispatch.
type untrustedServant struct {
	echoServant
	dispatched bool
}

func (s *untrustedServant) CallFields(functionIdx uint8) (int, []flat.FieldDescriptor, bool) {
	return 8, []flat.FieldDescriptor{{Offset: 0, Kind: flat.KindVector, ElemSize: 1}}, true
}

func (s *untrustedServant) Dispatch(functionIdx uint8, rx, tx *flat.Buffer) error {
	s.dispatched = true
	return s.echoServant.Dispatch(functionIdx, rx, tx)
}

func TestDispatchFunctionCallUntrustedSafetyCheckRejectsBadVector(t *testing.T) {
	r := newTestRpc()
	p := r.CreatePoa(4, poa.Transient, poa.SystemGenerated)
	servant := &untrustedServant{echoServant: echoServant{class: "Untrusted"}}
	objId, _ := r.ActivateObject(p, servant, poa.ActivateTCP, 0, nil)

	peer := newFakePeer()
	callFrame := encodeFunctionCall(1, p.PoaIdx, objId, 0)

	// fabricate an 8-byte argument struct whose vector offset/count point
	// past the end of the buffer, matching the wire spec's bad-vector case.
	argBuf := make([]byte, 8)
	argBuf[0] = 0xEF
	argBuf[1] = 0xBE
	argBuf[2] = 0xAD
	argBuf[3] = 0xDE
	frame := append(callFrame, argBuf...)
	h, _ := wire.DecodeHeader(frame)
	h.Size = uint32(len(frame) - wire.HeaderSize)
	h.Encode(frame)

	r.Dispatch(peer, frame)

	reply := peer.lastFrame()
	if got := decodeReplyMsgId(t, reply); got != wire.ErrorBadInput {
		t.Fatalf("expected Error_BadInput, got %v", got)
	}
	if servant.dispatched {
		t.Fatalf("servant Dispatch must not run once the safety check fails")
	}
}

func newTestRpc() *rpc.Rpc {
	cfg := config.Default()
	cfg.Hostname = "127.0.0.1"
	cfg.ListenTCPPort = 9000
	cfg.ListenQuicPort = 9443
	return rpc.New(cfg, prometheus.NewRegistry())
}

func encodeFunctionCall(requestId uint32, poaIdx uint16, objectId uint64, functionIdx uint8) []byte {
	ch := wire.CallHeader{PoaIdx: poaIdx, FunctionIdx: functionIdx, ObjectId: objectId}
	payload := make([]byte, wire.CallHeaderSize)
	ch.Encode(payload)

	frame := make([]byte, wire.HeaderSize+len(payload))
	h := wire.Header{Size: uint32(len(payload)), MsgId: wire.FunctionCall, MsgType: wire.Request, RequestId: requestId}
	h.Encode(frame)
	copy(frame[wire.HeaderSize:], payload)
	return frame
}

func decodeReplyMsgId(t *testing.T, frame []byte) wire.MessageId {
	t.Helper()
	h, ok := wire.DecodeHeader(frame)
	if !ok {
		t.Fatalf("reply frame too short")
	}
	return h.MsgId
}

func TestDispatchFunctionCallSuccess(t *testing.T) {
	r := newTestRpc()
	p := r.CreatePoa(4, poa.Transient, poa.SystemGenerated)
	objId, err := r.ActivateObject(p, &echoServant{class: "Foo"}, poa.ActivateTCP, 0, nil)
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}

	peer := newFakePeer()
	frame := encodeFunctionCall(42, p.PoaIdx, objId, 3)
	r.Dispatch(peer, frame)

	reply := peer.lastFrame()
	if reply == nil {
		t.Fatalf("expected a reply frame")
	}
	if got := decodeReplyMsgId(t, reply); got != wire.Success {
		t.Fatalf("expected Success, got %v", got)
	}
}

func TestDispatchFunctionCallBlockResponse(t *testing.T) {
	r := newTestRpc()
	p := r.CreatePoa(4, poa.Transient, poa.SystemGenerated)
	objId, _ := r.ActivateObject(p, &echoServant{class: "Foo", askForReply: true}, poa.ActivateTCP, 0, nil)

	peer := newFakePeer()
	r.Dispatch(peer, encodeFunctionCall(1, p.PoaIdx, objId, 7))

	reply := peer.lastFrame()
	if reply == nil {
		t.Fatalf("expected a reply frame")
	}
	if got := decodeReplyMsgId(t, reply); got != wire.BlockResponse {
		t.Fatalf("expected BlockResponse, got %v", got)
	}
	h, _ := wire.DecodeHeader(reply)
	if h.Size != 4 {
		t.Fatalf("expected 4-byte payload, got %d", h.Size)
	}
}

func TestDispatchFunctionCallUnknownDispatchArmErrorsAsUnknownFunctionIdx(t *testing.T) {
	r := newTestRpc()
	p := r.CreatePoa(4, poa.Transient, poa.SystemGenerated)
	objId, _ := r.ActivateObject(p, &echoServant{class: "Foo", dispatchErr: io.ErrUnexpectedEOF}, poa.ActivateTCP, 0, nil)

	peer := newFakePeer()
	r.Dispatch(peer, encodeFunctionCall(1, p.PoaIdx, objId, 0))

	reply := peer.lastFrame()
	if got := decodeReplyMsgId(t, reply); got != wire.ErrorUnknownFunctionIdx {
		t.Fatalf("expected Error_UnknownFunctionIdx, got %v", got)
	}
}

func TestDispatchFunctionCallWrongTransportErrorsAsBadAccess(t *testing.T) {
	r := newTestRpc()
	p := r.CreatePoa(4, poa.Transient, poa.SystemGenerated)
	objId, _ := r.ActivateObject(p, &echoServant{class: "Foo"}, poa.ActivateQuic, 0, nil)

	peer := newFakePeer() // fakePeer's endpoint scheme is endpoint.Tcp
	r.Dispatch(peer, encodeFunctionCall(1, p.PoaIdx, objId, 0))

	reply := peer.lastFrame()
	if got := decodeReplyMsgId(t, reply); got != wire.ErrorBadAccess {
		t.Fatalf("expected Error_BadAccess, got %v", got)
	}
}

func TestDispatchFunctionCallUnknownPoa(t *testing.T) {
	r := newTestRpc()
	peer := newFakePeer()
	r.Dispatch(peer, encodeFunctionCall(1, 99, 1, 0))

	reply := peer.lastFrame()
	if got := decodeReplyMsgId(t, reply); got != wire.ErrorPoaNotExist {
		t.Fatalf("expected Error_PoaNotExist, got %v", got)
	}
}

func TestDispatchFunctionCallUnknownObject(t *testing.T) {
	r := newTestRpc()
	p := r.CreatePoa(4, poa.Transient, poa.SystemGenerated)

	peer := newFakePeer()
	r.Dispatch(peer, encodeFunctionCall(1, p.PoaIdx, 12345, 0))

	reply := peer.lastFrame()
	if got := decodeReplyMsgId(t, reply); got != wire.ErrorObjectNotExist {
		t.Fatalf("expected Error_ObjectNotExist, got %v", got)
	}
}

func TestDispatchUnknownMessageId(t *testing.T) {
	r := newTestRpc()
	peer := newFakePeer()

	frame := make([]byte, wire.HeaderSize)
	h := wire.Header{Size: 0, MsgId: 200, MsgType: wire.Request, RequestId: 5}
	h.Encode(frame)
	r.Dispatch(peer, frame)

	reply := peer.lastFrame()
	if got := decodeReplyMsgId(t, reply); got != wire.ErrorUnknownMessageId {
		t.Fatalf("expected Error_UnknownMessageId, got %v", got)
	}
}

func TestDispatchAddReferenceAndReleaseObject(t *testing.T) {
	r := newTestRpc()
	p := r.CreatePoa(4, poa.Transient, poa.SystemGenerated)
	objId, _ := r.ActivateObject(p, &echoServant{class: "Foo"}, poa.ActivateTCP, 0, nil)

	peer := newFakePeer()

	oid := wire.ObjectIdLocal{ObjectId: objId, PoaIdx: p.PoaIdx}
	payload := make([]byte, wire.ObjectIdLocalSize)
	oid.Encode(payload)
	frame := make([]byte, wire.HeaderSize+len(payload))
	h := wire.Header{Size: uint32(len(payload)), MsgId: wire.AddReference, MsgType: wire.Request}
	h.Encode(frame)
	copy(frame[wire.HeaderSize:], payload)

	r.Dispatch(peer, frame)
	if peer.Context().RefList.Len() != 1 {
		t.Fatalf("expected 1 held reference after AddReference, got %d", peer.Context().RefList.Len())
	}
	if peer.frameCount() != 0 {
		t.Fatalf("AddReference must not produce a reply frame")
	}

	frame[4] = byte(wire.ReleaseObject)
	r.Dispatch(peer, frame)
	if peer.Context().RefList.Len() != 0 {
		t.Fatalf("expected 0 held references after ReleaseObject, got %d", peer.Context().RefList.Len())
	}
}

func TestActivateObjectBuildsUrlListFromFlags(t *testing.T) {
	r := newTestRpc()
	p := r.CreatePoa(4, poa.Transient, poa.SystemGenerated)
	objId, err := r.ActivateObject(p, &echoServant{class: "Foo"}, poa.ActivateTCP|poa.ActivateQuic, 0, nil)
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}
	urls, err := p.URLList(objId)
	if err != nil {
		t.Fatalf("URLList: %v", err)
	}
	if urls == "" {
		t.Fatalf("expected a non-empty url list")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdownDrainsListenersAndSessionsAndIsIdempotent(t *testing.T) {
	r := newTestRpc()

	var listenerClosed bool
	r.TrackListener(closerFunc(func() error { listenerClosed = true; return nil }))

	peer := newFakePeer()
	r.TrackSession(peer)

	r.Shutdown()
	if !listenerClosed {
		t.Fatalf("expected tracked listener to be closed on shutdown")
	}
	peer.mu.Lock()
	closed := peer.closed
	peer.mu.Unlock()
	if !closed {
		t.Fatalf("expected tracked session to be closed on shutdown")
	}

	// idempotent: a second call must not panic or double-close.
	r.Shutdown()
}
