// Package proxy implements the client-side object reference: endpoint
// selection among an object's advertised URLs, and the distributed
// reference count that tells the servant's process when the last proxy
// pointing at an object has gone away.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/wire"
)

// ErrNoEndpoint is returned when none of an object's advertised urls are
// usable from this process (e.g. only mem:// was advertised for an object
// that is not on this host).
var ErrNoEndpoint = errors.New("proxy: no usable endpoint in object urls")

// Sender is the minimal send surface a proxy needs from whichever transport
// session backs the selected endpoint: a one-way send for AddReference/
// ReleaseObject, used fire-and-forget (best effort — the servant's process
// reaps abandoned references on session teardown regardless, see
// poa.ReferenceList.Close via session.Common.Shutdown).
type Sender interface {
	SendOneWay(frame []byte) error
}

// SelectEndpoint chooses which of an object's advertised endpoints this
// process should use, in the order the original implementation's
// Object::select_endpoint applies: shared memory (same host only) beats
// quic beats udp beats tcp beats ws beats wss. tcp/ws/udp endpoints
// advertising 127.0.0.1/localhost are rewritten to the remote host's real
// address unless this process and the object's owner are the same host
// (determined by process GUID match passed in as sameHost); quic is never
// rewritten since its TLS SNI must match the hostname the certificate was
// issued for.
func SelectEndpoint(urls []endpoint.Endpoint, sameHost bool, remoteHost string) (endpoint.Endpoint, error) {
	var mem, quic, udp, tcp, ws, wss *endpoint.Endpoint

	for i := range urls {
		e := &urls[i]
		switch e.Scheme {
		case endpoint.SharedMemory:
			if sameHost && mem == nil {
				mem = e
			}
		case endpoint.Quic:
			if quic == nil {
				quic = e
			}
		case endpoint.Udp:
			if udp == nil {
				udp = e
			}
		case endpoint.Tcp, endpoint.TcpTethered:
			if tcp == nil {
				tcp = e
			}
		case endpoint.WebSocket:
			if ws == nil {
				ws = e
			}
		case endpoint.SecuredWebSocket:
			if wss == nil {
				wss = e
			}
		}
	}

	switch {
	case mem != nil:
		return *mem, nil
	case quic != nil:
		return *quic, nil
	case udp != nil:
		return rewriteIfNeeded(*udp, sameHost, remoteHost), nil
	case tcp != nil:
		return rewriteIfNeeded(*tcp, sameHost, remoteHost), nil
	case ws != nil:
		return rewriteIfNeeded(*ws, sameHost, remoteHost), nil
	case wss != nil:
		return *wss, nil
	default:
		return endpoint.Endpoint{}, ErrNoEndpoint
	}
}

func rewriteIfNeeded(e endpoint.Endpoint, sameHost bool, remoteHost string) endpoint.Endpoint {
	if sameHost || remoteHost == "" {
		return e
	}
	return endpoint.RewriteLoopback(e, remoteHost)
}

// Object is a client-side handle to a remote servant: the selected
// endpoint, the (poa_idx, object_id) pair that addresses it on that
// endpoint, and the distributed reference count that decides when to tell
// the servant's process this side is done with it.
type Object struct {
	PoaIdx       uint16
	ObjectId     uint64
	Origin       [16]byte
	Endpoint     endpoint.Endpoint
	InterfaceIdx uint8

	mu      sync.Mutex
	sender  Sender
	localRC int32
}

// NewObject wraps an already-resolved endpoint and id pair; sender is the
// transport session's one-way send surface, bound once the proxy's
// connection to Endpoint is established.
func NewObject(poaIdx uint16, objectId uint64, origin [16]byte, ep endpoint.Endpoint, ifaceIdx uint8, sender Sender) *Object {
	return &Object{PoaIdx: poaIdx, ObjectId: objectId, Origin: origin, Endpoint: ep, InterfaceIdx: ifaceIdx, sender: sender}
}

// AddRef bumps this process's local reference count on the object; on the
// 0→1 transition it best-effort notifies the servant's process via a
// one-way AddReference message, matching the original's add_ref semantics
// for transient objects (AddReference increments the servant-side
// distributed count so it isn't garbage-collected while this proxy holds
// it).
func (o *Object) AddRef() {
	if atomic.AddInt32(&o.localRC, 1) != 1 {
		return
	}
	o.sendOneWay(wire.AddReference)
}

// Release drops this process's local reference count; on the last-release
// transition it best-effort notifies the servant's process via a one-way
// ReleaseObject message so a Transient-lifespan object can be deactivated
// promptly instead of waiting for session teardown.
func (o *Object) Release() {
	if atomic.AddInt32(&o.localRC, -1) != 0 {
		return
	}
	o.sendOneWay(wire.ReleaseObject)
}

func (o *Object) sendOneWay(msgId wire.MessageId) {
	o.mu.Lock()
	sender := o.sender
	o.mu.Unlock()
	if sender == nil {
		return
	}

	frame := make([]byte, wire.HeaderSize+wire.ObjectIdLocalSize)
	hdr := wire.Header{Size: wire.ObjectIdLocalSize, MsgId: msgId, MsgType: wire.Request, RequestId: 0}
	hdr.Encode(frame)
	oid := wire.ObjectIdLocal{ObjectId: o.ObjectId, PoaIdx: o.PoaIdx}
	oid.Encode(frame[wire.HeaderSize:])

	_ = sender.SendOneWay(frame) // best effort: session teardown is the backstop
}

// Rebind swaps in a new sender, used once a lazily-dialed connection to
// Endpoint finally completes.
func (o *Object) Rebind(sender Sender) {
	o.mu.Lock()
	o.sender = sender
	o.mu.Unlock()
}
