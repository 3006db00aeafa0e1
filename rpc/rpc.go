// Package rpc is the runtime's central router: it owns the POA table,
// dispatches inbound frames of every kind (FunctionCall, AddReference,
// ReleaseObject, stream messages, replies) to the right handler, and
// coordinates graceful shutdown across every listener and tracked session.
// It is the Go analogue of the original runtime's process-wide g_rpc
// singleton, minus the singleton: callers construct one Rpc per process
// (or per test) and pass it explicitly.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package rpc

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/cmn/rom"
	"github.com/nikitapn/nprpc-sub000/config"
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/flat"
	"github.com/nikitapn/nprpc-sub000/guid"
	"github.com/nikitapn/nprpc-sub000/hk"
	"github.com/nikitapn/nprpc-sub000/metrics"
	"github.com/nikitapn/nprpc-sub000/poa"
	"github.com/nikitapn/nprpc-sub000/session"
	"github.com/nikitapn/nprpc-sub000/stream"
	"github.com/nikitapn/nprpc-sub000/wire"
)

// wireTraceVerbosity/wireTraceModule gate Dispatch's per-frame trace log:
// enabled when either the global debug verbosity is at least this high or
// the "wire" module bit is explicitly turned on, matching the teacher's
// config.FastV(verbosity, module) call convention.
const (
	wireTraceVerbosity = 4
	wireTraceModule    = 1 << 0
)

// Peer is the subset of a concrete transport session the router needs:
// tcp.Session, ws.Session, shm.Session and quic.Session satisfy it via their
// embedded *session.Common plus their own WriteFrame/RemoteEndpoint/Close;
// UDP is served through UdpPeer, which implements every method itself.
type Peer interface {
	session.Sender
	Context() *session.Context
	Resolve(requestId uint32, buf *flat.Buffer)
}

// Rpc is the central router and object-table owner for one process.
type Rpc struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	originGUID [16]byte
	hk         *hk.Housekeeper

	mu         sync.Mutex
	poas       map[uint16]*poa.POA
	nextPoaIdx uint16

	listenersMu sync.Mutex
	listeners   []io.Closer

	sessionsMu sync.Mutex
	sessions   map[Peer]struct{}

	shuttingDown bool
}

// New constructs an Rpc bound to cfg, registering its metrics against reg
// (pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests).
func New(cfg *config.Config, reg prometheus.Registerer) *Rpc {
	cfg.Apply()
	r := &Rpc{
		cfg:        cfg,
		metrics:    metrics.New(reg),
		originGUID: guid.Process(),
		hk:         hk.New(),
		poas:       make(map[uint16]*poa.POA),
		sessions:   make(map[Peer]struct{}),
	}
	go r.hk.Run()
	r.hk.Reg("stream-idle-sweep"+hk.NameSuffix, r.sweepIdleStreams, streamSweepInterval)
	return r
}

// streamSweepInterval is how often the idle-stream sweep runs; independent
// of cfg.StreamIdleTimeout, which is the staleness threshold it sweeps by.
const streamSweepInterval = 30 * time.Second

// sweepIdleStreams is the housekeeping callback that tears down stream
// writers/readers that have carried no traffic for cfg.StreamIdleTimeout,
// across every session currently tracked. Reschedules itself by always
// returning a positive interval.
func (r *Rpc) sweepIdleStreams() time.Duration {
	r.sessionsMu.Lock()
	sessions := make([]Peer, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessionsMu.Unlock()

	swept := 0
	for _, s := range sessions {
		if mgr, ok := s.Context().StreamMgr.(*stream.Manager); ok && mgr != nil {
			swept += mgr.SweepIdle(r.cfg.StreamIdleTimeout)
		}
	}
	if swept > 0 {
		nlog.Infof("rpc: idle-stream sweep removed %d stale stream(s)", swept)
	}
	return streamSweepInterval
}

// Housekeeper exposes the runtime's periodic-task registry (also driving
// the idle-stream sweep registered in New) so callers can register their
// own periodic tasks against the same scheduler Shutdown stops.
func (r *Rpc) Housekeeper() *hk.Housekeeper { return r.hk }

func (r *Rpc) Metrics() *metrics.Metrics { return r.metrics }
func (r *Rpc) Config() *config.Config    { return r.cfg }

// CreatePoa allocates a new POA and assigns it the next free poa_idx.
func (r *Rpc) CreatePoa(maxObjects int, lifespan poa.Lifespan, idPolicy poa.IdPolicy) *poa.POA {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.nextPoaIdx
	r.nextPoaIdx++
	p := poa.New(idx, maxObjects, lifespan, idPolicy)
	r.poas[idx] = p
	return p
}

func (r *Rpc) poaByIdx(idx uint16) (*poa.POA, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.poas[idx]
	return p, ok
}

// ActivateObject binds servant into p, builds its URL list from flags and
// this process's configured listen addresses, and stamps the process
// origin GUID — the full §4.3 activation sequence.
func (r *Rpc) ActivateObject(p *poa.POA, servant poa.Servant, flags poa.ActivationFlags, requestedId uint64, ctx any) (uint64, error) {
	objectId, err := p.Activate(servant, flags, r.originGUID, requestedId, ctx)
	if err != nil {
		return 0, err
	}
	p.SetURLList(objectId, r.buildURLList(flags, objectId))
	if p.Lifespan == poa.Transient {
		if sctx, ok := ctx.(*session.Context); ok && sctx != nil && sctx.RefList != nil {
			_ = sctx.RefList.Add(p, objectId)
		}
	}
	return objectId, nil
}

// buildURLList concatenates one url per transport this process both
// listens on and flags requests activation for.
func (r *Rpc) buildURLList(flags poa.ActivationFlags, objectId uint64) string {
	var urls []string
	host := r.cfg.Hostname
	if flags&poa.ActivateTCP != 0 && r.cfg.ListenTCPPort != 0 {
		urls = append(urls, endpoint.Endpoint{Scheme: endpoint.Tcp, Host: host, Port: r.cfg.ListenTCPPort}.String())
	}
	if flags&poa.ActivateWS != 0 && r.cfg.ListenHTTPPort != 0 {
		urls = append(urls, endpoint.Endpoint{Scheme: endpoint.WebSocket, Host: host, Port: r.cfg.ListenHTTPPort}.String())
	}
	if flags&poa.ActivateWSS != 0 && r.cfg.ListenHTTPPort != 0 {
		urls = append(urls, endpoint.Endpoint{Scheme: endpoint.SecuredWebSocket, Host: host, Port: r.cfg.ListenHTTPPort}.String())
	}
	if flags&poa.ActivateUDP != 0 && r.cfg.ListenUDPPort != 0 {
		urls = append(urls, endpoint.Endpoint{Scheme: endpoint.Udp, Host: host, Port: r.cfg.ListenUDPPort}.String())
	}
	if flags&poa.ActivateQuic != 0 && r.cfg.ListenQuicPort != 0 {
		urls = append(urls, endpoint.Endpoint{Scheme: endpoint.Quic, Host: host, Port: r.cfg.ListenQuicPort}.String())
	}
	if flags&poa.ActivateSHM != 0 {
		urls = append(urls, endpoint.Endpoint{Scheme: endpoint.SharedMemory, ChannelId: fmt.Sprintf("%d", objectId)}.String())
	}
	return endpoint.JoinList(urls)
}

// schemeActivationFlag maps the transport a call arrived over to the
// ActivationFlags bit that permits it, the inverse of buildURLList's
// flags-to-scheme direction; Unknown and any scheme with no activation bit
// of its own (there is none today) yields 0, which never matches any
// object's stored flags and so is always rejected.
func schemeActivationFlag(s endpoint.Scheme) poa.ActivationFlags {
	switch s {
	case endpoint.Tcp, endpoint.TcpTethered:
		return poa.ActivateTCP
	case endpoint.WebSocket:
		return poa.ActivateWS
	case endpoint.SecuredWebSocket:
		return poa.ActivateWSS
	case endpoint.Udp:
		return poa.ActivateUDP
	case endpoint.Quic:
		return poa.ActivateQuic
	case endpoint.SharedMemory:
		return poa.ActivateSHM
	default:
		return 0
	}
}

// TrackSession registers peer so Shutdown can drain it; transports call
// this right after constructing a server-side session and the matching
// UntrackSession once it closes.
func (r *Rpc) TrackSession(p Peer) {
	r.sessionsMu.Lock()
	r.sessions[p] = struct{}{}
	r.sessionsMu.Unlock()
	r.metrics.SessionOpened(p.RemoteEndpoint().Scheme.String())
}

func (r *Rpc) UntrackSession(p Peer) {
	r.sessionsMu.Lock()
	delete(r.sessions, p)
	r.sessionsMu.Unlock()
	if mgr, ok := p.Context().StreamMgr.(*stream.Manager); ok && mgr != nil {
		mgr.CloseAll()
	}
	r.metrics.SessionClosed(p.RemoteEndpoint().Scheme.String())
}

// TrackListener registers l so Shutdown closes it before draining sessions,
// stopping new connections/channels from being accepted mid-drain.
func (r *Rpc) TrackListener(l io.Closer) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

// Dispatch is the single entry point every transport's dispatch callback
// invokes for an inbound frame: it implements the full §4.1 routing
// contract (FunctionCall / AddReference / ReleaseObject / stream messages /
// replies).
func (r *Rpc) Dispatch(p Peer, frame []byte) {
	h, ok := wire.DecodeHeader(frame)
	if !ok {
		nlog.Warningf("rpc: frame too short to decode header from %s", p.RemoteEndpoint())
		return
	}
	payload := frame[wire.HeaderSize:]
	start := time.Now()

	if rom.Rom.FastV(wireTraceVerbosity, wireTraceModule) && h.MsgId != wire.FunctionCall {
		nlog.Infof("rpc: dispatch msg_id=%s request_id=%d from %s", h.MsgId, h.RequestId, p.RemoteEndpoint())
	}

	switch {
	case h.MsgType == wire.Answer || h.MsgId == wire.BlockResponse || h.MsgId == wire.Exception || h.MsgId.IsError():
		reply := flat.NewOwned(len(payload))
		if off, err := reply.Alloc(len(payload)); err == nil {
			copy(reply.Bytes()[off:], payload)
		}
		p.Resolve(h.RequestId, reply)
		return
	case h.MsgId == wire.FunctionCall:
		r.handleFunctionCall(p, h, payload, start)
	case h.MsgId == wire.AddReference:
		r.handleAddReference(p, payload)
	case h.MsgId == wire.ReleaseObject:
		r.handleReleaseObject(p, payload)
	case h.MsgId == wire.StreamInitialization, h.MsgId == wire.StreamDataChunk,
		h.MsgId == wire.StreamCompletion, h.MsgId == wire.StreamError, h.MsgId == wire.StreamCancellation:
		r.handleStreamMessage(p, h.MsgId, payload)
	default:
		r.replyError(p, wire.ErrorUnknownMessageId, h.RequestId)
	}
}

func (r *Rpc) handleFunctionCall(p Peer, h wire.Header, payload []byte, start time.Time) {
	ch, ok := wire.DecodeCallHeader(payload)
	if !ok {
		r.replyError(p, wire.ErrorBadInput, h.RequestId)
		return
	}

	if rom.Rom.FastV(wireTraceVerbosity, wireTraceModule) {
		nlog.Infof("rpc: dispatch msg_id=%s request_id=%d poa_idx=%d object_id=%d function_idx=%d",
			wire.FunctionCall, h.RequestId, ch.PoaIdx, ch.ObjectId, ch.FunctionIdx)
	}

	pobj, ok := r.poaByIdx(ch.PoaIdx)
	if !ok {
		r.replyError(p, wire.ErrorPoaNotExist, h.RequestId)
		r.observe(wire.FunctionCall, wire.ErrorPoaNotExist, start)
		return
	}

	guard, err := pobj.Get(ch.ObjectId)
	if err != nil {
		r.replyError(p, wire.ErrorObjectNotExist, h.RequestId)
		r.observe(wire.FunctionCall, wire.ErrorObjectNotExist, start)
		return
	}
	defer guard.Release()

	if flags, ferr := pobj.Flags(ch.ObjectId); ferr == nil && flags&schemeActivationFlag(p.RemoteEndpoint().Scheme) == 0 {
		nlog.Warningf("rpc: %s denied %s#%d to object %d not activated for that transport",
			p.RemoteEndpoint(), guard.Servant().GetClass(), ch.FunctionIdx, ch.ObjectId)
		r.replyError(p, wire.ErrorBadAccess, h.RequestId)
		r.observe(wire.FunctionCall, wire.ErrorBadAccess, start)
		return
	}

	args := payload[wire.CallHeaderSize:]
	rx := flat.NewOwned(len(args))
	if off, err := rx.Alloc(len(args)); err == nil {
		copy(rx.Bytes()[off:], args)
	}
	tx := flat.NewOwned(256)

	if us, ok := guard.Servant().(poa.UntrustedServant); ok {
		if structSize, fields, has := us.CallFields(ch.FunctionIdx); has {
			if err := rx.ValidateStruct(0, structSize, fields); err != nil {
				nlog.Warningf("rpc: safety check failed for %s#%d from %s: %v",
					guard.Servant().GetClass(), ch.FunctionIdx, p.RemoteEndpoint(), err)
				r.replyError(p, wire.ErrorBadInput, h.RequestId)
				r.observe(wire.FunctionCall, wire.ErrorBadInput, start)
				return
			}
		}
	}

	// The generated dispatch method's switch on function_idx has exactly one
	// failure mode of its own, the default case falling through with no
	// matching arm; a servant's Dispatch returns a non-nil error only for
	// that case (an application-level failure is instead serialized as an
	// Exception reply by the servant itself, never as a Go error).
	if err := guard.Servant().Dispatch(ch.FunctionIdx, rx, tx); err != nil {
		nlog.Warningf("rpc: %s#%d has no dispatch arm: %v", guard.Servant().GetClass(), ch.FunctionIdx, err)
		r.replyError(p, wire.ErrorUnknownFunctionIdx, h.RequestId)
		r.observe(wire.FunctionCall, wire.ErrorUnknownFunctionIdx, start)
		return
	}

	if tx.Size() == 0 {
		r.replySuccess(p, h.RequestId)
		r.observe(wire.FunctionCall, wire.Success, start)
		return
	}

	out := make([]byte, wire.HeaderSize+tx.Size())
	hdr := wire.Header{Size: uint32(tx.Size()), MsgId: wire.BlockResponse, MsgType: wire.Answer, RequestId: h.RequestId}
	hdr.Encode(out)
	copy(out[wire.HeaderSize:], tx.Bytes())
	if err := p.WriteFrame(out); err != nil {
		nlog.Warningf("rpc: failed to send reply to %s: %v", p.RemoteEndpoint(), err)
	}
	r.observe(wire.FunctionCall, wire.BlockResponse, start)
}

func (r *Rpc) handleAddReference(p Peer, payload []byte) {
	oid, ok := wire.DecodeObjectIdLocal(payload)
	if !ok {
		nlog.Warningf("rpc: malformed AddReference from %s", p.RemoteEndpoint())
		return
	}
	pobj, ok := r.poaByIdx(oid.PoaIdx)
	if !ok {
		return
	}
	if err := p.Context().RefList.Add(pobj, oid.ObjectId); err != nil {
		nlog.Warningf("rpc: AddReference dropped for poa %d object %d: %v", oid.PoaIdx, oid.ObjectId, err)
	}
	r.metrics.SetReferencesAlive(p.Context().RefList.Len())
}

func (r *Rpc) handleReleaseObject(p Peer, payload []byte) {
	oid, ok := wire.DecodeObjectIdLocal(payload)
	if !ok {
		nlog.Warningf("rpc: malformed ReleaseObject from %s", p.RemoteEndpoint())
		return
	}
	if err := p.Context().RefList.Remove(oid.PoaIdx, oid.ObjectId); err != nil {
		nlog.Warningf("rpc: ReleaseObject failed for poa %d object %d: %v", oid.PoaIdx, oid.ObjectId, err)
	}
	r.metrics.SetReferencesAlive(p.Context().RefList.Len())
}

// StreamManagerFor lazily creates and attaches the per-session stream
// manager the first time either side needs one, storing it on ctx.StreamMgr
// so the router and the servant/proxy streaming code share the same table.
func (r *Rpc) StreamManagerFor(p Peer) *stream.Manager {
	ctx := p.Context()
	if mgr, ok := ctx.StreamMgr.(*stream.Manager); ok && mgr != nil {
		return mgr
	}
	mgr := stream.NewManager(p.WriteFrame)
	ctx.StreamMgr = mgr
	return mgr
}

func (r *Rpc) handleStreamMessage(p Peer, msgId wire.MessageId, payload []byte) {
	mgr := r.StreamManagerFor(p)
	switch msgId {
	case wire.StreamInitialization:
		// Router-level wiring stops at decoding; it is the application
		// layer's job (the generated servant stub for a streaming method)
		// to call mgr.RegisterWriter once it decides to accept the stream.
		if _, _, _, _, _, ok := stream.DecodeInit(payload); !ok {
			nlog.Warningf("rpc: malformed StreamInitialization from %s", p.RemoteEndpoint())
		}
	case wire.StreamDataChunk:
		if streamId, seq, win, data, ok := stream.DecodeChunk(payload); ok {
			mgr.HandleChunk(streamId, seq, win, data)
		}
	case wire.StreamCompletion:
		if streamId, finalSeq, ok := stream.DecodeComplete(payload); ok {
			mgr.HandleComplete(streamId, finalSeq)
		}
	case wire.StreamError:
		if streamId, code, data, ok := stream.DecodeError(payload); ok {
			mgr.HandleError(streamId, code, data)
		}
	case wire.StreamCancellation:
		if streamId, ok := stream.DecodeCancel(payload); ok {
			mgr.HandleCancel(streamId)
		}
	}
}

func (r *Rpc) replySuccess(p Peer, requestId uint32) {
	b := make([]byte, wire.HeaderSize)
	wire.MakeSimpleAnswer(b, wire.Success, requestId)
	if err := p.WriteFrame(b); err != nil {
		nlog.Warningf("rpc: failed to send Success to %s: %v", p.RemoteEndpoint(), err)
	}
}

func (r *Rpc) replyError(p Peer, msgId wire.MessageId, requestId uint32) {
	b := make([]byte, wire.HeaderSize)
	wire.MakeSimpleAnswer(b, msgId, requestId)
	if err := p.WriteFrame(b); err != nil {
		nlog.Warningf("rpc: failed to send %s to %s: %v", msgId, p.RemoteEndpoint(), err)
	}
}

func (r *Rpc) observe(callMsgId, replyMsgId wire.MessageId, start time.Time) {
	r.metrics.ObserveCall(callMsgId, replyMsgId, time.Since(start).Seconds())
}

// Shutdown drains the runtime: it closes every tracked listener first (so
// no new connection/channel can be accepted mid-drain), then shuts down
// every tracked session (idempotent per-session Shutdown: fails pending
// calls, closes the transport), then stops housekeeping.
func (r *Rpc) Shutdown() {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return
	}
	r.shuttingDown = true
	r.mu.Unlock()

	r.listenersMu.Lock()
	listeners := r.listeners
	r.listeners = nil
	r.listenersMu.Unlock()
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			nlog.Warningf("rpc: error closing listener during shutdown: %v", err)
		}
	}

	r.sessionsMu.Lock()
	sessions := make([]Peer, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[Peer]struct{})
	r.sessionsMu.Unlock()

	// Sessions are closed fan-in, not one at a time: a session's Close can
	// block on its own transport teardown (e.g. a TCP FIN round trip), and
	// a process holding thousands of sessions would otherwise serialize a
	// shutdown that has no ordering dependency between sessions.
	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if mgr, ok := s.Context().StreamMgr.(*stream.Manager); ok && mgr != nil {
				mgr.CloseAll()
			}
			if sh, ok := s.(interface{ Shutdown() }); ok {
				sh.Shutdown()
			} else if err := s.Close(); err != nil {
				nlog.Warningf("rpc: error closing session during shutdown: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.hk.Stop()
	nlog.Infof("rpc: shutdown complete (%d listeners, %d sessions drained)", len(listeners), len(sessions))
}
