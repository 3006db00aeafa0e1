package rpc

import (
	"github.com/nikitapn/nprpc-sub000/endpoint"
	"github.com/nikitapn/nprpc-sub000/flat"
	"github.com/nikitapn/nprpc-sub000/session"
	"github.com/nikitapn/nprpc-sub000/transport/udp"
)

// UdpPeer adapts a udp.Connection (which has no persistent session object
// of its own — see transport/udp's package doc) to rpc.Peer, giving each
// remote UDP address the per-peer session.Context (reference list, stream
// manager) a FunctionCall dispatched over it needs. NewUdpPeer builds a
// fresh peer with a fresh Context on every call; this type keeps no
// per-address cache of its own.
type UdpPeer struct {
	conn *udp.Connection
	ctx  *session.Context
}

func NewUdpPeer(conn *udp.Connection, maxRefs int) *UdpPeer {
	return &UdpPeer{conn: conn, ctx: session.NewContext(conn.RemoteEndpoint(), maxRefs)}
}

func (p *UdpPeer) WriteFrame(frame []byte) error     { return p.conn.SendUnreliable(frame) }
func (p *UdpPeer) RemoteEndpoint() endpoint.Endpoint { return p.conn.RemoteEndpoint() }
func (p *UdpPeer) Close() error                      { return nil }
func (p *UdpPeer) Context() *session.Context         { return p.ctx }

// Resolve forwards to the underlying Connection: a reply frame addressed to
// this peer is still a reply to a call *this process* initiated over the
// same Connection, never to one the remote peer initiated (UDP FunctionCall
// handling always replies inline from Dispatch, it never calls back out).
func (p *UdpPeer) Resolve(requestId uint32, buf *flat.Buffer) { p.conn.Resolve(requestId, buf) }
