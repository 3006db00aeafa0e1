package proxy

import (
	"testing"

	"github.com/nikitapn/nprpc-sub000/endpoint"
)

func TestSelectEndpointPrefersSharedMemoryOnSameHost(t *testing.T) {
	urls := []endpoint.Endpoint{
		{Scheme: endpoint.Tcp, Host: "10.0.0.1", Port: 9000},
		{Scheme: endpoint.SharedMemory, ChannelId: "42"},
		{Scheme: endpoint.Quic, Host: "10.0.0.1", Port: 9443},
	}
	got, err := SelectEndpoint(urls, true, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Scheme != endpoint.SharedMemory {
		t.Fatalf("expected mem://, got %v", got.Scheme)
	}
}

func TestSelectEndpointIgnoresSharedMemoryOnDifferentHost(t *testing.T) {
	urls := []endpoint.Endpoint{
		{Scheme: endpoint.SharedMemory, ChannelId: "42"},
		{Scheme: endpoint.Quic, Host: "10.0.0.1", Port: 9443},
		{Scheme: endpoint.Tcp, Host: "10.0.0.1", Port: 9000},
	}
	got, err := SelectEndpoint(urls, false, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Scheme != endpoint.Quic {
		t.Fatalf("expected quic:// preferred over tcp://, got %v", got.Scheme)
	}
}

func TestSelectEndpointPriorityOrder(t *testing.T) {
	urls := []endpoint.Endpoint{
		{Scheme: endpoint.SecuredWebSocket, Host: "h", Port: 1},
		{Scheme: endpoint.WebSocket, Host: "h", Port: 2},
		{Scheme: endpoint.Tcp, Host: "h", Port: 3},
		{Scheme: endpoint.Udp, Host: "h", Port: 4},
	}
	got, err := SelectEndpoint(urls, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Scheme != endpoint.Udp {
		t.Fatalf("expected udp:// to win over tcp/ws/wss, got %v", got.Scheme)
	}
}

func TestSelectEndpointRewritesLoopback(t *testing.T) {
	urls := []endpoint.Endpoint{
		{Scheme: endpoint.Tcp, Host: "127.0.0.1", Port: 9000},
	}
	got, err := SelectEndpoint(urls, false, "203.0.113.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Host != "203.0.113.5" {
		t.Fatalf("expected loopback rewritten to remote host, got %q", got.Host)
	}
}

func TestSelectEndpointNoUsableEndpoint(t *testing.T) {
	urls := []endpoint.Endpoint{{Scheme: endpoint.SharedMemory, ChannelId: "1"}}
	_, err := SelectEndpoint(urls, false, "host")
	if err != ErrNoEndpoint {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendOneWay(frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}

func TestAddRefReleaseOnlyFireOnTransitions(t *testing.T) {
	s := &fakeSender{}
	o := NewObject(1, 100, [16]byte{}, endpoint.Endpoint{}, 0, s)

	o.AddRef()
	o.AddRef()
	o.AddRef()
	if len(s.sent) != 1 {
		t.Fatalf("expected exactly one AddReference on 0->1, got %d sends", len(s.sent))
	}

	o.Release()
	o.Release()
	if len(s.sent) != 1 {
		t.Fatalf("expected no ReleaseObject before last release, got %d sends", len(s.sent))
	}
	o.Release()
	if len(s.sent) != 2 {
		t.Fatalf("expected ReleaseObject on last release, got %d sends", len(s.sent))
	}
}
