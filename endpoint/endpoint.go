// Package endpoint parses and formats the tagged URLs used for object
// references: tcp://, ws://, wss://, udp://, quic://, mem:// and the
// session-tethered TCP variant.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Scheme tags the transport an Endpoint addresses.
type Scheme uint8

const (
	Unknown Scheme = iota
	Tcp
	TcpTethered
	WebSocket
	SecuredWebSocket
	Udp
	Quic
	SharedMemory
)

func (s Scheme) String() string {
	switch s {
	case Tcp, TcpTethered:
		return "tcp"
	case WebSocket:
		return "ws"
	case SecuredWebSocket:
		return "wss"
	case Udp:
		return "udp"
	case Quic:
		return "quic"
	case SharedMemory:
		return "mem"
	default:
		return "unknown"
	}
}

// Endpoint is a parsed object URL: a scheme plus either a host:port pair
// (stream/datagram transports) or a channel id (shared memory). Tethered
// variants refer to the very session the object reference arrived on and
// carry no independent host/port — String renders them back to their
// non-tethered scheme since "tethered" is a local, not a wire, concept.
type Endpoint struct {
	Scheme    Scheme
	Host      string
	Port      uint16
	ChannelId string
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case SharedMemory:
		return fmt.Sprintf("mem://%s", e.ChannelId)
	case TcpTethered:
		return fmt.Sprintf("tcp://%s:%d", e.Host, e.Port)
	default:
		return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
	}
}

// Parse parses a single "scheme://hostport-or-channel" URL.
func Parse(url string) (Endpoint, error) {
	idx := strings.Index(url, "://")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("endpoint: malformed url %q", url)
	}
	scheme, rest := url[:idx], url[idx+3:]

	switch scheme {
	case "mem":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("endpoint: empty mem:// channel id")
		}
		return Endpoint{Scheme: SharedMemory, ChannelId: rest}, nil
	case "tcp", "ws", "wss", "udp", "quic", "http", "https":
		host, port, err := splitHostPort(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint: %q: %w", url, err)
		}
		sc := schemeFromWire(scheme)
		return Endpoint{Scheme: sc, Host: host, Port: port}, nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint: unrecognized scheme %q", scheme)
	}
}

func schemeFromWire(s string) Scheme {
	switch s {
	case "tcp":
		return Tcp
	case "ws", "http":
		return WebSocket
	case "wss", "https":
		return SecuredWebSocket
	case "udp":
		return Udp
	case "quic":
		return Quic
	default:
		return Unknown
	}
}

func splitHostPort(hostport string) (host string, port uint16, err error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port")
	}
	host = hostport[:idx]
	p, err := strconv.ParseUint(hostport[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port: %w", err)
	}
	return host, uint16(p), nil
}

// ParseList splits a semicolon-terminated list of urls ("scheme://...;"...)
// into individual Endpoints, skipping ones that fail to parse (a url list
// may legitimately mix transports the local process cannot use).
func ParseList(urls string) []Endpoint {
	var out []Endpoint
	for _, part := range strings.Split(urls, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if ep, err := Parse(part); err == nil {
			out = append(out, ep)
		}
	}
	return out
}

// JoinList renders a list of already-formatted url strings (as produced by
// POA activation) back into the semicolon-terminated wire form.
func JoinList(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	return strings.Join(urls, ";") + ";"
}

// RewriteLoopback replaces a literal 127.0.0.1/localhost host with
// remoteHost, the rule applied to udp://, tcp:// and ws:// endpoints when
// the object was advertised by a peer on another host (quic:// is exempt:
// its TLS SNI must match the original hostname exactly).
func RewriteLoopback(e Endpoint, remoteHost string) Endpoint {
	if e.Host == "127.0.0.1" || e.Host == "localhost" {
		e.Host = remoteHost
	}
	return e
}
