// Package config holds the runtime's single configuration object: the
// advertised hostname, per-transport listen ports, POA/session capacity
// limits, debug verbosity and TLS material.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nikitapn/nprpc-sub000/cmn/rom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TLS carries certificate material for HTTPS, WSS and QUIC listeners.
type TLS struct {
	CertPath                     string `json:"cert_path,omitempty"`
	KeyPath                      string `json:"key_path,omitempty"`
	DHParamsPath                 string `json:"dhparams_path,omitempty"`
	ClientDisableVerification    bool   `json:"ssl_client_disable_verification,omitempty"`
	ClientSelfSignedCertPath     string `json:"ssl_client_self_signed_cert_path,omitempty"`
}

// Config is the single object enumerating every recognized runtime option
// (§6 of the wire-level spec this runtime implements).
type Config struct {
	Hostname string `json:"hostname"`

	ListenTCPPort  uint16 `json:"listen_tcp_port"`
	ListenHTTPPort uint16 `json:"listen_http_port"`
	ListenUDPPort  uint16 `json:"listen_udp_port"`
	ListenQuicPort uint16 `json:"listen_quic_port"`

	MaxPoaObjects            int `json:"max_poa_objects"`
	MaxReferencesPerSession  int `json:"max_references_per_session"`
	DebugLevel               int `json:"debug_level"`

	// CallTimeout is the default proxy call timeout when the caller doesn't
	// override it per-call.
	CallTimeout        time.Duration `json:"call_timeout"`
	UDPReliableTimeout time.Duration `json:"udp_reliable_timeout"`
	UDPMaxRetries      int           `json:"udp_max_retries"`

	// StreamIdleTimeout bounds how long a server→client stream's writer or
	// reader may sit with no chunk activity before housekeeping tears it
	// down; a writer stuck on an unresponsive peer or a reader abandoned by
	// its caller would otherwise hold its entry for the session's lifetime.
	StreamIdleTimeout time.Duration `json:"stream_idle_timeout"`

	MaxMessageSize int `json:"max_message_size"`

	// ShmRingWindow is the per-direction ring buffer's data region size, in
	// bytes; must be a multiple of the host page size.
	ShmRingWindow int `json:"shm_ring_window"`

	TLS TLS `json:"tls"`

	LogDir    string `json:"log_dir"`
	LogLevel  int    `json:"log_level"`
	LogModules int   `json:"log_modules"`
}

// Default returns the built-in defaults, matching a single-host development
// deployment: every listen port is 0, which leaves that transport
// disabled, and generous limits.
func Default() *Config {
	return &Config{
		Hostname:                "127.0.0.1",
		ListenTCPPort:           0,
		ListenHTTPPort:          0,
		ListenUDPPort:           0,
		ListenQuicPort:          0,
		MaxPoaObjects:           4096,
		MaxReferencesPerSession: 1024,
		DebugLevel:              0,
		CallTimeout:             30 * time.Second,
		UDPReliableTimeout:      500 * time.Millisecond,
		UDPMaxRetries:           5,
		StreamIdleTimeout:       2 * time.Minute,
		MaxMessageSize:          64 * 1024 * 1024,
		ShmRingWindow:           64 * 1024,
		LogDir:                  os.TempDir(),
	}
}

// Load reads and decodes a JSON config file over the defaults: unset fields
// in the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxPoaObjects <= 0 {
		return errors.New("config: max_poa_objects must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("config: max_message_size must be positive")
	}
	if c.ShmRingWindow <= 0 || c.ShmRingWindow%4096 != 0 {
		return errors.New("config: shm_ring_window must be a positive multiple of the page size")
	}
	return nil
}

// Apply refreshes the process-wide read-mostly snapshot (cmn/rom) from c,
// so hot paths never touch this Config directly.
func (c *Config) Apply() {
	rom.Set(c.CallTimeout, c.UDPReliableTimeout, c.DebugLevel, c.LogLevel, c.LogModules)
}
