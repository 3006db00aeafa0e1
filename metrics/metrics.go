// Package metrics registers the Prometheus counters, gauges and histograms
// this runtime exposes: call counts and latency by message kind, bytes
// transferred per transport, shared-memory ring occupancy, and active
// stream counts. It replaces the ad hoc Stats/EndpointStats accounting a
// C++ runtime would keep in plain structs with real, scrape-able metrics
// registered against a caller-supplied registry (production callers use
// prometheus.DefaultRegisterer; tests use a throwaway prometheus.NewRegistry()).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikitapn/nprpc-sub000/wire"
)

const namespace = "nprpc"

// Metrics is the full set of collectors this runtime updates; construct one
// with New and keep it for the lifetime of an Rpc instance.
type Metrics struct {
	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	ActiveSessions  *prometheus.GaugeVec
	ActiveStreams   prometheus.Gauge
	ShmRingUsedPct  *prometheus.GaugeVec
	ReferencesAlive prometheus.Gauge
}

// New creates and registers every collector against reg. Passing the same
// registry twice panics (prometheus' own duplicate-registration guard);
// callers that need a second instance in the same process (e.g. table
// tests) should pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total dispatched calls by message id and outcome.",
		}, []string{"msg_id", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Servant dispatch latency by message id.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"msg_id"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the wire by transport scheme.",
		}, []string{"scheme"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read off the wire by transport scheme.",
		}, []string{"scheme"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently open sessions by transport scheme.",
		}, []string{"scheme"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Currently open server->client data streams across all sessions.",
		}),
		ShmRingUsedPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shm_ring_used_ratio",
			Help:      "Fraction of a shared-memory ring's capacity currently occupied, by direction.",
		}, []string{"channel_id", "direction"}),
		ReferencesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "references_alive",
			Help:      "Sum of outstanding distributed reference counts across every POA on this process.",
		}),
	}

	reg.MustRegister(
		m.CallsTotal,
		m.CallDuration,
		m.BytesSent,
		m.BytesReceived,
		m.ActiveSessions,
		m.ActiveStreams,
		m.ShmRingUsedPct,
		m.ReferencesAlive,
	)
	return m
}

// ObserveCall records one dispatched call's outcome and latency, keyed by
// the reply message id the router actually sent (Success, BlockResponse or
// one of the Error_* kinds) so a scrape can distinguish failure modes without parsing
// logs.
func (m *Metrics) ObserveCall(msgId wire.MessageId, reply wire.MessageId, seconds float64) {
	m.CallsTotal.WithLabelValues(msgId.String(), reply.String()).Inc()
	m.CallDuration.WithLabelValues(msgId.String()).Observe(seconds)
}

func (m *Metrics) AddBytesSent(scheme string, n int) {
	m.BytesSent.WithLabelValues(scheme).Add(float64(n))
}

func (m *Metrics) AddBytesReceived(scheme string, n int) {
	m.BytesReceived.WithLabelValues(scheme).Add(float64(n))
}

func (m *Metrics) SessionOpened(scheme string) { m.ActiveSessions.WithLabelValues(scheme).Inc() }
func (m *Metrics) SessionClosed(scheme string) { m.ActiveSessions.WithLabelValues(scheme).Dec() }

func (m *Metrics) StreamOpened() { m.ActiveStreams.Inc() }
func (m *Metrics) StreamClosed() { m.ActiveStreams.Dec() }

// SetShmRingOccupancy reports a ring's used/capacity ratio; direction is
// "send" or "recv" from the reporting session's point of view.
func (m *Metrics) SetShmRingOccupancy(channelId, direction string, usedRatio float64) {
	m.ShmRingUsedPct.WithLabelValues(channelId, direction).Set(usedRatio)
}

func (m *Metrics) SetReferencesAlive(n int) { m.ReferencesAlive.Set(float64(n)) }
