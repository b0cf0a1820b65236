// Package metrics exposes Prometheus collectors for the heartbeat and the peer registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cachepeers"

// Registration outcomes
const (
	ResultRegistered = "registered"
	ResultRefreshed  = "refreshed"
	ResultNotFound   = "not_found"
	ResultTransient  = "transient"
)

// Eviction reasons
const (
	ReasonStale    = "stale"
	ReasonNotFound = "not_found"
	ReasonRemoved  = "removed"
)

type Metrics struct {
	HeartbeatsSent     prometheus.Counter
	HeartbeatBytesSent prometheus.Counter
	SendErrors         prometheus.Counter

	HeartbeatsReceived prometheus.Counter
	DecodeErrors       prometheus.Counter
	SelfHeartbeats     prometheus.Counter
	DuplicatePayloads  prometheus.Counter
	DroppedPayloads    prometheus.Counter

	Registrations *prometheus.CounterVec
	Evictions     *prometheus.CounterVec
	Peers         prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which is what tests and embedded users usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "sent_total",
			Help: "Heartbeat datagrams sent.",
		}),
		HeartbeatBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "sent_bytes_total",
			Help: "Compressed heartbeat bytes sent.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "send_errors_total",
			Help: "Heartbeat datagrams that failed to send.",
		}),
		HeartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "received_total",
			Help: "Heartbeat datagrams received.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "decode_errors_total",
			Help: "Received datagrams that could not be decoded.",
		}),
		SelfHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "self_total",
			Help: "Received heartbeats that originated from this node.",
		}),
		DuplicatePayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "duplicate_total",
			Help: "Heartbeats skipped because an identical payload was still being processed.",
		}),
		DroppedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "dropped_total",
			Help: "Heartbeats dropped because the worker pool was saturated.",
		}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "registrations_total",
			Help: "Peer registrations by outcome.",
		}, []string{"result"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "evictions_total",
			Help: "Peer entries removed from the registry by reason.",
		}, []string{"reason"}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "peers",
			Help: "Peer entries currently held by the registry.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.HeartbeatsSent, m.HeartbeatBytesSent, m.SendErrors,
			m.HeartbeatsReceived, m.DecodeErrors, m.SelfHeartbeats, m.DuplicatePayloads, m.DroppedPayloads,
			m.Registrations, m.Evictions, m.Peers,
		)
	}

	return m
}
