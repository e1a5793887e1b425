// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors the control plane
// exposes. CoA NAKs and retry exhaustion surface here rather than to end
// users.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/gauge/histogram the core exposes. One
// Registry per process, constructed in main and threaded into every
// component that reports.
type Registry struct {
	ConnectionsActive   prometheus.Gauge
	// TunnelsActive and PendingRPCs are registered and exported, but no
	// component sets them, so both always read zero.
	TunnelsActive       prometheus.Gauge
	PendingRPCs         prometheus.Gauge
	RPCDuration         prometheus.Histogram
	RPCFailures         *prometheus.CounterVec
	DisconnectDeferred  prometheus.Counter
	DisconnectExhausted prometheus.Counter
	CoAACK              prometheus.Counter
	CoANAK              prometheus.Counter
	ReconcileKicks      prometheus.Counter
	ReconcileFailures   prometheus.Counter
}

// NewRegistry builds and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetcontrol_connections_active",
			Help: "Number of router connections currently held open by this instance.",
		}),
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetcontrol_tunnels_active",
			Help: "Number of tunnel sessions currently owned by this instance.",
		}),
		PendingRPCs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetcontrol_rpc_pending",
			Help: "Number of in-flight RPC commands owned by this instance.",
		}),
		RPCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetcontrol_rpc_duration_seconds",
			Help:    "RPC command latency from send to resolution.",
			Buckets: prometheus.DefBuckets,
		}),
		RPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcontrol_rpc_failures_total",
			Help: "RPC command failures by error code.",
		}, []string{"code"}),
		DisconnectDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcontrol_disconnect_deferred_total",
			Help: "Disconnect-queue items deferred because the target router was offline.",
		}),
		DisconnectExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcontrol_disconnect_retries_exhausted_total",
			Help: "Disconnect jobs that exhausted their CoA retry budget.",
		}),
		CoAACK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcontrol_coa_ack_total",
			Help: "CoA-Disconnect attempts acknowledged by the router.",
		}),
		CoANAK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcontrol_coa_nak_total",
			Help: "CoA-Disconnect attempts that failed (NAK or timeout).",
		}),
		ReconcileKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcontrol_reconcile_kicks_total",
			Help: "Sessions the reconciler force-closed due to drift from router-reported clients.",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcontrol_reconcile_failures_total",
			Help: "Per-router reconciliation RPC failures (counted, not fatal to the sweep).",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive, m.TunnelsActive, m.PendingRPCs, m.RPCDuration, m.RPCFailures,
		m.DisconnectDeferred, m.DisconnectExhausted, m.CoAACK, m.CoANAK,
		m.ReconcileKicks, m.ReconcileFailures,
	)
	return m
}
