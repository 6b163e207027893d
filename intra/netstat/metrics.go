// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netstat

import (
	"net/http"

	"github.com/celzero/netcon/intra/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netcon"

var reg = prometheus.NewRegistry()

var (
	proxied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intercept",
		Name:      "calls_total",
		Help:      "Socket calls by shim and route (proxy or kernel).",
	}, []string{"call", "route"})

	commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "commands_total",
		Help:      "RPC commands served, by kind and outcome.",
	}, []string{"kind", "outcome"})

	sockets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "sockets",
		Help:      "Live transplanted sockets, by type.",
	}, []string{"type"})

	relayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "relayed_bytes_total",
		Help:      "Bytes relayed between apps and the network.",
	}, []string{"dir"})

	restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bootstrap",
		Name:      "restarts_total",
		Help:      "Engine restarts after an identity collision.",
	})

	peerRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "firewall",
		Name:      "peer_rules",
		Help:      "Active per-peer accept rules.",
	})
)

func init() {
	reg.MustRegister(
		proxied,
		commands,
		sockets,
		relayed,
		restarts,
		peerRules,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry all netcon collectors live in.
func Registry() *prometheus.Registry {
	return reg
}

// Handler serves Registry() in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      log.Glogger,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Call counts one shim call; proxy is false when it went to the kernel.
func Call(call string, proxy bool) {
	route := "kernel"
	if proxy {
		route = "proxy"
	}
	proxied.WithLabelValues(call, route).Inc()
}

// Command counts one rpc command served by the service.
func Command(kind string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "err"
	}
	commands.WithLabelValues(kind, outcome).Inc()
}

// SocketOpened and SocketClosed track live sockets of typ.
func SocketOpened(typ string) {
	sockets.WithLabelValues(typ).Inc()
}

func SocketClosed(typ string) {
	sockets.WithLabelValues(typ).Dec()
}

// Relayed counts n bytes relayed in dir ("up" or "down").
func Relayed(dir string, n int64) {
	if n > 0 {
		relayed.WithLabelValues(dir).Add(float64(n))
	}
}

// Restarted counts one engine restart.
func Restarted() {
	restarts.Inc()
}

// PeerRules sets the no. of active firewall peer rules.
func PeerRules(n int) {
	peerRules.Set(float64(n))
}
