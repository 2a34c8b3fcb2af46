// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package usock

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/secsecsec/libusnet/net/sockerr"
)

const namespace = "usnet"

type metrics struct {
	open               prometheus.Gauge
	pcbs               *prometheus.GaugeVec
	accepted           prometheus.Counter
	drops              *prometheus.CounterVec
	ephemeralExhausted prometheus.Counter
	errors             *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_open",
			Help:      "Number of sockets holding a handle, including closed sockets awaiting release.",
		}),
		pcbs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pcbs",
			Help:      "Number of attached protocol control blocks.",
		}, []string{"proto"}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_total",
			Help:      "Connections handed to the application by Accept.",
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listen_drops_total",
			Help:      "Incoming connections dropped because a listen queue was full.",
		}, []string{"reason"}),
		ephemeralExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ephemeral_exhausted_total",
			Help:      "Binds and connects that found no free local port.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_errors_total",
			Help:      "Errors latched on sockets, by kind.",
		}, []string{"kind"}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.open, m.pcbs, m.accepted, m.drops, m.ephemeralExhausted, m.errors}
}

func (m *metrics) countError(err error) {
	m.errors.WithLabelValues(kindLabel(sockerr.KindOf(err))).Inc()
}

func kindLabel(k sockerr.Kind) string {
	return strings.ReplaceAll(k.String(), " ", "_")
}

// Describe implements prometheus.Collector.
func (s *Stack) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range s.m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (s *Stack) Collect(ch chan<- prometheus.Metric) {
	for _, c := range s.m.collectors() {
		c.Collect(ch)
	}
}
