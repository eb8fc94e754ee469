/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sipua"

// Metrics holds the Prometheus collectors of one Client.
type Metrics struct {
	Registrations      *prometheus.CounterVec
	Calls              *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	CallFailures       *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	DTMFSent           prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg gets a private
// registry so several clients can coexist in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_total",
			Help:      "REGISTER outcomes by result.",
		}, []string{"result"}),
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Call sessions created by direction.",
		}, []string{"direction"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Call sessions not yet terminal.",
		}),
		CallFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "call_failures_total",
			Help:      "Call sessions that ended in Failed, by cause.",
		}, []string{"cause"}),
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_transitions_total",
			Help:      "Call state machine transitions.",
		}, []string{"from", "to"}),
		DTMFSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dtmf_sent_total",
			Help:      "DTMF digits sent via SIP INFO.",
		}),
	}
}

func (m *Metrics) registration(result string) {
	m.Registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) transition(from, to CallState) {
	m.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
}
