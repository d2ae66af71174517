// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry holds the Prometheus collectors shared by the gate,
// the session middleware and the OAuth handlers.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_remote_auth"

// Gate routes.
const (
	RouteBypass  = "bypass"
	RouteEnforce = "enforce"
)

// Metrics is a set of collectors registered on one registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	gateDecisions     *prometheus.CounterVec
	callbackOutcomes  *prometheus.CounterVec
	sessionRejections *prometheus.CounterVec
}

// New registers the collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		gateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Routing decisions taken by the auth gate.",
		}, []string{"route", "reason"}),
		callbackOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_outcomes_total",
			Help:      "Outcomes of the OAuth callback.",
		}, []string{"outcome"}),
		sessionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rejections_total",
			Help:      "Requests rejected by the session middleware.",
		}, []string{"reason"}),
	}
}

// GateDecision counts one routing decision.
func (m *Metrics) GateDecision(route, reason string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(route, reason).Inc()
}

// CallbackOutcome counts one callback result.
func (m *Metrics) CallbackOutcome(outcome string) {
	if m == nil {
		return
	}
	m.callbackOutcomes.WithLabelValues(outcome).Inc()
}

// SessionRejection counts one rejected bearer credential.
func (m *Metrics) SessionRejection(reason string) {
	if m == nil {
		return
	}
	m.sessionRejections.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
