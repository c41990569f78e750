// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors chatsync
// components report to.
//
// Components hold a *Metrics that may be nil; every method is a no-op
// on a nil receiver, so libraries and tests that do not care about
// metrics pass nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Frame drop reasons.
const (
	DropMalformed    = "malformed"
	DropUnsubscribed = "unsubscribed"
	DropHandlerPanic = "handler_panic"
	DropDecode       = "decode"
)

// Reconciliation outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeDiscarded = "discarded"
	OutcomeRefetch   = "refetch"
)

// Metrics is the set of collectors for one client.
type Metrics struct {
	registry *prometheus.Registry

	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	tokenRefreshes    *prometheus.CounterVec
	sessionsExpired   prometheus.Counter
	reconciled        *prometheus.CounterVec
	typingActive      prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry,
// alongside the Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Realtime connection state: 0 disconnected, 1 connecting, 2 connected, 3 failed.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Realtime connection attempts scheduled by backoff.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound realtime frames by topic kind.",
		}, []string{"topic"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound realtime frames dropped before or during handling.",
		}, []string{"reason"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh calls by result.",
		}, []string{"result"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Session-expired signals raised.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_events_total",
			Help:      "Events applied to the local store by kind and outcome.",
		}, []string{"kind", "outcome"}),
		typingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "typing_indicators",
			Help:      "Live typing indicators across all conversations.",
		}),
	}
	registry.MustRegister(
		m.connectionState,
		m.reconnectAttempts,
		m.framesReceived,
		m.framesDropped,
		m.tokenRefreshes,
		m.sessionsExpired,
		m.reconciled,
		m.typingActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) FrameReceived(topicKind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(topicKind).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TokenRefresh(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
}

func (m *Metrics) Reconciled(kind, outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetTypingIndicators(count int) {
	if m == nil {
		return
	}
	m.typingActive.Set(float64(count))
}
