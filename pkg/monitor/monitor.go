// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package monitor records routed operations as Prometheus metrics. Tracking
// is best-effort and never affects routing.
package monitor

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcprouter/mcprouter/pkg/router"
)

// PrometheusMonitor implements router.AccessMonitor on a Prometheus
// registry.
type PrometheusMonitor struct {
	registry *prometheus.Registry

	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ router.AccessMonitor = (*PrometheusMonitor)(nil)

// NewPrometheusMonitor creates a monitor with its own registry.
func NewPrometheusMonitor() *PrometheusMonitor {
	registry := prometheus.NewRegistry()
	return &PrometheusMonitor{
		registry: registry,
		events: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcprouter",
			Name:      "events_total",
			Help:      "Routed operations by kind, backend and outcome.",
		}, []string{"kind", "backend", "success"}),
		duration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcprouter",
			Name:      "event_duration_seconds",
			Help:      "Latency of routed operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "backend"}),
	}
}

// TrackEvent implements router.AccessMonitor.
func (m *PrometheusMonitor) TrackEvent(_ context.Context, event router.AccessEvent) {
	success := "false"
	if event.Success {
		success = "true"
	}
	kind := string(event.Kind)
	m.events.WithLabelValues(kind, event.BackendID, success).Inc()
	m.duration.WithLabelValues(kind, event.BackendID).Observe(event.Duration.Seconds())
}

// Handler returns an HTTP handler serving the monitor's registry.
func (m *PrometheusMonitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NoopMonitor discards all events.
type NoopMonitor struct{}

var _ router.AccessMonitor = NoopMonitor{}

// TrackEvent implements router.AccessMonitor.
func (NoopMonitor) TrackEvent(context.Context, router.AccessEvent) {}
