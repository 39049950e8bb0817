// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package metrics exposes Prometheus instrumentation for the API surface,
// the rate-limiting subsystem and the event fan-out.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_api_requests_total",
		Help: "API requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tally_api_request_duration_seconds",
		Help:    "API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	apiActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tally_api_active_requests",
		Help: "In-flight API requests.",
	})

	limitDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_ratelimit_decisions_total",
		Help: "Rate-limit decisions by limiter and outcome.",
	}, []string{"limiter", "outcome"})

	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_events_published_total",
		Help: "Domain events published to the cluster channel, by event name.",
	}, []string{"event"})

	eventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_events_received_total",
		Help: "Domain events received from the cluster channel, by event name.",
	}, []string{"event"})

	eventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_events_publish_errors_total",
		Help: "Failed publishes to the cluster channel.",
	})

	websocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tally_websocket_clients",
		Help: "Connected realtime clients.",
	})
)

// RecordAPIRequest records one completed API request.
func RecordAPIRequest(method, path, status string, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(method, path, status).Inc()
	apiRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(active bool) {
	if active {
		apiActiveRequests.Inc()
	} else {
		apiActiveRequests.Dec()
	}
}

// RecordLimitDecision records one rate-limit decision.
func RecordLimitDecision(limiter string, blocked bool) {
	outcome := "allowed"
	if blocked {
		outcome = "blocked"
	}
	limitDecisionsTotal.WithLabelValues(limiter, outcome).Inc()
}

// RecordEventPublished counts a successful cluster publish.
func RecordEventPublished(event string) {
	eventsPublishedTotal.WithLabelValues(event).Inc()
}

// RecordEventReceived counts an event delivered from the cluster channel.
func RecordEventReceived(event string) {
	eventsReceivedTotal.WithLabelValues(event).Inc()
}

// RecordEventPublishError counts a failed cluster publish.
func RecordEventPublishError() {
	eventPublishErrors.Inc()
}

// SetWebsocketClients sets the connected realtime client gauge.
func SetWebsocketClients(n int) {
	websocketClients.Set(float64(n))
}
