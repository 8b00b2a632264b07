// Package server contains HTTP handlers for the registry service. This file
// defines registry-specific Prometheus metrics and the metrics endpoints.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registrationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_registrations_total",
			Help: "Total number of registration attempts, by result.",
		},
		[]string{"result"}, // success, failure
	)

	statusChangeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_status_changes_total",
			Help: "Total number of status change attempts, by result.",
		},
		[]string{"result"}, // success, failure
	)

	challengeIssuanceCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "challenge_issuance_total",
			Help: "Total number of challenges issued.",
		},
	)

	challengeValidationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_validation_total",
			Help: "Total number of challenge completions, by result.",
		},
		[]string{"result"}, // success, expired, invalid, replay, error
	)
)

// metricsHandler exposes Prometheus metrics through the main HTTP server.
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NewMetricsHandler creates a standalone handler for the separate metrics
// listener, keeping scrape traffic off the application port.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}
