// Package metrics exposes the Prometheus instrumentation shared by the API
// and the enrichment worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts scored envelopes by final level and action.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signupguard_decisions_total",
		Help: "Risk decisions by level and action.",
	}, []string{"level", "action"})

	// ProbeFailures counts probe-level failures by probe name and error kind
	// (timeout, transport, parse, store).
	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signupguard_probe_failures_total",
		Help: "Probe failures by probe and error kind.",
	}, []string{"probe", "kind"})

	// ProbeDuration observes wall-clock latency per probe.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signupguard_probe_duration_seconds",
		Help:    "Probe latency in seconds.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"probe"})

	// EnrichmentJobs counts queue lifecycle events: enqueued, requeued,
	// retried, completed, failed.
	EnrichmentJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signupguard_enrichment_jobs_total",
		Help: "Background enrichment job events.",
	}, []string{"event"})

	// WebhookDeliveries counts webhook delivery outcomes.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signupguard_webhook_deliveries_total",
		Help: "Webhook delivery outcomes.",
	}, []string{"outcome"})
)
