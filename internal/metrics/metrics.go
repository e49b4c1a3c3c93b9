// Package metrics exposes the controller's Prometheus instrumentation: typed
// counter/histogram vectors covering review runs, coding runs, webhook
// errors, and poller cycle failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviews_total",
		Help: "Review pipeline completions by outcome.",
	}, []string{"outcome"})

	ReviewsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reviews_duration_seconds",
		Help:    "Review pipeline duration by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	CodingTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coding_tasks_total",
		Help: "Coding pipeline completions by outcome.",
	}, []string{"outcome"})

	CodingTasksDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coding_tasks_duration_seconds",
		Help:    "Coding pipeline duration by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	WebhookErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_errors_total",
		Help: "Webhook handler errors by handler name.",
	}, []string{"handler"})

	PollerCycleFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poller_cycle_failures_total",
		Help: "Poller cycle failures by source.",
	}, []string{"source"})
)

// Outcome labels shared across review and coding pipelines.
const (
	OutcomeSuccess   = "success"
	OutcomeNoChanges = "no_changes"
	OutcomeError     = "error"
	OutcomeDuplicate = "duplicate"
)
