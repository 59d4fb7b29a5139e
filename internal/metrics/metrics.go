package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskowner"

var (
	// Task status transitions, labelled by the status entered.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Total task status transitions",
		},
		[]string{"to"},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "escalations_total",
			Help:      "Total escalations to a tenant administrator",
		},
		[]string{"reason"},
	)

	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intent",
			Name:      "classifications_total",
			Help:      "Total classified inbound messages",
		},
		[]string{"intent"},
	)

	LowConfidenceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intent",
			Name:      "low_confidence_total",
			Help:      "Classifications answered with a clarification request",
		},
	)

	ClassificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "intent",
			Name:      "classification_duration_seconds",
			Help:      "Classifier round-trip duration in seconds, retries included",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	FollowUpsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followups",
			Name:      "sent_total",
			Help:      "Total follow-up check-ins sent",
		},
		[]string{"type"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Total durable jobs processed",
		},
		[]string{"type", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordTransition(to string) {
	TransitionsTotal.WithLabelValues(to).Inc()
}

func RecordEscalation(reason string) {
	EscalationsTotal.WithLabelValues(reason).Inc()
}

// RecordClassification records one classifier call and its latency.
func RecordClassification(intent string, seconds float64) {
	ClassificationsTotal.WithLabelValues(intent).Inc()
	ClassificationDuration.Observe(seconds)
}

func RecordLowConfidence() {
	LowConfidenceTotal.Inc()
}

func RecordFollowUpSent(typ string) {
	FollowUpsSentTotal.WithLabelValues(typ).Inc()
}

// RecordJob records a job run; outcome is "completed", "retried" or "failed".
func RecordJob(typ, outcome string) {
	JobsTotal.WithLabelValues(typ, outcome).Inc()
}

func RecordHTTPRequest(method, route, status string) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}
