package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashpulse",
			Name:      "broker_messages_consumed_total",
			Help:      "Total messages fetched from the broker.",
		},
		[]string{"topic"},
	)
	handleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashpulse",
			Name:      "broker_handle_errors_total",
			Help:      "Messages whose handling failed and whose offset was withheld.",
		},
		[]string{"topic"},
	)
	commitErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashpulse",
			Name:      "broker_commit_errors_total",
			Help:      "Offset commits that failed after successful handling.",
		},
		[]string{"topic"},
	)
	handleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dashpulse",
			Name:      "broker_handle_duration_seconds",
			Help:      "Histogram of per-message handling durations.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"topic"},
	)
)

// RegisterMetrics registers the ingestion collectors with the default
// registry. Called once from main so tests can exercise the pool without
// double-registration panics.
func RegisterMetrics() {
	prometheus.MustRegister(messagesConsumed, handleErrors, commitErrors, handleDuration)
}
