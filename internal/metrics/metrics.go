package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_evaluations_total",
			Help: "Total number of access evaluations",
		},
		[]string{"outcome"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portcullis_evaluation_duration_seconds",
			Help:    "Duration of access evaluations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session protocol metrics
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_handshakes_total",
			Help: "Total number of device handshake attempts",
		},
		[]string{"status"},
	)

	SignatureFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portcullis_signature_failures_total",
			Help: "Total number of request signature verification failures",
		},
	)

	// Alerting metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_alerts_total",
			Help: "Total number of alerts emitted",
		},
		[]string{"type", "severity"},
	)

	// Liveness metrics
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portcullis_heartbeats_total",
			Help: "Total number of accepted device heartbeats",
		},
	)

	DoorsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portcullis_doors_online",
			Help: "Number of doors currently marked online",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portcullis_liveness_sweep_duration_seconds",
			Help:    "Duration of liveness sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"device"},
	)
)
