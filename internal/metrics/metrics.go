// Package metrics defines the platform's Prometheus metrics.
//
// Metric naming follows Prometheus conventions:
//   - sentra_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsTotal counts scan jobs by customer and terminal status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentra_jobs_total",
			Help: "Total number of scan jobs by customer and status.",
		},
		[]string{"customer", "status"},
	)

	// JobDurationSeconds is a histogram of scan duration by cloud.
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentra_job_duration_seconds",
			Help:    "Duration of scan jobs in seconds.",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1200, 2400, 4800},
		},
		[]string{"cloud"},
	)

	// AdmissionDeniedTotal counts jobs rejected at admission by reason.
	AdmissionDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentra_admission_denied_total",
			Help: "Total jobs rejected at admission by reason.",
		},
		[]string{"customer", "reason"},
	)

	// ActiveJobs is the number of jobs currently in flight.
	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentra_active_jobs",
			Help: "Number of scan jobs currently in flight.",
		},
	)

	// BatchResultsTotal counts event-driven batch results by cloud and status.
	BatchResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentra_batch_results_total",
			Help: "Total event-driven batch results by cloud and status.",
		},
		[]string{"cloud", "status"},
	)

	// EventsRoutedTotal counts audit events accepted by the router per vendor.
	EventsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentra_events_routed_total",
			Help: "Total audit events accepted by the event router.",
		},
		[]string{"vendor"},
	)

	// RuleSourceSyncsTotal counts rule-source syncs by outcome.
	RuleSourceSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentra_rule_source_syncs_total",
			Help: "Total rule-source syncs by outcome.",
		},
		[]string{"status"},
	)

	// SiemPushBatchesTotal counts SIEM push batches by target and outcome.
	SiemPushBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentra_siem_push_batches_total",
			Help: "Total SIEM push batches by target and outcome.",
		},
		[]string{"target", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobDurationSeconds,
		AdmissionDeniedTotal,
		ActiveJobs,
		BatchResultsTotal,
		EventsRoutedTotal,
		RuleSourceSyncsTotal,
		SiemPushBatchesTotal,
	)
}

// RecordJobComplete records metrics for a job that reached a terminal status.
func RecordJobComplete(customer, cloudName, status string, duration time.Duration) {
	JobsTotal.WithLabelValues(customer, status).Inc()
	if duration > 0 {
		JobDurationSeconds.WithLabelValues(cloudName).Observe(duration.Seconds())
	}
	ActiveJobs.Dec()
}

// RecordJobSubmitted records an admitted job.
func RecordJobSubmitted(customer string) {
	JobsTotal.WithLabelValues(customer, "SUBMITTED").Inc()
	ActiveJobs.Inc()
}

// RecordAdmissionDenied records a rejected submission.
func RecordAdmissionDenied(customer, reason string) {
	AdmissionDeniedTotal.WithLabelValues(customer, reason).Inc()
}
