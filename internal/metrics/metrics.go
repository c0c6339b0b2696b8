// Package metrics defines Prometheus metrics for the detection engine.
//
// Metrics are registered with the default registry and served by the API
// on /metrics. Names carry the detection_ prefix, counters end in _total and
// duration histograms in _seconds.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts rule runs by rule type and terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_rule_runs_total",
			Help: "Total number of rule runs by rule type and status.",
		},
		[]string{"rule_type", "status"},
	)

	// RunDurationSeconds is a histogram of run duration by rule type.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detection_rule_run_duration_seconds",
			Help:    "Duration of rule runs in seconds.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"rule_type"},
	)

	// AlertsCreatedTotal counts alerts newly persisted by rule runs.
	AlertsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_alerts_created_total",
			Help: "Total alerts created by rule runs.",
		},
		[]string{"rule_type"},
	)

	// AlertLimitReachedTotal counts runs that hit their alert ceiling.
	AlertLimitReachedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_alert_limit_reached_total",
			Help: "Total rule runs that reached the per-run alert ceiling.",
		},
		[]string{"rule_type"},
	)

	// SuppressedFindingsTotal counts findings dropped by maintenance windows.
	SuppressedFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_suppressed_findings_total",
			Help: "Total findings suppressed by active maintenance windows.",
		},
		[]string{"rule_type"},
	)

	// ActionsScheduledTotal counts action requests handed to the sink.
	ActionsScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_actions_scheduled_total",
			Help: "Total action requests enqueued by connector type and result.",
		},
		[]string{"connector_type", "result"},
	)

	// ScheduleLagSeconds is the delay between a rule becoming due and its start.
	ScheduleLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "detection_schedule_lag_seconds",
			Help: "Seconds between the scheduler tick and the run start.",
		},
		[]string{"rule_type"},
	)

	// ActiveRuns is the number of rule runs currently executing.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "detection_active_runs",
			Help: "Number of rule runs currently executing.",
		},
	)

	// HTTPRequestsTotal counts API requests by route pattern and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_http_requests_total",
			Help: "Total API requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	// RateLimitedTotal counts API requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detection_http_rate_limited_total",
			Help: "Total API requests rejected by the rate limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		AlertsCreatedTotal,
		AlertLimitReachedTotal,
		SuppressedFindingsTotal,
		ActionsScheduledTotal,
		ScheduleLagSeconds,
		ActiveRuns,
		HTTPRequestsTotal,
		RateLimitedTotal,
	)
}

// RecordRunComplete records metrics for a finished rule run.
func RecordRunComplete(ruleType, status string, duration time.Duration, alertsCreated, suppressed int, limitReached bool) {
	RunsTotal.WithLabelValues(ruleType, status).Inc()
	RunDurationSeconds.WithLabelValues(ruleType).Observe(duration.Seconds())
	AlertsCreatedTotal.WithLabelValues(ruleType).Add(float64(alertsCreated))
	SuppressedFindingsTotal.WithLabelValues(ruleType).Add(float64(suppressed))
	if limitReached {
		AlertLimitReachedTotal.WithLabelValues(ruleType).Inc()
	}
}

// RecordScheduleLag records the scheduling delay for a rule type.
func RecordScheduleLag(ruleType string, lag time.Duration) {
	ScheduleLagSeconds.WithLabelValues(ruleType).Set(lag.Seconds())
}
