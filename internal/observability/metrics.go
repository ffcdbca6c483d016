package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Query attempt outcomes.
const (
	QueryOutcomeSuccess         = "success"
	QueryOutcomeEmpty           = "empty"
	QueryOutcomeUnknownDatabase = "unknown_database"
	QueryOutcomeTableNotFound   = "table_not_found"
	QueryOutcomeTransient       = "transient"
	QueryOutcomeError           = "error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoplan_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoplan_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	authDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoplan_auth_denials_total",
			Help: "Requests refused by the API key middleware, by route and reason.",
		},
		[]string{"route", "reason"},
	)

	runsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoplan_runs_finished_total",
			Help: "Plan runs that reached a terminal status.",
		},
		[]string{"status"},
	)
	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoplan_run_duration_seconds",
			Help:    "Wall time of a plan run from RUNNING to its terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	stepOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoplan_step_outcomes_total",
			Help: "Terminal plan step outcomes by tool and status.",
		},
		[]string{"tool", "status"},
	)
	stepRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoplan_step_repairs_total",
			Help: "Repair function invocations by result.",
		},
		[]string{"result"},
	)

	guardRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoplan_guard_rejections_total",
			Help: "SQL statements rejected by the guard, by tool.",
		},
		[]string{"tool"},
	)
	queryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoplan_query_attempts_total",
			Help: "Warehouse query executions by classified outcome.",
		},
		[]string{"outcome"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoplan_query_duration_seconds",
			Help:    "Warehouse query latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		authDenialsTotal,
		runsFinishedTotal,
		runDurationSeconds,
		stepOutcomesTotal,
		stepRepairsTotal,
		guardRejectionsTotal,
		queryAttemptsTotal,
		queryDurationSeconds,
	)
}

// IncrementAuthDenial counts a refused request. reason is "unauthenticated",
// "unknown_route" or the missing role.
func IncrementAuthDenial(route, reason string) {
	authDenialsTotal.WithLabelValues(route, reason).Inc()
}

func ObserveRunFinished(status string, elapsed time.Duration) {
	runsFinishedTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveStepOutcome(tool, status string) {
	stepOutcomesTotal.WithLabelValues(tool, status).Inc()
}

func ObserveRepair(applied bool) {
	result := "rejected"
	if applied {
		result = "applied"
	}
	stepRepairsTotal.WithLabelValues(result).Inc()
}

func IncrementGuardRejection(tool string) {
	guardRejectionsTotal.WithLabelValues(tool).Inc()
}

func ObserveQueryAttempt(outcome string, elapsed time.Duration) {
	queryAttemptsTotal.WithLabelValues(outcome).Inc()
	queryDurationSeconds.Observe(elapsed.Seconds())
}
