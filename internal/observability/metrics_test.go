package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHelpers(t *testing.T) {
	before := testutil.ToFloat64(queryAttemptsTotal.WithLabelValues(QueryOutcomeTransient))
	ObserveQueryAttempt(QueryOutcomeTransient, 20*time.Millisecond)
	if got := testutil.ToFloat64(queryAttemptsTotal.WithLabelValues(QueryOutcomeTransient)); got != before+1 {
		t.Fatalf("query attempts = %f", got)
	}

	before = testutil.ToFloat64(stepRepairsTotal.WithLabelValues("rejected"))
	ObserveRepair(false)
	if got := testutil.ToFloat64(stepRepairsTotal.WithLabelValues("rejected")); got != before+1 {
		t.Fatalf("repairs = %f", got)
	}

	before = testutil.ToFloat64(guardRejectionsTotal.WithLabelValues("query"))
	IncrementGuardRejection("query")
	if got := testutil.ToFloat64(guardRejectionsTotal.WithLabelValues("query")); got != before+1 {
		t.Fatalf("guard rejections = %f", got)
	}

	ObserveStepOutcome("query", "succeeded")
	if got := testutil.ToFloat64(stepOutcomesTotal.WithLabelValues("query", "succeeded")); got < 1 {
		t.Fatalf("step outcomes = %f", got)
	}

	before = testutil.ToFloat64(runsFinishedTotal.WithLabelValues("FAILED"))
	ObserveRunFinished("FAILED", 3*time.Second)
	if got := testutil.ToFloat64(runsFinishedTotal.WithLabelValues("FAILED")); got != before+1 {
		t.Fatalf("runs finished = %f", got)
	}

	before = testutil.ToFloat64(authDenialsTotal.WithLabelValues("GET /v1/tables", "sql_reader"))
	IncrementAuthDenial("GET /v1/tables", "sql_reader")
	if got := testutil.ToFloat64(authDenialsTotal.WithLabelValues("GET /v1/tables", "sql_reader")); got != before+1 {
		t.Fatalf("auth denials = %f", got)
	}
}
