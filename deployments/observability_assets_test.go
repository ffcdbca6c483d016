package deployments

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
)

func TestGrafanaDashboardJSONIsValid(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "grafana", "autoplan_dashboard.json")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dashboard file: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(content, &decoded); err != nil {
		t.Fatalf("dashboard JSON parse error: %v", err)
	}

	title, _ := decoded["title"].(string)
	if strings.TrimSpace(title) == "" {
		t.Fatal("dashboard title is required")
	}
	panels, ok := decoded["panels"].([]any)
	if !ok || len(panels) == 0 {
		t.Fatal("dashboard must include at least one panel")
	}
}

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "prometheus", "autoplan_rules.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	text := string(content)

	requiredAlerts := []string{
		"AutoplanQueryLatencyP95High",
		"AutoplanQueryErrorRatioHigh",
		"AutoplanTransientErrorsDetected",
		"AutoplanGuardRejectionsSpike",
		"AutoplanRepairsRejected",
		"AutoplanHTTPErrorRateHigh",
		"AutoplanRunsNotCompleting",
		"AutoplanAuthDenialsSpike",
	}
	for _, alertName := range requiredAlerts {
		if !strings.Contains(text, "alert: "+alertName) {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}

	requiredMetrics := []string{
		"autoplan:slo_query_latency_seconds_p95",
		"autoplan:slo_query_error_ratio_5m",
		"autoplan:slo_transient_errors_15m",
		"autoplan:slo_guard_rejections_15m",
		"autoplan:slo_repair_rejection_ratio_30m",
		"autoplan:slo_http_error_rate_5m",
		"autoplan:slo_run_failure_ratio_1h",
		"autoplan:slo_auth_denials_15m",
	}
	for _, metricName := range requiredMetrics {
		matched, err := regexp.MatchString(regexp.QuoteMeta(metricName), text)
		if err != nil {
			t.Fatalf("regexp error for metric %q: %v", metricName, err)
		}
		if !matched {
			t.Fatalf("rules missing metric reference %q", metricName)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "prometheus", "prometheus-scrape.example.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read scrape example: %v", err)
	}
	text := string(content)

	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"autoplan_rules.yaml",
		"autoplan_recording_rules.yaml",
		"job_name: autoplan-api",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func TestPrometheusRecordingRulesContainExpectedRecords(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "prometheus", "autoplan_recording_rules.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording rules file: %v", err)
	}
	text := string(content)

	requiredRecords := []string{
		"autoplan:slo_query_latency_seconds_p95",
		"autoplan:slo_query_error_ratio_5m",
		"autoplan:slo_transient_errors_15m",
		"autoplan:slo_guard_rejections_15m",
		"autoplan:slo_repair_rejection_ratio_30m",
		"autoplan:slo_http_error_rate_5m",
		"autoplan:slo_step_failures_30m",
	}
	for _, recordName := range requiredRecords {
		if !strings.Contains(text, "record: "+recordName) {
			t.Fatalf("recording rules missing record %q", recordName)
		}
	}
}

func TestAlertmanagerExampleContainsSeverityRouting(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "alertmanager", "alertmanager.example.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read alertmanager example: %v", err)
	}
	text := string(content)

	requiredTokens := []string{
		"receiver: autoplan-default",
		"severity=\"critical\"",
		"severity=\"warning\"",
		"name: autoplan-critical",
		"name: autoplan-warning",
		"inhibit_rules:",
		"group_by: [alertname, service, severity]",
	}
	for _, token := range requiredTokens {
		if !strings.Contains(text, token) {
			t.Fatalf("alertmanager example missing token %q", token)
		}
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
