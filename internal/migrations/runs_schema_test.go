package migrations

import (
	"strings"
	"testing"
)

func TestRunsMigrationContainsRequiredTablesAndIndexes(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_runs.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	sql := string(body)
	requiredSnippets := []string{
		"CREATE TABLE run (",
		"CREATE TABLE run_artifact",
		"ON DELETE CASCADE",
		"PRIMARY KEY (run_id, position)",
		"CREATE INDEX idx_run_created_at_desc",
		"CREATE UNIQUE INDEX idx_run_artifact_artifact_id",
		"'NEEDS_CONFIRMATION'",
	}

	for _, snippet := range requiredSnippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("migration missing required snippet: %s", snippet)
		}
	}
}

func TestRunsDownMigrationDropsChildTableFirst(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_runs.down.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	sql := string(body)
	if strings.Index(sql, "run_artifact") > strings.Index(sql, "DROP TABLE IF EXISTS run;") {
		t.Fatalf("down migration drops run before run_artifact:\n%s", sql)
	}
}
