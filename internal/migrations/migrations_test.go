package migrations

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/000001_one.up.sql":   {Data: []byte("CREATE TABLE one (id INT);")},
		"sql/000001_one.down.sql": {Data: []byte("DROP TABLE one;")},
		"sql/000002_two.up.sql":   {Data: []byte("CREATE TABLE two (id INT);")},
		"sql/000002_two.down.sql": {Data: []byte("DROP TABLE two;")},
		"sql/README.md":           {Data: []byte("not a migration")},
	}
}

func checksumOf(up string) string {
	return Migration{Up: up}.Checksum()
}

// expectLocked queues the lock, ledger bootstrap and ledger read that precede
// every runner operation.
func expectLocked(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS autoplan_schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum FROM autoplan_schema_migrations")).WillReturnRows(rows)
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestLoadMigrationsSortsAndPairsUpDown(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/000010_ten.up.sql":   {Data: []byte("SELECT 10;")},
		"sql/000010_ten.down.sql": {Data: []byte("SELECT -10;")},
		"sql/000002_two.up.sql":   {Data: []byte("SELECT 2;")},
		"sql/000002_two.down.sql": {Data: []byte("SELECT -2;")},
	}

	items, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) != 2 || items[0].Version != 2 || items[1].Version != 10 {
		t.Fatalf("unexpected migration order: %+v", items)
	}
	if items[1].Name != "ten" || items[1].String() != "000010_ten" {
		t.Fatalf("name = %q, string = %q", items[1].Name, items[1].String())
	}
}

func TestLoadMigrationsRejectsIncompletePairs(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		want string
	}{
		{
			name: "down missing",
			fsys: fstest.MapFS{"sql/000001_one.up.sql": {Data: []byte("SELECT 1;")}},
			want: "missing down SQL",
		},
		{
			name: "up empty",
			fsys: fstest.MapFS{
				"sql/000001_one.up.sql":   {Data: []byte("  ")},
				"sql/000001_one.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "missing up SQL",
		},
		{
			name: "names disagree",
			fsys: fstest.MapFS{
				"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
				"sql/000001_uno.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "is named both",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadMigrations(tc.fsys)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	items, err := loadMigrations(embeddedFS)
	if err != nil {
		t.Fatalf("loadMigrations(embedded) error = %v", err)
	}
	if len(items) == 0 || items[0].Name != "runs" {
		t.Fatalf("embedded migrations = %+v", items)
	}
}

func TestUpAppliesOnlyPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectLocked(mock, sqlmock.NewRows([]string{"version", "checksum"}).AddRow(int64(1), checksumOf("CREATE TABLE one (id INT);")))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE two (id INT);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO autoplan_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)")).
		WithArgs(int64(2), "two", checksumOf("CREATE TABLE two (id INT);")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := (&Runner{fsys: testFS()}).Up(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestUpRefusesWhenAppliedMigrationChanged(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectLocked(mock, sqlmock.NewRows([]string{"version", "checksum"}).AddRow(int64(1), checksumOf("CREATE TABLE one (id BIGINT);")))
	expectUnlock(mock)

	applied, err := (&Runner{fsys: testFS()}).Up(context.Background(), db, 0)
	if err == nil || !strings.Contains(err.Error(), "changed since they ran: [1]") {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d, want 0", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestUpStopsAtFailingMigration(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectLocked(mock, sqlmock.NewRows([]string{"version", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE one (id INT);")).WillReturnError(errors.New("syntax error at or near \"TABLE\""))
	mock.ExpectRollback()
	expectUnlock(mock)

	applied, err := (&Runner{fsys: testFS()}).Up(context.Background(), db, 0)
	if err == nil || !strings.Contains(err.Error(), "apply migration 000001_one") {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d, want 0", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestDownRollsBackNewestFirst(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectLocked(mock, sqlmock.NewRows([]string{"version", "checksum"}).
		AddRow(int64(1), checksumOf("CREATE TABLE one (id INT);")).
		AddRow(int64(2), checksumOf("CREATE TABLE two (id INT);")))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE two;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM autoplan_schema_migrations WHERE version = $1")).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	rolledBack, err := (&Runner{fsys: testFS()}).Down(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if rolledBack != 1 {
		t.Fatalf("rolledBack = %d, want 1", rolledBack)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestStatusReportsPendingAndDrift(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectLocked(mock, sqlmock.NewRows([]string{"version", "checksum"}).AddRow(int64(1), "stale"))
	expectUnlock(mock)

	status, err := (&Runner{fsys: testFS()}).Status(context.Background(), db)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(status.Applied) != 1 || status.Applied[0] != 1 {
		t.Fatalf("applied = %v", status.Applied)
	}
	if len(status.Pending) != 1 || status.Pending[0] != 2 {
		t.Fatalf("pending = %v", status.Pending)
	}
	if len(status.Drifted) != 1 || status.Drifted[0] != 1 {
		t.Fatalf("drifted = %v", status.Drifted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
