// Package migrations applies the embedded PostgreSQL schema for the run store.
// Each applied version is recorded with a checksum of its up script, so a
// migration edited after it ran is reported instead of silently skipped.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	ledgerTable = "autoplan_schema_migrations"

	// lockKey is the session advisory lock held while the ledger is read and
	// changed. API replicas that migrate on start queue behind each other.
	lockKey int64 = 0x6175746f706c616e
)

var fileNamePattern = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// Migration is one versioned change to the run store schema.
type Migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

func (m Migration) String() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

// Status reports the ledger against the embedded migrations. Drifted lists
// applied versions whose up script no longer matches the recorded checksum.
type Status struct {
	Applied []int64
	Pending []int64
	Drifted []int64
}

// ledger maps applied versions to their recorded checksum.
type ledger map[int64]string

func (l ledger) versions(descending bool) []int64 {
	versions := make([]int64, 0, len(l))
	for version := range l {
		versions = append(versions, version)
	}
	slices.Sort(versions)
	if descending {
		slices.Reverse(versions)
	}
	return versions
}

// Up applies pending migrations in version order. steps <= 0 applies all.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	applied := 0
	err := r.locked(ctx, db, func(conn *sql.Conn, source []Migration, done ledger) error {
		if drifted := drift(source, done); len(drifted) > 0 {
			return fmt.Errorf("applied migrations changed since they ran: %v", drifted)
		}
		for _, item := range source {
			if _, ok := done[item.Version]; ok {
				continue
			}
			if steps > 0 && applied >= steps {
				break
			}
			err := runInTx(ctx, conn, item.Up,
				`INSERT INTO `+ledgerTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
				item.Version, item.Name, item.Checksum())
			if err != nil {
				return fmt.Errorf("apply migration %s: %w", item, err)
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down rolls back the newest applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	rolledBack := 0
	err := r.locked(ctx, db, func(conn *sql.Conn, source []Migration, done ledger) error {
		byVersion := make(map[int64]Migration, len(source))
		for _, item := range source {
			byVersion[item.Version] = item
		}
		for _, version := range done.versions(true) {
			if rolledBack >= steps {
				break
			}
			item, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("applied migration %d is missing from source", version)
			}
			err := runInTx(ctx, conn, item.Down,
				`DELETE FROM `+ledgerTable+` WHERE version = $1`, item.Version)
			if err != nil {
				return fmt.Errorf("roll back migration %s: %w", item, err)
			}
			rolledBack++
		}
		return nil
	})
	return rolledBack, err
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	var status Status
	err := r.locked(ctx, db, func(_ *sql.Conn, source []Migration, done ledger) error {
		status = Status{Applied: done.versions(false), Pending: []int64{}, Drifted: drift(source, done)}
		for _, item := range source {
			if _, ok := done[item.Version]; !ok {
				status.Pending = append(status.Pending, item.Version)
			}
		}
		return nil
	})
	return status, err
}

// locked loads the embedded migrations, pins one connection, takes the
// advisory lock on it and hands fn the current ledger.
func (r *Runner) locked(ctx context.Context, db *sql.DB, fn func(*sql.Conn, []Migration, ledger) error) error {
	source, err := loadMigrations(r.fsys)
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+ledgerTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}

	done, err := readLedger(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, source, done)
}

func readLedger(ctx context.Context, conn *sql.Conn) (ledger, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM `+ledgerTable)
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	done := ledger{}
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan migration ledger: %w", err)
		}
		done[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	return done, nil
}

// runInTx runs a migration script and its ledger update atomically.
func runInTx(ctx context.Context, conn *sql.Conn, script, ledgerSQL string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, ledgerSQL, args...); err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}
	return tx.Commit()
}

func drift(source []Migration, done ledger) []int64 {
	var drifted []int64
	for _, item := range source {
		if checksum, ok := done[item.Version]; ok && checksum != item.Checksum() {
			drifted = append(drifted, item.Version)
		}
	}
	return drifted
}

// loadMigrations pairs NNNNNN_name.up.sql with its .down.sql and orders the
// result by version. Files that do not follow the pattern are ignored.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*Migration{}
	for _, entry := range entries {
		matches := fileNamePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = item
		} else if item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d is named both %q and %q", version, item.Name, matches[2])
		}
		if matches[3] == "up" {
			item.Up = string(body)
		} else {
			item.Down = string(body)
		}
	}

	source := make([]Migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.Up) == "" {
			return nil, fmt.Errorf("migration %s missing up SQL", item)
		}
		if strings.TrimSpace(item.Down) == "" {
			return nil, fmt.Errorf("migration %s missing down SQL", item)
		}
		source = append(source, *item)
	}
	slices.SortFunc(source, func(a, b Migration) int { return int(a.Version - b.Version) })
	return source, nil
}
