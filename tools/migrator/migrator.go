// Package migrator applies versioned SQL migrations.
//
// Migration files are named NNN_name.sql and start their statements after a
// "-- +migrate Up" marker. "-- +migrate Up notransaction" runs the file outside
// a transaction and "-- +migrate Depends: 1 2" declares ordering dependencies.
// Versions must be contiguous starting at 1.
package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	postgresLockKey = 735_018_224
	mysqlLockName   = "schoolsync_migrations"
)

// RunMigrations applies every pending migration found in dir of fsys.
// driver is one of sqlite3, postgres or mysql and selects placeholder syntax
// and the advisory lock used to serialise concurrent migrators.
func RunMigrations(ctx context.Context, db *sql.DB, driver string, fsys fs.FS, dir string) error {
	if err := createSchemaTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create schema table")
	}

	// Advisory locks are session scoped so the whole run is pinned to one connection
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get connection")
	}
	defer conn.Close()

	if err := acquireLock(ctx, conn, driver); err != nil {
		return errors.Wrap(err, "failed to acquire lock")
	}
	defer func() { _ = releaseLock(context.WithoutCancel(ctx), conn, driver) }()

	migrations, err := LoadMigrations(fsys, dir)
	if err != nil {
		return errors.Wrap(err, "failed to load migrations")
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return errors.Wrap(err, "failed to get applied migrations")
	}

	appliedSet := make(map[int]bool)
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		maxApplied = max(maxApplied, v)
	}

	var pending []Migration
	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}

	// History can only move forward
	for _, m := range pending {
		if m.Version < maxApplied {
			return errors.Newf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
	}

	for _, migration := range pending {
		for _, dep := range migration.Dependencies {
			if !appliedSet[dep] {
				return errors.Newf("migration %d depends on version %d which has not been applied", migration.Version, dep)
			}
		}

		if err := applyMigration(ctx, conn, driver, migration); err != nil {
			return errors.Wrapf(err, "failed to apply migration %d", migration.Version)
		}
		appliedSet[migration.Version] = true
	}

	return nil
}

// GetCurrentVersion returns the highest applied migration version, or 0 when
// no migrations have been applied.
func GetCurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// GetAppliedMigrations returns all applied migration versions, sorted.
func GetAppliedMigrations(ctx context.Context, db *sql.DB) ([]int, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return appliedVersions(ctx, conn)
}

func appliedVersions(ctx context.Context, conn *sql.Conn) ([]int, error) {
	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Sort(versions)
	return versions, nil
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist")
}

func createSchemaTable(ctx context.Context, db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := db.ExecContext(ctx, query)
	return err
}

// applyMigration executes a single migration and records it in schema_migrations.
func applyMigration(ctx context.Context, conn *sql.Conn, driver string, migration Migration) error {
	recordQuery := "INSERT INTO schema_migrations (version) VALUES (" + placeholder(driver, 1) + ")"

	if migration.NoTransaction {
		if _, err := conn.ExecContext(ctx, migration.UpSQL); err != nil {
			return errors.Wrap(err, "failed to execute SQL")
		}
		if _, err := conn.ExecContext(ctx, recordQuery, migration.Version); err != nil {
			return errors.Wrap(err, "failed to record migration")
		}
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "failed to execute SQL")
	}
	if _, err := tx.ExecContext(ctx, recordQuery, migration.Version); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "failed to record migration")
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// placeholder returns the SQL placeholder for the nth argument.
func placeholder(driver string, n int) string {
	switch driver {
	case "postgres", "pgx":
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

func acquireLock(ctx context.Context, conn *sql.Conn, driver string) error {
	switch driver {
	case "postgres", "pgx":
		_, err := conn.ExecContext(ctx, fmt.Sprintf("SELECT pg_advisory_lock(%d)", postgresLockKey))
		return err
	case "mysql":
		var result sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 10)", mysqlLockName).Scan(&result); err != nil {
			return err
		}
		if !result.Valid || result.Int64 != 1 {
			return errors.New("timed out waiting for mysql migration lock")
		}
		return nil
	default:
		// SQLite relies on file-level locking
		return nil
	}
}

func releaseLock(ctx context.Context, conn *sql.Conn, driver string) error {
	switch driver {
	case "postgres", "pgx":
		_, err := conn.ExecContext(ctx, fmt.Sprintf("SELECT pg_advisory_unlock(%d)", postgresLockKey))
		return err
	case "mysql":
		_, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", mysqlLockName)
		return err
	default:
		return nil
	}
}
