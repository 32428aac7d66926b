// Package db is the durable store for sync schedules, runs and per-school
// run rows. All status mutation goes through this package; nothing else holds
// authoritative run state.
package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/schoolsync/internal/db/migrations"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
	"github.com/livinlefevreloca/schoolsync/tools/migrator"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DB wraps sql.DB with the driver it was opened with
type DB struct {
	*sql.DB
	driver string
	now    func() time.Time
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
	SkipMigrations  bool          `toml:"skip_migrations"`
}

// DefaultConfig returns a file-backed sqlite configuration
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		DSN:    "file:schoolsync.db?_busy_timeout=5000",
	}
}

// Standard errors
var (
	ErrNotFound          = syncerr.ErrNotFound
	ErrDuplicate         = errors.New("db: duplicate key")
	ErrInvalidTransition = errors.New("db: invalid status transition")
)

// Open creates a new database connection
func Open(ctx context.Context, config Config) (*DB, error) {
	sqlDriver, err := driverName(config.Driver)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(sqlDriver, config.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db := wrap(sqlDB, config.Driver)

	if config.Driver == DriverSQLite {
		// sqlite serialises writers; a single connection also keeps :memory: databases coherent
		sqlDB.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if config.Driver == DriverSQLite {
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			sqlDB.Close()
			return nil, errors.Wrap(err, "enable foreign keys")
		}
	}

	return db, nil
}

// New wraps an existing handle, e.g. one created by sqlmock.
func New(sqlDB *sql.DB, driver string) *DB {
	return wrap(sqlDB, driver)
}

func wrap(sqlDB *sql.DB, driver string) *DB {
	return &DB{
		DB:     sqlDB,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func driverName(driver string) (string, error) {
	switch driver {
	case DriverSQLite, DriverMySQL:
		return driver, nil
	case DriverPostgres:
		return "pgx", nil
	default:
		return "", errors.Newf("unsupported database driver %q", driver)
	}
}

// Migrate applies the embedded schema for the configured driver
func (db *DB) Migrate(ctx context.Context) error {
	return migrator.RunMigrations(ctx, db.DB, db.driver, migrations.FS, db.driver)
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// SetClock overrides the timestamp source, for tests.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites ? placeholders to $n for postgres
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, rebind(db.driver, query), args...)
}

func (db *DB) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, rebind(db.driver, query), args...)
}

func (db *DB) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, rebind(db.driver, query), args...)
}

// insertID runs an INSERT and returns the generated id. pgx does not support
// LastInsertId so postgres uses RETURNING.
func (db *DB) insertID(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	if db.driver == DriverPostgres {
		var id int64
		err := db.queryRow(ctx, q, query+" RETURNING id", args...).Scan(&id)
		return id, err
	}

	res, err := db.exec(ctx, q, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// expectOne converts a zero-row update into err
func expectOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}

	// Check database-specific error messages
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "Duplicate entry")
}
