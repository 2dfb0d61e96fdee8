package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options selects and configures the backing database.
type Options struct {
	// Driver is one of sqlite (default), postgres or mysql.
	Driver string
	// DSN is the connection string. For sqlite it may be left empty and
	// DataDir used instead.
	DSN string
	// DataDir holds keyward.db for sqlite. Empty means in-memory.
	DataDir string
	// MaxOpenConns caps the pool for network databases. Ignored for sqlite.
	MaxOpenConns int
}

// Store persists credentials, owners and the usage log. All methods are safe
// for concurrent use; usage counters are updated with single-statement
// increments so concurrent commits never lose updates.
type Store struct {
	db      *sqlx.DB
	dialect string
}

// Open connects to the configured database and applies migrations.
func Open(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(opts)
	case DriverPostgres:
		db, err = sqlx.Connect("pgx", opts.DSN)
	case DriverMySQL:
		var dsn string
		dsn, err = mysqlDSN(opts.DSN)
		if err == nil {
			db, err = sqlx.Connect("mysql", dsn)
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver != DriverSQLite && opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &Store{db: db, dialect: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func openSQLite(opts Options) (*sqlx.DB, error) {
	dsn := opts.DSN
	if dsn == "" {
		if opts.DataDir == "" {
			dsn = ":memory:?_time_format=sqlite"
		} else {
			if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "keyward.db") +
				"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
		}
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Dialect returns the driver name the store was opened with.
func (s *Store) Dialect() string {
	return s.dialect
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func isUniqueViolation(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry")
}
