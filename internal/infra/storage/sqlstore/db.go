// Package sqlstore is the SQL checkpoint backend. One database holds any
// number of runs; PostgreSQL (pgx or lib/pq) and SQLite are supported.
package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // driver "postgres"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // driver "sqlite"

	"github.com/vietddude/llmbatch/internal/processing/metrics"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	// sqlx does not know modernc's driver name.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config holds the database connection configuration.
type Config struct {
	Driver   string `yaml:"driver"    env:"DRIVER"` // pgx, postgres, sqlite
	DSN      string `yaml:"dsn"       env:"DSN"`
	MaxConns int    `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int    `yaml:"min_conns" env:"MIN_CONNS"`
}

// DB wraps the checkpoint database connection.
type DB struct {
	*sqlx.DB
	driver string
}

// NewDB opens the database, configures the pool and applies migrations.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = DriverPgx
	}
	if !isPostgres(driver) && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required for driver %q", driver)
	}

	dsn := cfg.DSN
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// Serialise writers; SQLite allows one at a time anyway.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		} else {
			db.SetMaxOpenConns(10)
		}
		if cfg.MinConns > 0 {
			db.SetMaxIdleConns(cfg.MinConns)
		} else {
			db.SetMaxIdleConns(2)
		}
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{DB: db, driver: driver}, nil
}

func migrate(ctx context.Context, db *sqlx.DB, driver string) error {
	dialect, dir := goose.DialectPostgres, "migrations/postgres"
	if driver == DriverSQLite {
		dialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	}

	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

func isPostgres(driver string) bool {
	return driver == DriverPgx || driver == DriverPostgres
}

// sqliteDSN turns a bare path into a DSN with durable pragmas.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") || dsn == ":memory:" {
		return dsn
	}
	return dsn + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
}

// StartMetricsCollector samples pool usage until ctx is done.
func (db *DB) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					metrics.DBConnectionPoolUsage.Set(usage)
				}
			}
		}
	}()
}

// Health checks if the database is reachable.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
