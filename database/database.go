// Package database opens the durable store and applies its migrations.
//
// Two drivers are supported behind one sqlx handle: modernc's pure-Go SQLite
// for development and small deployments, and lib/pq for PostgreSQL. Queries
// are written with "?" placeholders and passed through Rebind, which turns
// them into "$n" on PostgreSQL.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/akinalp/parley/config"
	"github.com/akinalp/parley/pkg/logging"
)

var logger = logging.For("database")

// goose keeps its settings in package globals.
var migrateMu sync.Mutex

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps the connection pool. *sqlx.DB is safe for concurrent use.
type DB struct {
	Conn   *sqlx.DB
	Driver string
}

// New opens the configured store, pings it and runs pending migrations.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.DSN
	dialect := "postgres"

	if cfg.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// foreign keys are off by default in SQLite; busy_timeout makes
		// concurrent writers wait instead of failing with SQLITE_BUSY.
		dsn = cfg.DSN + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
		dialect = "sqlite3"
	}

	conn, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{Conn: conn, Driver: cfg.Driver}
	if err := db.migrate(dialect); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Str("driver", cfg.Driver).Msg("connected and migrations applied")
	return db, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.Conn.Close()
}

func (db *DB) migrate(dialect string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(EmbeddedMigrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db.Conn.DB, "migrations")
}

// gooseLogger routes goose output through zerolog.
type gooseLogger struct{}

func (gooseLogger) Fatal(v ...interface{}) { logger.Fatal().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Fatalf(format string, v ...interface{}) {
	logger.Fatal().Msgf(format, v...)
}
func (gooseLogger) Print(v ...interface{})   { logger.Debug().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Println(v ...interface{}) { logger.Debug().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Printf(format string, v ...interface{}) {
	logger.Debug().Msgf(format, v...)
}
