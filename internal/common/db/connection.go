package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mtatracker-data/internal/common/logger"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite3"
)

type DB struct {
	conn   *sql.DB
	driver string
	logger logger.Logger
}

// New opens and pings a database. SQLite is limited to one connection so
// that transactions from concurrent pollers queue instead of failing busy.
func New(driver, dsn string, log logger.Logger) (*DB, error) {
	switch driver {
	case DriverPostgres, DriverPgx, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info("Database connection established", "driver", driver)

	return &DB{
		conn:   conn,
		driver: driver,
		logger: log,
	}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, nil)
}

// DB exposes the underlying pool.
func (db *DB) DB() *sql.DB {
	return db.conn
}

func (db *DB) Driver() string {
	return db.driver
}

// Logger returns the logger instance
func (db *DB) Logger() logger.Logger {
	return db.logger
}

// Rebind rewrites ? placeholders into the driver's bind syntax. Queries in
// this module never carry a literal question mark.
func (db *DB) Rebind(query string) string {
	if db.driver == DriverSQLite {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// Timestamp normalizes times before they are written so that stored values
// compare the same way on every driver.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// NullTimestamp is Timestamp for optional values.
func NullTimestamp(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: Timestamp(*t), Valid: true}
}
