package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zapadapter"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between the supported drivers.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "pgx"
	MySQL    Dialect = "mysql"
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite":
		return SQLite, nil
	case "pgx", "postgres":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return "", fmt.Errorf("unsupported driver %q", driver)
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Rebind rewrites ? placeholders into the dialect's placeholder syntax.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders returns n comma separated ? placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Options configures Open.
type Options struct {
	Driver       string
	DSN          string
	QueryLog     bool
	MaxOpenConns int
}

// Open opens a relational store and optionally wraps it with query logging.
func Open(opts Options, logger *zap.Logger) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, "", err
	}

	dsn := opts.DSN
	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s database: %w", opts.Driver, err)
	}

	if opts.QueryLog && logger != nil {
		db = sqldblogger.OpenDriver(dsn, db.Driver(), zapadapter.New(logger.With(zap.String("driver", opts.Driver))),
			sqldblogger.WithDurationFieldname("dur_ms"),
			sqldblogger.WithDurationUnit(sqldblogger.DurationMillisecond),
			sqldblogger.WithSQLQueryFieldname("sql_query"),
			sqldblogger.WithWrapResult(false),
		)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, dialect, nil
}

// OpenSQLite opens a SQLite database configured for concurrent access.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// RetryOnBusy retries operation while SQLite reports lock contention.
func RetryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !IsBusyError(err) {
			return err
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
		}
	}
	return err
}

// IsBusyError checks if the error is a SQLite busy error
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}
