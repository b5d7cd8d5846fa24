// Package postgres opens the catalog store on PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"go.uber.org/zap"

	"genesync/internal/infra/persistence/sqlbundle"
	"genesync/internal/infra/persistence/sqlstore"
)

const (
	defaultDriver = "pgx"
	defaultHost   = "localhost"
	defaultPort   = 5432
	defaultDB     = "flygenes"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Config describes the connection. DSN, when set, wins over the discrete
// fields.
type Config struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// MaxOpenConns caps the pool; zero keeps the driver default.
	MaxOpenConns int
	Migrate      bool
	Logger       *zap.Logger
}

// Dialect is the PostgreSQL dialect of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:        "postgres",
	Placeholder: sqlstore.DollarPlaceholder,
	DDL:         sqlbundle.Postgres(),
	DeadConn:    isDeadConn,
}

// ConnString renders the connection URL for cfg.
func (cfg Config) ConnString() string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	host := cfg.Host
	if host == "" {
		host = defaultHost
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	db := cfg.Database
	if db == "" {
		db = defaultDB
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + db,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u.RawQuery = url.Values{"sslmode": {sslMode}}.Encode()
	return u.String()
}

// NewStore opens, pings and optionally migrates the catalog database.
func NewStore(ctx context.Context, cfg Config) (*sqlstore.Store, error) {
	dsn := cfg.ConnString()
	open := func(context.Context) (*sql.DB, error) {
		openMu.Lock()
		db, err := sqlOpen(defaultDriver, dsn)
		openMu.Unlock()
		if err != nil {
			return nil, err
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		return db, nil
	}
	return sqlstore.New(ctx, Dialect, open, sqlstore.Options{Migrate: cfg.Migrate, Logger: cfg.Logger})
}

// isDeadConn recognises server-side terminations (SQLSTATE class 08 and
// 57P01-57P03) and errors pgconn marks as safe to retry.
func isDeadConn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
