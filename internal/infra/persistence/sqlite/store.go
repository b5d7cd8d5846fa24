// Package sqlite opens the catalog store on a SQLite file through the pure-Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"genesync/internal/infra/persistence/sqlbundle"
	"genesync/internal/infra/persistence/sqlstore"
)

const defaultPath = "genesync.db"

// Dialect is the SQLite dialect of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	Placeholder: sqlstore.QuestionPlaceholder,
	DDL:         sqlbundle.SQLite(),
}

// Config describes the database file.
type Config struct {
	Path    string
	Migrate bool
	Logger  *zap.Logger
}

// DSN returns the driver connection string for path with a busy timeout so
// concurrent readers do not fail on a writer's lock.
func DSN(path string) string {
	if path == "" {
		path = defaultPath
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// NewStore opens the catalog store backed by the SQLite file at cfg.Path.
func NewStore(ctx context.Context, cfg Config) (*sqlstore.Store, error) {
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	dsn := DSN(path)
	open := func(context.Context) (*sql.DB, error) {
		return sql.Open("sqlite", dsn)
	}
	return sqlstore.New(ctx, Dialect, open, sqlstore.Options{Migrate: cfg.Migrate, Logger: cfg.Logger})
}
