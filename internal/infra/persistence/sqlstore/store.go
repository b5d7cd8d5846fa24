// Package sqlstore implements domain.CatalogStore on database/sql. The
// postgres and sqlite packages supply the driver, DSN and Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"genesync/internal/infra/persistence/sqlbundle"
	"genesync/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.CatalogStore = (*Store)(nil)

// maxRowsPerInsert bounds bind parameters per multi-row INSERT.
const maxRowsPerInsert = 250

// Opener returns a ready connection pool.
type Opener func(ctx context.Context) (*sql.DB, error)

// Options tune a Store.
type Options struct {
	// Migrate applies the dialect DDL on open.
	Migrate bool
	Logger  *zap.Logger
}

// Store is a catalog store over a *sql.DB. When a unit of work fails because
// the connection died, the pool is reopened and the unit retried once.
type Store struct {
	dialect Dialect
	open    Opener
	log     *zap.Logger

	mu sync.RWMutex
	db *sql.DB
}

// New opens the pool, pings it and optionally applies the schema.
func New(ctx context.Context, dialect Dialect, open Opener, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	db, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}
	s := &Store{dialect: dialect, open: open, log: log, db: db}
	if opts.Migrate {
		if err := applyDDL(ctx, db, dialect.DDL); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyDDL(ctx context.Context, db execer, ddl string) error {
	for _, stmt := range sqlbundle.SplitStatements(ddl) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// DB exposes the current pool for integration testing hooks.
func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Close releases the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// withDB runs fn and retries it once on a reopened pool when it failed with a
// dead connection.
func (s *Store) withDB(ctx context.Context, op string, fn func(*sql.DB) error) error {
	db := s.DB()
	if db == nil {
		return fmt.Errorf("%s: store closed", op)
	}
	err := fn(db)
	if err == nil || ctx.Err() != nil || !s.dialect.IsDeadConn(err) {
		return err
	}
	s.log.Warn("database connection lost, reconnecting",
		zap.String("op", op),
		zap.String("dialect", s.dialect.Name),
		zap.Error(err))
	fresh, rerr := s.reconnect(ctx, db)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	return fn(fresh)
}

// reconnect replaces stale with a new pool unless another goroutine already
// did so.
func (s *Store) reconnect(ctx context.Context, stale *sql.DB) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("reconnect %s: store closed", s.dialect.Name)
	}
	if s.db != stale {
		return s.db, nil
	}
	_ = stale.Close()
	db, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconnect %s: %w", s.dialect.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reconnect %s: %w", s.dialect.Name, err)
	}
	s.db = db
	return db, nil
}

// inTx runs fn in a transaction, rolling back on any error.
func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (retErr error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
