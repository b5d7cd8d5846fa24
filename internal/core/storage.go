package core

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"genesync/internal/infra/persistence/memory"
	"genesync/internal/infra/persistence/postgres"
	"genesync/internal/infra/persistence/sqlite"
	"genesync/pkg/domain"
)

// StorageDriver identifies a concrete catalog store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / dry runs)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// PostgresConfig holds the resolved connection settings for the postgres
// driver. DSN, when set, wins over the discrete fields.
type PostgresConfig struct {
	DSN          string
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
}

// StorageConfig selects and configures the catalog store.
type StorageConfig struct {
	Driver     StorageDriver
	SQLitePath string
	// MemorySeed names a JSON snapshot loaded into the memory driver.
	MemorySeed string
	Postgres   PostgresConfig
	// Migrate applies the embedded schema before first use.
	Migrate bool
	Logger  *zap.Logger
}

// OpenCatalogStore opens the catalog store named by cfg.Driver. Postgres is
// the default.
func OpenCatalogStore(ctx context.Context, cfg StorageConfig) (domain.CatalogStore, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = StoragePostgres
	}
	switch driver {
	case StorageMemory:
		return openMemory(cfg.MemorySeed)
	case StorageSQLite:
		store, err := sqlite.NewStore(ctx, sqlite.Config{Path: cfg.SQLitePath, Migrate: cfg.Migrate, Logger: log})
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		pg := cfg.Postgres
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:          pg.DSN,
			Host:         pg.Host,
			Port:         pg.Port,
			User:         pg.User,
			Password:     pg.Password,
			Database:     pg.Database,
			SSLMode:      pg.SSLMode,
			MaxOpenConns: pg.MaxOpenConns,
			Migrate:      cfg.Migrate,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

func openMemory(seed string) (*memory.Store, error) {
	store := memory.NewStore()
	if seed == "" {
		return store, nil
	}
	f, err := os.Open(seed)
	if err != nil {
		return nil, fmt.Errorf("open memory seed: %w", err)
	}
	defer func() { _ = f.Close() }()
	snap, err := memory.ReadSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("memory seed %s: %w", seed, err)
	}
	store.ImportState(snap)
	return store, nil
}
