package core

import (
	"context"
	"fmt"
	"io"

	"bunkcore/internal/config"
	"bunkcore/internal/infra/persistence/memory"
	"bunkcore/internal/infra/persistence/postgres"
	"bunkcore/internal/infra/persistence/sqlite"
	"bunkcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend from cfg. The returned closer releases
// the database handle and is a no-op for the memory driver.
func OpenPersistentStore(ctx context.Context, cfg config.StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, io.Closer, error) {
	switch StorageDriver(cfg.Driver) {
	case StorageMemory, "":
		return memory.NewStore(engine), nopCloser{}, nil
	case StorageSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, domain.ConfigError{Field: "storage.driver", Reason: fmt.Sprintf("unknown storage driver %q", cfg.Driver)}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
