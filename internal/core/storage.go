package core

import (
	"fmt"
	"os"

	"github.com/gdsfactory/gdatasea/internal/infra/persistence/memory"
	"github.com/gdsfactory/gdatasea/internal/infra/persistence/postgres"
	"github.com/gdsfactory/gdatasea/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	GDATASEA_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	GDATASEA_SQLITE_PATH: path to sqlite file (default ./gdatasea.db)
//	GDATASEA_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(observer memory.ChangeObserver) (PersistentStore, error) {
	driver := os.Getenv("GDATASEA_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(observer), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("GDATASEA_SQLITE_PATH"), observer)
	case StoragePostgres:
		return postgres.NewStore(os.Getenv("GDATASEA_POSTGRES_DSN"), observer)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
