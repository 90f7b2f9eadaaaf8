package storage

import (
	"fmt"

	"github.com/xyproto/env/v2"
)

const (
	StoreKindEnv  = "MALINJECT_STORE"
	DBPathEnv     = "MALINJECT_DB_PATH"
	defaultDBPath = "malinject.db"
)

// DefaultStoreKind is the backend used when no -store flag is given. The
// environment is reloaded first since env caches it on first use.
func DefaultStoreKind() string {
	env.Load()
	return env.Str(StoreKindEnv, "memory")
}

func DefaultDBPath() string {
	env.Load()
	return env.Str(DBPathEnv, defaultDBPath)
}

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
