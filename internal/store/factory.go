package store

import (
	"context"
	"fmt"

	"github.com/stocktide/stocktide/internal/config"
	"github.com/stocktide/stocktide/internal/logging"
)

// Open creates a Store based on the configured backend. When SQLite cannot
// be opened (locked file, restricted filesystem) the engine must not crash:
// it degrades to an in-memory store and reports degraded=true so the caller
// can surface it to the user.
func Open(ctx context.Context, cfg *config.Config, log logging.Logger) (s Store, degraded bool, err error) {
	switch cfg.StoreBackend {
	case "sqlite":
		sq, err := OpenSQLite(ctx, cfg.DatabasePath)
		if err != nil {
			log.Warn(ctx, "local database unavailable, running in memory only", "path", cfg.DatabasePath, "error", err)
			return NewMemoryStore(), true, nil
		}
		return sq, false, nil
	case "memory":
		return NewMemoryStore(), false, nil
	default:
		return nil, false, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}
