package storage

import (
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"fmt"
	"os"
	"path/filepath"
)

// Open returns the Store selected by cfg.Driver, creating the parent directory of cfg.Path.
func Open(cfg models.StoreConfig) (persistence.Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}
	switch cfg.Driver {
	case "badger":
		return persistence.NewBadgerStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
