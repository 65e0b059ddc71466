// Package backend opens the proposal store selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/davidahmann/covenant/internal/config"
	"github.com/davidahmann/covenant/internal/store"
	"github.com/davidahmann/covenant/internal/store/pgstore"
	"github.com/davidahmann/covenant/internal/store/sqlstore"
)

// Open returns a migrated store for cfg.Driver.
func Open(ctx context.Context, cfg config.DBConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", config.DBMemory:
		return store.NewInMemoryStore(), nil
	case config.DBSQLite:
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := store.Migrate(ctx, s.DB(), store.DBSQLite); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case config.DBPostgres:
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := store.Migrate(ctx, s.DB(), store.DBPostgres); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", cfg.Driver)
	}
}
