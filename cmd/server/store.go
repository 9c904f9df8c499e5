package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"moldflow/backend/internal/config"
	"moldflow/backend/internal/logging"
	"moldflow/backend/internal/repository"
)

type migratingStore interface {
	repository.Store
	Migrate(ctx context.Context) error
}

// setup loads configuration and builds the logger every subcommand shares.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log configuration: %w", err)
	}
	return cfg, logger, nil
}

// openStore connects to the configured database and applies the schema.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Store, error) {
	var store migratingStore
	switch cfg.DB.Driver {
	case "sqlite":
		logger.Debug("Opening sqlite database", "path", cfg.DB.Path)
		s, err := repository.OpenSQLite(ctx, cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		store = s
	case "postgres", "":
		logger.Debug("Initializing database connection", "host", cfg.DB.Host, "name", cfg.DB.Name)
		pool, err := initPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = repository.NewPostgresStore(pool)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DB.Driver)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func initPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolConfig.MaxConns = cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
