package store

import (
	"context"
	"fmt"

	"tokenkeeper/internal/config"
)

// New creates the AccountStore for the configured database backend.
func New(ctx context.Context, cfg *config.Config) (AccountStore, error) {
	switch cfg.DatabaseType {
	case "sqlite":
		return NewSQLiteStore(cfg.DatabasePath)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, PostgresConfig{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDB,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
}

// Ensure both backends satisfy the interface
var (
	_ AccountStore = (*SQLiteStore)(nil)
	_ AccountStore = (*PostgresStore)(nil)
)
