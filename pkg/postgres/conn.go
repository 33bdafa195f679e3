package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// nolint:lll
type Config struct {
	URL            string `env:"URL, required"`
	MigrationsPath string `env:"MIGRATIONS_PATH, default=file://./migrations"`
	MaxConns       int32  `env:"MAX_CONNS, default=20"` // Pool size shared by the queue and the storage
}

func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pgcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}

	if cfg.MaxConns > 0 {
		pgcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	return pool, nil
}
