package authkitpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing for the user directory. Logins are short single-row statements.
const (
	poolMinConns          = 1
	poolMaxConns          = 8
	poolMaxConnLifetime   = 30 * time.Minute
	poolHealthCheckPeriod = 30 * time.Second
)

// BuildPool opens a pgx pool for the user directory and pings it so a bad URL fails at startup.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("user_directory.pgx.parse_url: %w", err)
	}
	config.MinConns = poolMinConns
	config.MaxConns = poolMaxConns
	config.MaxConnLifetime = poolMaxConnLifetime
	config.HealthCheckPeriod = poolHealthCheckPeriod
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("user_directory.pgx.open: %w", err)
	}
	if pingErr := pool.Ping(ctx); pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("user_directory.pgx.ping: %w", pingErr)
	}
	return pool, nil
}
