package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "docragd"

// Config holds database connection configuration
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	// ConnectAttempts is how many pings NewPool tries before giving up, so
	// docragd can start alongside a database that is still booting.
	ConnectAttempts int
	RetryDelay      time.Duration
}

// NewPool opens a pool and waits until the database answers a ping. The delay
// between attempts doubles up to 5s. Cancelling ctx stops the wait.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = 30 * time.Second
	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := waitForDatabase(ctx, pool, cfg.ConnectAttempts, cfg.RetryDelay); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func waitForDatabase(ctx context.Context, db pinger, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = db.Ping(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		log.Printf("database: ping failed (attempt %d/%d), retrying in %s: %v", i, attempts, delay, err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to ping database: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, 5*time.Second)
	}
	return fmt.Errorf("failed to ping database after %d attempts: %w", attempts, err)
}
