package postgres

import (
	"cmp"
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vietddude/walletd/internal/provisioning/metrics"
)

// Supported database/sql driver names.
const (
	DriverPgx = "pgx"
	DriverPQ  = "postgres"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"       env:"URL"`
	Driver   string `yaml:"driver"    env:"DRIVER"`
	MaxConns int    `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int    `yaml:"min_conns" env:"MIN_CONNS"`
}

// DB is the shared sqlx pool used by every repository.
type DB struct {
	*sqlx.DB
}

const (
	defaultMaxConns   = 10
	defaultIdleConns  = 2
	poolStatsInterval = 15 * time.Second
)

// NewDB opens a pool with the configured driver and verifies it with a ping.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	driver := cmp.Or(cfg.Driver, DriverPgx)
	if driver != DriverPgx && driver != DriverPQ {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cmp.Or(max(cfg.MaxConns, 0), defaultMaxConns))
	conn.SetMaxIdleConns(cmp.Or(max(cfg.MinConns, 0), defaultIdleConns))
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: conn}, nil
}

// StartMetricsCollector reports pool usage every poolStatsInterval until ctx is done.
func (db *DB) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(poolStatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.recordPoolUsage()
			}
		}
	}()
}

func (db *DB) recordPoolUsage() {
	stats := db.Stats()
	// Unlimited pools report 0.
	if stats.MaxOpenConnections == 0 {
		return
	}
	metrics.DBConnectionPoolUsage.Set(100 * float64(stats.InUse) / float64(stats.MaxOpenConnections))
}

// Health pings the database.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
