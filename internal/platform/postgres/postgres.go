// Package postgres opens the optional run ledger database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/platform/env"
)

// Config describes the ledger pool. The ledger writes a handful of rows per
// task, so the pool stays small.
type Config struct {
	URL         string
	PingTimeout time.Duration
	MaxConns    int
	IdleConns   int
	MaxLifetime time.Duration
}

// ConfigFromEnv reads DATABASE_URL and TAC_LEDGER_*. An unset DATABASE_URL
// leaves the ledger disabled.
func ConfigFromEnv() (Config, error) {
	cfg := Config{URL: strings.TrimSpace(env.String("DATABASE_URL", ""))}
	if !cfg.Enabled() {
		return cfg, nil
	}

	var err error
	if cfg.PingTimeout, err = env.Duration("TAC_LEDGER_PING_TIMEOUT", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MaxConns, err = env.Int("TAC_LEDGER_MAX_CONNS", 4); err != nil {
		return Config{}, err
	}
	if cfg.IdleConns, err = env.Int("TAC_LEDGER_IDLE_CONNS", 2); err != nil {
		return Config{}, err
	}
	if cfg.MaxLifetime, err = env.Duration("TAC_LEDGER_CONN_MAX_LIFETIME", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return c.URL != ""
}

func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("database url is required")
	case !strings.HasPrefix(c.URL, "postgres://") && !strings.HasPrefix(c.URL, "postgresql://"):
		return errors.New("database url must use the postgres:// scheme")
	case c.PingTimeout <= 0:
		return errors.New("ping timeout must be positive")
	case c.MaxConns < 1:
		return errors.New("max conns must be >= 1")
	case c.IdleConns < 0 || c.IdleConns > c.MaxConns:
		return fmt.Errorf("idle conns must be within [0, %d]", c.MaxConns)
	case c.MaxLifetime < 0:
		return errors.New("conn max lifetime must be >= 0")
	}
	return nil
}

// Open connects through the pgx stdlib driver and fails unless the server
// answers a ping within cfg.PingTimeout.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.IdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := Ping(ctx, db, cfg.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Ping bounds a liveness probe of db; readiness checks share it with Open.
func Ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping ledger db: %w", err)
	}
	return nil
}
