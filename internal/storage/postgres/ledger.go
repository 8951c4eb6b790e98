// Package postgres records finalized downloads in a Postgres ledger table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/clipvault/internal/media"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool used for ledger rows.
type LedgerConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger writes one row per finalized download.
type Ledger struct {
	pool  execCloser
	table string
}

// NewLedger creates a Postgres-backed Ledger using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	ledger := &Ledger{pool: pool, table: table}
	if cfg.AutoMigrate {
		if err := ledger.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return ledger, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool execCloser, table string) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "downloads"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Migrate creates the ledger table when it does not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	item_id        TEXT NOT NULL,
	owner_id       TEXT NOT NULL,
	source_url     TEXT NOT NULL,
	asset_path     TEXT NOT NULL,
	thumbnail_path TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	size_bytes     BIGINT NOT NULL,
	reused         BOOLEAN NOT NULL,
	downloaded_at  TIMESTAMPTZ NOT NULL
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// RecordDownload inserts a ledger row. Replaying the same entry id is a no-op.
func (l *Ledger) RecordDownload(ctx context.Context, entry media.LedgerEntry) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if entry.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	item_id,
	owner_id,
	source_url,
	asset_path,
	thumbnail_path,
	content_hash,
	size_bytes,
	reused,
	downloaded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) ON CONFLICT (id) DO NOTHING`, l.table)

	args := []any{
		entry.ID,
		entry.ItemID,
		entry.OwnerID,
		entry.SourceURL,
		entry.AssetPath,
		entry.ThumbnailPath,
		entry.ContentHash,
		entry.SizeBytes,
		entry.Reused,
		entry.DownloadedAt,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return nil
}
