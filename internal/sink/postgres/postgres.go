// Package postgres persists harvest runs and their items into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	RunsTable       string        `mapstructure:"runs_table"`
	ItemsTable      string        `mapstructure:"items_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// Migrate creates the tables on startup when they do not exist.
	Migrate bool `mapstructure:"migrate"`
}

type beginCloser interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Sink writes one row per run and one row per item inside a transaction.
type Sink struct {
	pool  beginCloser
	runs  string
	items string
}

var _ pipeline.Sink = (*Sink)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sinks.postgres.dsn is required")
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
	s, err := NewWithPool(pool, cfg.RunsTable, cfg.ItemsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(pool beginCloser, runsTable, itemsTable string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = "harvest_runs"
	}
	if itemsTable == "" {
		itemsTable = "harvest_items"
	}
	for _, table := range []string{runsTable, itemsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Sink{pool: pool, runs: runsTable, items: itemsTable}, nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the run and item tables if they are missing.
func (s *Sink) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id      TEXT PRIMARY KEY,
	target      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	stats       JSONB NOT NULL
)`, s.runs),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id       TEXT NOT NULL,
	item_id      TEXT NOT NULL,
	source       TEXT NOT NULL,
	name         TEXT NOT NULL,
	url          TEXT NOT NULL,
	category     TEXT,
	brand        TEXT,
	image_url    TEXT,
	attributes   JSONB,
	offers       JSONB,
	page         INTEGER NOT NULL,
	state        TEXT NOT NULL,
	error        TEXT,
	harvested_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, item_id)
)`, s.items),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// Save implements pipeline.Sink.
func (s *Sink) Save(ctx context.Context, res pipeline.Result) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres sink is not configured")
	}
	if res.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := s.write(ctx, tx, res); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run %s: %w", res.RunID, err)
	}
	return nil
}

func (s *Sink) write(ctx context.Context, tx pgx.Tx, res pipeline.Result) error {
	stats, err := json.Marshal(res.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	runQuery := fmt.Sprintf(`
INSERT INTO %s (run_id, target, started_at, finished_at, stats)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	stats = EXCLUDED.stats`, s.runs)
	if _, err := tx.Exec(ctx, runQuery, res.RunID, res.Target, res.StartedAt, res.FinishedAt, stats); err != nil {
		return fmt.Errorf("insert run %s: %w", res.RunID, err)
	}

	itemQuery := fmt.Sprintf(`
INSERT INTO %s (
	run_id, item_id, source, name, url, category, brand, image_url,
	attributes, offers, page, state, error, harvested_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (run_id, item_id) DO UPDATE SET
	name = EXCLUDED.name,
	category = EXCLUDED.category,
	brand = EXCLUDED.brand,
	image_url = EXCLUDED.image_url,
	attributes = EXCLUDED.attributes,
	offers = EXCLUDED.offers,
	state = EXCLUDED.state,
	error = EXCLUDED.error`, s.items)
	for _, item := range res.Items {
		if item == nil {
			continue
		}
		attrs, err := json.Marshal(item.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes for %s: %w", item.ID, err)
		}
		offers, err := json.Marshal(item.Offers)
		if err != nil {
			return fmt.Errorf("marshal offers for %s: %w", item.ID, err)
		}
		if _, err := tx.Exec(ctx, itemQuery,
			res.RunID,
			item.ID,
			item.Source,
			item.Name,
			item.URL,
			item.Category,
			item.Brand,
			item.ImageURL,
			attrs,
			offers,
			item.Page,
			string(item.State),
			item.Err,
			item.HarvestedAt,
		); err != nil {
			return fmt.Errorf("insert item %s: %w", item.ID, err)
		}
	}
	return nil
}
