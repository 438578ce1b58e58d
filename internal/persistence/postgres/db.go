// Package postgres implements the persistence contracts on PostgreSQL via
// sqlx. Every repo takes a per-query timeout; arrays use pq array types and
// free-form payloads go to JSONB.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"polyflux/internal/config"
)

const defaultQueryTimeout = 30 * time.Second

// Open connects, verifies the connection, and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Int("max_open", cfg.MaxOpenConns).Msg("postgres connected")
	return db, nil
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS articles (
		id            TEXT PRIMARY KEY,
		url           TEXT NOT NULL,
		title         TEXT NOT NULL,
		content       TEXT NOT NULL DEFAULT '',
		snippet       TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT '',
		published_at  TIMESTAMPTZ,
		language      TEXT NOT NULL DEFAULT '',
		categories    TEXT[] NOT NULL DEFAULT '{}',
		tags          TEXT[] NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS articles_url_idx ON articles (url)`,

	`CREATE TABLE IF NOT EXISTS clusters (
		id                  TEXT PRIMARY KEY,
		topic               TEXT NOT NULL,
		topic_key           TEXT NOT NULL,
		summary             TEXT NOT NULL DEFAULT '',
		category            TEXT NOT NULL,
		keywords            TEXT[] NOT NULL DEFAULT '{}',
		heat_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
		article_count       INTEGER NOT NULL DEFAULT 0,
		unique_title_count  INTEGER NOT NULL DEFAULT 0,
		trend_direction     TEXT NOT NULL DEFAULT 'NEUTRAL',
		urgency             TEXT NOT NULL DEFAULT 'LOW',
		sub_event_type      TEXT NOT NULL DEFAULT '',
		first_seen          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		deleted_at          TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS clusters_topic_key_idx
		ON clusters (topic_key, category) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS cluster_articles (
		cluster_id        TEXT NOT NULL,
		article_id        TEXT NOT NULL,
		title_fingerprint TEXT NOT NULL,
		heat_contribution DOUBLE PRECISION NOT NULL DEFAULT 0,
		linked_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (cluster_id, article_id)
	)`,

	`CREATE TABLE IF NOT EXISTS heat_history (
		cluster_id          TEXT NOT NULL,
		ts                  TIMESTAMPTZ NOT NULL,
		heat_score          DOUBLE PRECISION NOT NULL,
		article_count       INTEGER NOT NULL,
		unique_title_count  INTEGER NOT NULL,
		velocity            DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS heat_history_cluster_idx ON heat_history (cluster_id, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS cross_refs (
		cluster_a TEXT NOT NULL,
		cluster_b TEXT NOT NULL,
		relation  TEXT NOT NULL,
		score     DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (cluster_a, cluster_b, relation)
	)`,

	`CREATE TABLE IF NOT EXISTS entities (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		normalized TEXT NOT NULL,
		type       TEXT NOT NULL,
		first_seen TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS entities_normalized_idx ON entities (normalized, type)`,

	`CREATE TABLE IF NOT EXISTS entity_articles (
		entity_id  TEXT NOT NULL,
		article_id TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (entity_id, article_id)
	)`,

	`CREATE TABLE IF NOT EXISTS entity_cluster_heat (
		entity_id  TEXT NOT NULL,
		cluster_id TEXT NOT NULL,
		heat       DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (entity_id, cluster_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id        TEXT PRIMARY KEY,
		market_id TEXT NOT NULL,
		outcome   TEXT NOT NULL,
		side      TEXT NOT NULL,
		shares    DOUBLE PRECISION NOT NULL,
		price     DOUBLE PRECISION NOT NULL,
		fee       DOUBLE PRECISION NOT NULL,
		pnl       DOUBLE PRECISION NOT NULL,
		reason    TEXT NOT NULL DEFAULT '',
		ts        TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS positions (
		market_id      TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		shares         DOUBLE PRECISION NOT NULL,
		average_price  DOUBLE PRECISION NOT NULL,
		last_price     DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL,
		opened_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (market_id, outcome)
	)`,

	`CREATE TABLE IF NOT EXISTS daily_risk_state (
		date                    TEXT PRIMARY KEY,
		trades                  INTEGER NOT NULL,
		total_trades            INTEGER NOT NULL,
		winning_trades          INTEGER NOT NULL,
		losing_trades           INTEGER NOT NULL,
		daily_pnl               DOUBLE PRECISION NOT NULL,
		last_trade_time         TIMESTAMPTZ,
		cooldown_until          TIMESTAMPTZ,
		emergency_stop          BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		id      TEXT PRIMARY KEY,
		ts      TIMESTAMPTZ NOT NULL,
		type    TEXT NOT NULL,
		payload JSONB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS agent_status (
		agent        TEXT NOT NULL,
		cycle_id     TEXT NOT NULL,
		status       TEXT NOT NULL,
		current_step TEXT NOT NULL,
		payload      JSONB NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (agent, cycle_id)
	)`,
}
