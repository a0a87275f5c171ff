// Package store persists flushed metrics, archived insights and reports,
// and the hourly rollup table in PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection  TEXT        NOT NULL,
	doc_key     TEXT        NOT NULL,
	subject_id  TEXT        NOT NULL DEFAULT '',
	ts_ms       BIGINT      NOT NULL,
	doc         JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, doc_key)
);
CREATE INDEX IF NOT EXISTS documents_ts_idx ON documents (collection, ts_ms);
CREATE INDEX IF NOT EXISTS documents_subject_idx ON documents (subject_id, ts_ms);

CREATE TABLE IF NOT EXISTS rollups (
	bucket_hour  BIGINT      NOT NULL,
	subject_id   TEXT        NOT NULL,
	currency     TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	count        BIGINT      NOT NULL,
	total_amount NUMERIC     NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (bucket_hour, subject_id, currency, kind)
);

CREATE TABLE IF NOT EXISTS rollup_ledger (
	dedup_key   TEXT        PRIMARY KEY,
	bucket_hour BIGINT      NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS rollup_ledger_hour_idx ON rollup_ledger (bucket_hour);
`

// Migrate creates the tables the stores use if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("Database schema ready")
	return nil
}
