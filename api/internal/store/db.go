package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

var ErrNotFound = sql.ErrNoRows

var schema = []string{
	`create table if not exists client_reputation (
  client_addr           text primary key,
  violation_count       integer not null default 0,
  blacklisted           boolean not null default false,
  blacklist_reason      text,
  blacklisted_at        timestamptz,
  total_requests        bigint not null default 0,
  first_seen            timestamptz not null,
  last_seen             timestamptz not null,
  last_violation        timestamptz,
  last_violation_reason text
)`,
	`create index if not exists client_reputation_idle_idx
  on client_reputation (last_seen) where not blacklisted`,
	`create table if not exists moderation_events (
  id              bigserial primary key,
  created_at      timestamptz not null default now(),
  request_id      text not null,
  client_addr     text not null,
  stage           text not null,
  category        text not null,
  internal_reason text not null default ''
)`,
	`create index if not exists moderation_events_created_at_idx on moderation_events (created_at)`,
}

// Open connects and pings. The pool is sized for a single gateway instance.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
