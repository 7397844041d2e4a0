// Package catalog is the shared Postgres schema coordinating every winery
// actor: the shards table, the signature index, and the locking protocol on
// top of them. All cross-process synchronization happens through conditional
// UPDATEs on these tables.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

var (
	// ErrConflict means a conditional UPDATE matched zero rows: another
	// actor won the race or the precondition no longer holds. Always safe
	// to retry or ignore.
	ErrConflict = errors.New("lost race on conditional update")

	// ErrShardNotFound means no shard row matched.
	ErrShardNotFound = errors.New("shard not found")
)

// Catalog wraps the shared database. Each process owns one Catalog and one
// owner UUID; the UUID is recorded as the locker on every state transition
// this process performs.
type Catalog struct {
	db    *sql.DB
	owner uuid.UUID
}

// Open connects to the catalog at dsn, runs migrations, and assigns this
// process a fresh owner identity.
func Open(dsn, applicationName string) (*Catalog, error) {
	if applicationName != "" {
		var err error
		dsn, err = withApplicationName(dsn, applicationName)
		if err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db, owner: uuid.New()}, nil
}

// Close releases the underlying connection pool.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// DB exposes the connection pool so RW-shard tables, which live in the same
// database, can share transactions with index updates.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Owner is this process's locker identity.
func (c *Catalog) Owner() uuid.UUID {
	return c.owner
}

func withApplicationName(dsn, name string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		// keyword/value DSN
		return dsn + " application_name=" + name, nil
	}
	q := u.Query()
	q.Set("application_name", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var migrations = []string{
	`DO $$ BEGIN
	  CREATE TYPE shard_state AS ENUM (
	    'standby', 'writing', 'full', 'packing', 'packed', 'cleaning', 'readonly'
	  );
	EXCEPTION
	  WHEN duplicate_object THEN null;
	END $$`,
	`CREATE TABLE IF NOT EXISTS shards(
	  id BIGSERIAL PRIMARY KEY,
	  state shard_state NOT NULL DEFAULT 'standby',
	  locker_ts TIMESTAMPTZ,
	  locker UUID,
	  name CHAR(32) UNIQUE NOT NULL,
	  mapped_on_hosts_when_packed TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`DO $$ BEGIN
	  CREATE TYPE signature_state AS ENUM ('inflight', 'present', 'deleted');
	EXCEPTION
	  WHEN duplicate_object THEN null;
	END $$`,
	`CREATE TABLE IF NOT EXISTS signature2shard(
	  signature BYTEA PRIMARY KEY,
	  state signature_state NOT NULL DEFAULT 'inflight',
	  shard BIGINT NOT NULL REFERENCES shards(id)
	)`,
	`CREATE INDEX IF NOT EXISTS signature2shard_deleted
	  ON signature2shard(signature, shard) WHERE state = 'deleted'`,
	`CREATE INDEX IF NOT EXISTS signature2shard_shard_state
	  ON signature2shard(shard, state)`,
}

// migrate applies pending migrations in order. Versions already recorded in
// schema_migrations are skipped, so concurrent opens are harmless: every
// statement is idempotent.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY)`,
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	var current int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := db.Exec(
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`,
			version,
		); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	return nil
}

// execExpectOne runs a statement that must affect exactly one row and maps
// zero affected rows to ErrConflict.
func execExpectOne(ctx context.Context, db execer, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
