// Package rwshard is the mutable, table-backed form of a shard. Each shard
// owns one table in the catalog database; the table is created when a writer
// first locks the shard and dropped by the cleaner once the RO-shard file
// replicated far enough.
package rwshard

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/lib/pq"
)

// Shard names come from catalog.NewShardName: a leading letter then hex.
// Anything else is refused before it can reach an identifier position.
var validName = regexp.MustCompile(`^[a-z][0-9a-f]{31}$`)

// Shard is one RW-shard table. The size is tracked in memory by the owning
// writer and seeded from the table on open; only the owner mutates the
// table, so the count stays accurate.
type Shard struct {
	db    *sql.DB
	name  string
	table string
	size  int64
}

// TableName derives the table identifier for a shard name.
func TableName(name string) string {
	return "shard_" + name
}

func newShard(db *sql.DB, name string) (*Shard, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid shard name %q", name)
	}
	return &Shard{db: db, name: name, table: pq.QuoteIdentifier(TableName(name))}, nil
}

// Create makes the shard table if needed and returns a handle.
func Create(ctx context.Context, db *sql.DB, name string) (*Shard, error) {
	s, err := newShard(db, name)
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+`(
		  key BYTEA PRIMARY KEY,
		  content BYTEA
		) WITH (autovacuum_enabled = false)`)
	if err != nil {
		return nil, fmt.Errorf("create shard table %s: %w", name, err)
	}
	return s, s.loadSize(ctx)
}

// Open returns a handle on an existing shard table.
func Open(ctx context.Context, db *sql.DB, name string) (*Shard, error) {
	s, err := newShard(db, name)
	if err != nil {
		return nil, err
	}
	return s, s.loadSize(ctx)
}

func (s *Shard) loadSize(ctx context.Context) error {
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(OCTET_LENGTH(content)), 0) FROM `+s.table).Scan(&s.size)
	if err != nil {
		return fmt.Errorf("size of shard %s: %w", s.name, err)
	}
	return nil
}

// Name returns the shard name.
func (s *Shard) Name() string {
	return s.name
}

// Size is the cumulative length of stored content in bytes.
func (s *Shard) Size() int64 {
	return s.size
}

// IsFull reports whether the shard reached the fill threshold. A single
// oversized object may push the size past max; the shard is full right
// after.
func (s *Shard) IsFull(max int64) bool {
	return s.size >= max
}

// Add inserts (key, content). Runs on tx when non-nil so the insert commits
// together with the index update. Returns written=false when the key already
// existed; the content is never overwritten.
func (s *Shard) Add(ctx context.Context, tx *sql.Tx, key, content []byte) (written bool, err error) {
	var db interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	} = s.db
	if tx != nil {
		db = tx
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (key, content) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`,
		key, content)
	if err != nil {
		return false, fmt.Errorf("add to shard %s: %w", s.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		s.size += int64(len(content))
		return true, nil
	}
	return false, nil
}

// Get returns the content for key, or nil when absent.
func (s *Shard) Get(ctx context.Context, key []byte) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM `+s.table+` WHERE key = $1`, key).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get from shard %s: %w", s.name, err)
	}
	return content, nil
}

// Contains reports whether key is stored.
func (s *Shard) Contains(ctx context.Context, key []byte) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+s.table+` WHERE key = $1`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Count returns the number of stored objects.
func (s *Shard) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n)
	return n, err
}

// Iter streams every (key, content) pair to fn. The order is unspecified but
// stable within one iteration. Used by the packer.
func (s *Shard) Iter(ctx context.Context, fn func(key, content []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, content FROM `+s.table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, content []byte
		if err := rows.Scan(&key, &content); err != nil {
			return err
		}
		if err := fn(key, content); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Drop destroys the shard table. Only the cleaner calls this, in state
// cleaning.
func (s *Shard) Drop(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+s.table)
	if err != nil {
		return fmt.Errorf("drop shard %s: %w", s.name, err)
	}
	return nil
}

// Exists reports whether the shard table is present in the database.
func Exists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM information_schema.tables
		 WHERE table_name = $1 AND table_schema = current_schema()`,
		TableName(name)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
