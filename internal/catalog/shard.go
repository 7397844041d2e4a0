package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ShardState is the lifecycle state of a shard. Transitions only move forward
// along standby → writing → full → packing → packed → cleaning → readonly,
// except that writing may fall back to standby on idle release. A failed
// pack or clean leaves the shard in packing or cleaning with its locker
// still set; only packing shards with a stale locker are reclaimed.
type ShardState string

const (
	StateStandby  ShardState = "standby"
	StateWriting  ShardState = "writing"
	StateFull     ShardState = "full"
	StatePacking  ShardState = "packing"
	StatePacked   ShardState = "packed"
	StateCleaning ShardState = "cleaning"
	StateReadonly ShardState = "readonly"
)

// Locked reports whether the state requires an owning locker.
func (s ShardState) Locked() bool {
	switch s {
	case StateWriting, StatePacking, StateCleaning:
		return true
	}
	return false
}

// ReadonlyAvailable reports whether the RO-shard file is the authoritative
// copy. The cleaning state is included: the RW table may already be gone.
func (s ShardState) ReadonlyAvailable() bool {
	switch s {
	case StatePacked, StateCleaning, StateReadonly:
		return true
	}
	return false
}

// Shard is one row of the shards table.
type Shard struct {
	ID            int64
	Name          string
	State         ShardState
	Locker        uuid.NullUUID
	LockerTS      sql.NullTime
	MappedOnHosts []string
}

const shardColumns = `id, trim(name), state, locker, locker_ts, mapped_on_hosts_when_packed`

func scanShard(row interface{ Scan(...any) error }) (*Shard, error) {
	var s Shard
	var state string
	err := row.Scan(&s.ID, &s.Name, &state, &s.Locker, &s.LockerTS, pq.Array(&s.MappedOnHosts))
	if err != nil {
		return nil, err
	}
	s.State = ShardState(state)
	return &s, nil
}

// NewShardName generates a 32-character shard name: the letter "i" followed
// by 31 lowercase hex digits of a random UUID. The leading letter makes the
// name a valid identifier for the derived table name.
func NewShardName() string {
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "i" + name[1:]
}

// CreateShard inserts a new shard owned by this process in the given state.
func (c *Catalog) CreateShard(ctx context.Context, state ShardState) (*Shard, error) {
	name := NewShardName()
	row := c.db.QueryRowContext(ctx, `
		INSERT INTO shards (name, state, locker, locker_ts)
		VALUES ($1, $2, $3, NOW())
		RETURNING `+shardColumns,
		name, string(state), c.owner)
	s, err := scanShard(row)
	if err != nil {
		return nil, fmt.Errorf("create shard %s: %w", name, err)
	}
	return s, nil
}

// LockOneShard atomically picks one unlocked shard in state from and moves it
// to state to with this process as locker. Returns ErrShardNotFound when no
// candidate exists; a lost race surfaces the same way, callers create or
// retry as appropriate.
func (c *Catalog) LockOneShard(ctx context.Context, from, to ShardState) (*Shard, error) {
	if !to.Locked() {
		return nil, fmt.Errorf("%s is not a locked state", to)
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var name string
	err = tx.QueryRowContext(ctx, `
		SELECT name FROM shards
		WHERE state = $1 AND locker IS NULL
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		string(from)).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, ErrShardNotFound
	}
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE shards
		SET state = $1, locker = $2, locker_ts = NOW()
		WHERE name = $3 AND state = $4
		RETURNING `+shardColumns,
		string(to), c.owner, name, string(from))
	s, err := scanShard(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetShardState transitions the named shard from from to to. When
// checkLocker is set the transition only succeeds if this process holds the
// lock; when setLocker is set the lock is taken, otherwise it is cleared.
// ErrConflict when the row no longer matches.
func (c *Catalog) SetShardState(ctx context.Context, name string, from, to ShardState, setLocker, checkLocker bool) error {
	var locker any
	if setLocker {
		locker = c.owner
	}
	err := execExpectOne(ctx, c.db, `
		UPDATE shards
		SET state = $1,
		    locker = $2,
		    locker_ts = (CASE WHEN $3 THEN NOW() ELSE NULL END)
		WHERE name = $4 AND state = $5
		  AND (CASE WHEN $6 THEN locker = $7 ELSE TRUE END)`,
		string(to), locker, setLocker, name, string(from), checkLocker, c.owner)
	if err != nil {
		return fmt.Errorf("shard %s %s->%s: %w", name, from, to, err)
	}
	return nil
}

// TouchLocker refreshes locker_ts on a shard this process has locked, so a
// long pack or clean is distinguishable from a dead one.
func (c *Catalog) TouchLocker(ctx context.Context, name string) error {
	return execExpectOne(ctx, c.db, `
		UPDATE shards SET locker_ts = NOW()
		WHERE name = $1 AND locker = $2`,
		name, c.owner)
}

// ReclaimPacking takes over a packing shard whose locker has not refreshed
// within grace. The conditional UPDATE makes competing reclaimers safe.
func (c *Catalog) ReclaimPacking(ctx context.Context, name string, grace time.Duration) error {
	err := execExpectOne(ctx, c.db, `
		UPDATE shards
		SET locker = $1, locker_ts = NOW()
		WHERE name = $2 AND state = 'packing'
		  AND locker_ts < NOW() - $3 * INTERVAL '1 second'`,
		c.owner, name, grace.Seconds())
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", name, err)
	}
	return nil
}

// ShardInfo fetches a shard by id.
func (c *Catalog) ShardInfo(ctx context.Context, id int64) (*Shard, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+shardColumns+` FROM shards WHERE id = $1`, id)
	s, err := scanShard(row)
	if err == sql.ErrNoRows {
		return nil, ErrShardNotFound
	}
	return s, err
}

// ShardByName fetches a shard by name.
func (c *Catalog) ShardByName(ctx context.Context, name string) (*Shard, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+shardColumns+` FROM shards WHERE name = $1`, name)
	s, err := scanShard(row)
	if err == sql.ErrNoRows {
		return nil, ErrShardNotFound
	}
	return s, err
}

// ListShards returns every shard, oldest first.
func (c *Catalog) ListShards(ctx context.Context) ([]*Shard, error) {
	return c.queryShards(ctx, `SELECT `+shardColumns+` FROM shards ORDER BY id`)
}

// ShardsInState returns all shards currently in state, oldest first.
func (c *Catalog) ShardsInState(ctx context.Context, state ShardState) ([]*Shard, error) {
	return c.queryShards(ctx,
		`SELECT `+shardColumns+` FROM shards WHERE state = $1 ORDER BY id`, string(state))
}

func (c *Catalog) queryShards(ctx context.Context, query string, args ...any) ([]*Shard, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var shards []*Shard
	for rows.Next() {
		s, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		shards = append(shards, s)
	}
	return shards, rows.Err()
}

// RecordMappedHost appends host to mapped_on_hosts_when_packed for the named
// shard. Idempotent: a host already present is not appended again.
func (c *Catalog) RecordMappedHost(ctx context.Context, name, host string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE shards
		SET mapped_on_hosts_when_packed = array_append(mapped_on_hosts_when_packed, $1)
		WHERE name = $2
		  AND NOT ($1 = ANY(mapped_on_hosts_when_packed))`,
		host, name)
	if err != nil {
		return fmt.Errorf("record mapped host %s on %s: %w", host, name, err)
	}
	return nil
}
