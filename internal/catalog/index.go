package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// SignatureState tracks an object through the index: inflight while some
// writer intends to store the bytes, present once they are durable, deleted
// after a soft delete.
type SignatureState string

const (
	SigInflight SignatureState = "inflight"
	SigPresent  SignatureState = "present"
	SigDeleted  SignatureState = "deleted"
)

// IndexEntry is the signature2shard row for one object id.
type IndexEntry struct {
	State   SignatureState
	ShardID int64
}

// InsertInflight records that shardID intends to store signature. Returns
// created=true when this call owns the object. On a unique-key conflict the
// existing entry is returned instead so the caller can decide: another
// writer's inflight entry means the object is their responsibility, a
// present entry means the add is a no-op.
func (c *Catalog) InsertInflight(ctx context.Context, signature []byte, shardID int64) (created bool, existing *IndexEntry, err error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO signature2shard (signature, shard, state)
		VALUES ($1, $2, 'inflight')
		ON CONFLICT (signature) DO NOTHING`,
		signature, shardID)
	if err != nil {
		return false, nil, fmt.Errorf("insert inflight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 1 {
		return true, nil, nil
	}
	entry, err := c.Lookup(ctx, signature)
	if err != nil {
		return false, nil, err
	}
	if entry == nil {
		// Entry vanished between the insert and the lookup; treat as a
		// lost race and let the caller retry.
		return false, nil, ErrConflict
	}
	return false, entry, nil
}

// MarkPresent transitions signature from inflight to present for shardID.
// Runs on tx when non-nil so it can commit together with the RW-shard
// insert; the inflight → present flip is the commit marker for the add.
func (c *Catalog) MarkPresent(ctx context.Context, tx *sql.Tx, signature []byte, shardID int64) error {
	var db execer = c.db
	if tx != nil {
		db = tx
	}
	err := execExpectOne(ctx, db, `
		UPDATE signature2shard SET state = 'present'
		WHERE signature = $1 AND shard = $2 AND state = 'inflight'`,
		signature, shardID)
	if err != nil {
		return fmt.Errorf("mark present: %w", err)
	}
	return nil
}

// Lookup returns the index entry for signature, or nil when absent.
func (c *Catalog) Lookup(ctx context.Context, signature []byte) (*IndexEntry, error) {
	var entry IndexEntry
	var state string
	err := c.db.QueryRowContext(ctx, `
		SELECT state, shard FROM signature2shard WHERE signature = $1`,
		signature).Scan(&state, &entry.ShardID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	entry.State = SignatureState(state)
	return &entry, nil
}

// MarkDeleted soft-deletes a present signature. The shard is left untouched;
// readers treat deleted as missing. ErrConflict when the entry is not
// present.
func (c *Catalog) MarkDeleted(ctx context.Context, signature []byte) error {
	err := execExpectOne(ctx, c.db, `
		UPDATE signature2shard SET state = 'deleted'
		WHERE signature = $1 AND state = 'present'`,
		signature)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// Undelete is an admin repair: restore a deleted signature to present. The
// shard id must match the frozen one, objects never move between shards.
func (c *Catalog) Undelete(ctx context.Context, signature []byte, shardID int64) error {
	err := execExpectOne(ctx, c.db, `
		UPDATE signature2shard SET state = 'present'
		WHERE signature = $1 AND shard = $2 AND state = 'deleted'`,
		signature, shardID)
	if err != nil {
		return fmt.Errorf("undelete: %w", err)
	}
	return nil
}

// IterSignatures streams every present signature to fn. No order guarantee
// and no snapshot isolation: entries added or deleted during the scan may or
// may not be observed.
func (c *Catalog) IterSignatures(ctx context.Context, fn func(signature []byte) error) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT signature FROM signature2shard WHERE state = 'present'`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var sig []byte
		if err := rows.Scan(&sig); err != nil {
			return err
		}
		if err := fn(sig); err != nil {
			return err
		}
	}
	return rows.Err()
}
