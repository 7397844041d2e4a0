package objstorage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/packer"
	"github.com/winery-storage/winery/internal/rwshard"
)

// Writer is the write facade. It owns at most one locked RW-shard at a time
// and moves it through writing, full and (optionally, inline) the packing
// pipeline. All cross-writer coordination happens through the catalog.
type Writer struct {
	*Reader
	opts Options

	mu        sync.Mutex
	shard     *catalog.Shard
	rw        *rwshard.Shard
	lastWrite time.Time
}

// NewWriter returns a write facade, or ErrReadonly when the configuration
// forbids writers.
func NewWriter(opts Options, readonly bool) (*Writer, error) {
	if readonly {
		return nil, ErrReadonly
	}
	return &Writer{Reader: NewReader(opts), opts: opts}, nil
}

// acquireShard ensures this writer holds a shard in state writing, locking
// an unlocked standby shard when one exists and creating one otherwise.
func (w *Writer) acquireShard(ctx context.Context) error {
	if w.shard != nil {
		return nil
	}
	shard, err := w.cat.LockOneShard(ctx, catalog.StateStandby, catalog.StateWriting)
	if errors.Is(err, catalog.ErrShardNotFound) {
		shard, err = w.cat.CreateShard(ctx, catalog.StateWriting)
	}
	if err != nil {
		return err
	}
	rw, err := rwshard.Create(ctx, w.cat.DB(), shard.Name)
	if err != nil {
		return err
	}
	w.shard = shard
	w.rw = rw
	w.lastWrite = time.Now()
	return nil
}

// Add stores content under objID. Idempotent: a retry, or a concurrent add
// of the same id by any writer, reports success exactly like the first
// call. Returns ErrDeleted for ids that were soft-deleted.
func (w *Writer) Add(ctx context.Context, objID, content []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.acquireShard(ctx); err != nil {
		return err
	}

	created, existing, err := w.cat.InsertInflight(ctx, objID, w.shard.ID)
	if err != nil {
		return err
	}
	if !created {
		switch existing.State {
		case catalog.SigPresent:
			// Content is immutable per id: a prior add already won.
			return nil
		case catalog.SigDeleted:
			return fmt.Errorf("%w: %x", ErrDeleted, objID)
		case catalog.SigInflight:
			if existing.ShardID != w.shard.ID {
				// Another writer owns this object; it will finish
				// or its entry stays inflight and unreadable.
				return nil
			}
			// Our own inflight entry from an interrupted add: fall
			// through and finish the write.
		}
	}

	err = w.throt.ThrottledWrite(ctx, int64(len(objID)+len(content)), func() error {
		// Shard insert and the inflight → present flip commit
		// together; the index update is the add's commit marker.
		tx, err := w.cat.DB().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := w.rw.Add(ctx, tx, objID, content); err != nil {
			return err
		}
		if err := w.cat.MarkPresent(ctx, tx, objID, w.shard.ID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	w.lastWrite = time.Now()

	if w.rw.IsFull(w.opts.MaxSize) {
		return w.releaseFull(ctx)
	}
	return nil
}

// releaseFull marks the current shard full and optionally packs it inline.
// Called with w.mu held.
func (w *Writer) releaseFull(ctx context.Context) error {
	name := w.shard.Name
	err := w.cat.SetShardState(ctx, name, catalog.StateWriting, catalog.StateFull, false, true)
	if err != nil {
		return err
	}
	w.shard = nil
	w.rw = nil

	if !w.opts.PackImmediately {
		return nil
	}
	// The add that filled the shard is already durable; a pack failure
	// leaves the shard locked in packing for a later packer to reclaim
	// and must not fail the add.
	if err := packer.Pack(ctx, w.cat, w.pool, name, w.packerConfig()); err != nil {
		log.Printf("writer: pack %s: %v", name, err)
	}
	return nil
}

func (w *Writer) packerConfig() packer.Config {
	cfg := packer.DefaultConfig(w.opts.MaxSize)
	cfg.CleanImmediately = w.opts.CleanImmediately
	cfg.MinMappedHosts = w.opts.MinMappedHosts
	return cfg
}

// Delete soft-deletes the object in the index. The shard keeps the bytes;
// readers report the id as missing from now on.
func (w *Writer) Delete(ctx context.Context, objID []byte) error {
	err := w.cat.MarkDeleted(ctx, objID)
	if errors.Is(err, catalog.ErrConflict) {
		return fmt.Errorf("%w: %x", ErrNotFound, objID)
	}
	return err
}

// ReleaseIdle returns the current shard to standby if nothing was written
// for the idle timeout, so other writers can fill it instead of the
// population growing a half-empty shard per writer.
func (w *Writer) ReleaseIdle(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shard == nil || w.opts.RWIdleTimeout <= 0 {
		return nil
	}
	if time.Since(w.lastWrite) < w.opts.RWIdleTimeout {
		return nil
	}
	return w.releaseStandby(ctx)
}

// releaseStandby unlocks the current shard back to standby. Called with
// w.mu held.
func (w *Writer) releaseStandby(ctx context.Context) error {
	err := w.cat.SetShardState(ctx, w.shard.Name,
		catalog.StateWriting, catalog.StateStandby, false, true)
	if err != nil {
		return err
	}
	w.shard = nil
	w.rw = nil
	return nil
}

// Close releases the locked shard, if any, and the cached RO readers.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.shard != nil {
		if err := w.releaseStandby(ctx); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()
	return w.Reader.Close()
}
