// Package packer turns full RW-shards into immutable RO-shard files and
// walks them through the tail of the shard lifecycle: packing, packed,
// cleaning, readonly.
package packer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/pool"
	"github.com/winery-storage/winery/internal/rwshard"
	"github.com/winery-storage/winery/internal/shardfile"
)

// Config tunes the packer and cleaner.
type Config struct {
	// MaxSize is the shard fill threshold; images are provisioned at
	// twice this so a shard can never outgrow its image.
	MaxSize int64

	// CleanImmediately drops the RW-shard right after a successful pack
	// instead of waiting for an external cleaner.
	CleanImmediately bool

	// MinMappedHosts is how many hosts must have mapped the RO image
	// before the RW-shard may be dropped. Zero skips the gate, which is
	// the right setting for directory pools.
	MinMappedHosts int

	// ReclaimGrace is how stale a packing shard's locker_ts must be
	// before another packer takes it over.
	ReclaimGrace time.Duration

	// VerifySample caps how many keys the post-pack verification probes.
	VerifySample int
}

// DefaultConfig fills in the tunables that have natural defaults.
func DefaultConfig(maxSize int64) Config {
	return Config{
		MaxSize:      maxSize,
		ReclaimGrace: 10 * time.Minute,
		VerifySample: 100,
	}
}

func (c Config) reclaimGrace() time.Duration {
	if c.ReclaimGrace != 0 {
		return c.ReclaimGrace
	}
	return 10 * time.Minute
}

// Pack packs the named shard. The shard must be full; the conditional
// transition to packing resolves competition between packers, losing it
// returns catalog.ErrConflict.
func Pack(ctx context.Context, cat *catalog.Catalog, p pool.Pool, name string, cfg Config) error {
	err := cat.SetShardState(ctx, name, catalog.StateFull, catalog.StatePacking, true, false)
	if err != nil {
		return err
	}
	return run(ctx, cat, p, name, cfg)
}

// PackOne packs one shard needing it: any full shard, or a packing shard
// whose locker went stale. Returns false when there was nothing to do.
func PackOne(ctx context.Context, cat *catalog.Catalog, p pool.Pool, cfg Config) (bool, error) {
	full, err := cat.ShardsInState(ctx, catalog.StateFull)
	if err != nil {
		return false, err
	}
	for _, s := range full {
		err := cat.SetShardState(ctx, s.Name, catalog.StateFull, catalog.StatePacking, true, false)
		if errors.Is(err, catalog.ErrConflict) {
			continue // another packer won
		}
		if err != nil {
			return false, err
		}
		return true, run(ctx, cat, p, s.Name, cfg)
	}

	// Shards stuck in packing with a dead locker would never move again;
	// reclaim to preserve forward progress.
	stuck, err := cat.ShardsInState(ctx, catalog.StatePacking)
	if err != nil {
		return false, err
	}
	for _, s := range stuck {
		err := cat.ReclaimPacking(ctx, s.Name, cfg.reclaimGrace())
		if errors.Is(err, catalog.ErrConflict) {
			continue // locker is alive, or someone else reclaimed
		}
		if err != nil {
			return false, err
		}
		log.Printf("packer: reclaimed shard %s from stale locker", s.Name)
		return true, run(ctx, cat, p, s.Name, cfg)
	}
	return false, nil
}

// run converts the RW-shard into an RO-shard file and advances the state
// machine. Any failure before the packed transition leaves the shard in
// packing with our locker set; a later packer reclaims it and the retry
// overwrites the partial file under the same name.
func run(ctx context.Context, cat *catalog.Catalog, p pool.Pool, name string, cfg Config) error {
	rw, err := rwshard.Open(ctx, cat.DB(), name)
	if err != nil {
		return err
	}
	count, err := rw.Count(ctx)
	if err != nil {
		return err
	}

	handle, err := p.Create(ctx, name, 2*cfg.MaxSize)
	if err != nil {
		return err
	}
	w, err := shardfile.NewWriter(handle, count)
	if err != nil {
		handle.Abort()
		return err
	}

	// Refresh locker_ts as we go so a slow pack is distinguishable from
	// a dead one.
	lastTouch := time.Now()
	err = rw.Iter(ctx, func(key, content []byte) error {
		if err := w.Put(key, content); err != nil {
			return err
		}
		if time.Since(lastTouch) > time.Minute {
			lastTouch = time.Now()
			if err := cat.TouchLocker(ctx, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		handle.Abort()
		return fmt.Errorf("pack %s: %w", name, err)
	}
	if err := w.Finalize(); err != nil {
		handle.Abort()
		return fmt.Errorf("pack %s: finalize: %w", name, err)
	}
	if err := handle.Finalize(); err != nil {
		return fmt.Errorf("pack %s: finalize: %w", name, err)
	}

	if err := verify(ctx, cat, p, name, cfg); err != nil {
		return fmt.Errorf("pack %s: %w", name, err)
	}

	err = cat.SetShardState(ctx, name, catalog.StatePacking, catalog.StatePacked, false, true)
	if err != nil {
		return err
	}
	log.Printf("packer: shard %s packed (%d objects)", name, count)

	if cfg.CleanImmediately {
		return Clean(ctx, cat, name, cfg)
	}
	return nil
}

// verify opens the fresh RO-shard and probes a sample of keys against the
// RW-shard content before the visibility switch.
func verify(ctx context.Context, cat *catalog.Catalog, p pool.Pool, name string, cfg Config) error {
	rh, err := p.OpenRO(ctx, name)
	if err != nil {
		return err
	}
	defer rh.Close()
	rd, err := shardfile.NewReader(rh)
	if err != nil {
		return err
	}

	rw, err := rwshard.Open(ctx, cat.DB(), name)
	if err != nil {
		return err
	}
	sample := cfg.VerifySample
	if sample <= 0 {
		sample = 100
	}
	stride := 1
	if rd.Count() > sample {
		stride = rd.Count() / sample
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	i := 0
	err = rw.Iter(ctx, func(key, content []byte) error {
		i++
		if (i-1)%stride != 0 {
			return nil
		}
		k := append([]byte(nil), key...)
		want := append([]byte(nil), content...)
		g.Go(func() error {
			got, err := rd.Get(k)
			if err != nil {
				return fmt.Errorf("verify key %x: %w", k, err)
			}
			if string(got) != string(want) {
				return fmt.Errorf("verify key %x: %w: content mismatch", k, shardfile.ErrCorrupt)
			}
			return nil
		})
		return nil
	})
	if err != nil {
		g.Wait()
		return err
	}
	return g.Wait()
}
