package packer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/rwshard"
)

// Clean drops the RW-shard table of a packed shard and retires the shard to
// readonly. Refuses to run before enough hosts mapped the RO image: until
// then the table is the only replicated copy.
func Clean(ctx context.Context, cat *catalog.Catalog, name string, cfg Config) error {
	shard, err := cat.ShardByName(ctx, name)
	if err != nil {
		return err
	}
	if len(shard.MappedOnHosts) < cfg.MinMappedHosts {
		return fmt.Errorf("clean %s: mapped on %d hosts, need %d",
			name, len(shard.MappedOnHosts), cfg.MinMappedHosts)
	}

	err = cat.SetShardState(ctx, name, catalog.StatePacked, catalog.StateCleaning, true, false)
	if err != nil {
		return err
	}

	rw, err := rwshard.Open(ctx, cat.DB(), name)
	if err != nil {
		return err
	}
	if err := rw.Drop(ctx); err != nil {
		return err
	}

	err = cat.SetShardState(ctx, name, catalog.StateCleaning, catalog.StateReadonly, false, true)
	if err != nil {
		return err
	}
	log.Printf("cleaner: shard %s readonly", name)
	return nil
}

// CleanOne cleans one packed shard meeting the replication gate. Returns
// false when no shard qualifies.
func CleanOne(ctx context.Context, cat *catalog.Catalog, cfg Config) (bool, error) {
	packed, err := cat.ShardsInState(ctx, catalog.StatePacked)
	if err != nil {
		return false, err
	}
	for _, s := range packed {
		if len(s.MappedOnHosts) < cfg.MinMappedHosts {
			continue
		}
		err := Clean(ctx, cat, s.Name, cfg)
		if errors.Is(err, catalog.ErrConflict) {
			continue // another cleaner got it
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
