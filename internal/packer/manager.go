package packer

import (
	"context"
	"log"
	"os"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/pool"
)

// Manager keeps this host's RBD mappings in line with the shard table:
// read-only mappings for every packed, cleaning and readonly shard,
// read-write images for fresh shards when it owns provisioning, and the
// read-write to read-only flip when a shard gets packed. Every pass is
// idempotent; rerunning after a crash converges to the same mappings.
type Manager struct {
	cat  *catalog.Catalog
	rbd  *pool.RBDPool
	host string

	// ManageRWImages makes this manager provision images for standby,
	// writing, full and packing shards that are not mapped on this host,
	// for deployments where the packer does not create images itself.
	ManageRWImages bool

	// MaxSize sizes provisioned images (2x, same rule as the packer).
	MaxSize int64
}

// NewManager returns a manager for this host. The host name is recorded in
// mapped_on_hosts_when_packed after each successful read-only mapping.
func NewManager(cat *catalog.Catalog, rbd *pool.RBDPool, maxSize int64) (*Manager, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return &Manager{cat: cat, rbd: rbd, host: host, MaxSize: maxSize}, nil
}

// Once runs a single reconciliation pass over all shards.
func (m *Manager) Once(ctx context.Context) error {
	shards, err := m.cat.ListShards(ctx)
	if err != nil {
		return err
	}
	for _, s := range shards {
		if err := m.reconcile(ctx, s); err != nil {
			// Keep going: one broken image must not starve the rest.
			log.Printf("manager: shard %s: %v", s.Name, err)
		}
	}
	return nil
}

func (m *Manager) reconcile(ctx context.Context, s *catalog.Shard) error {
	switch s.State {
	case catalog.StateStandby, catalog.StateWriting, catalog.StateFull, catalog.StatePacking:
		if !m.ManageRWImages {
			return nil
		}
		mapped, err := m.rbd.HostMapped(ctx, s.Name)
		if err != nil || mapped {
			return err
		}
		return m.rbd.ImageCreate(ctx, s.Name, 2*m.MaxSize)

	case catalog.StatePacked, catalog.StateCleaning, catalog.StateReadonly:
		recorded := false
		for _, h := range s.MappedOnHosts {
			if h == m.host {
				recorded = true
				break
			}
		}
		mapped, err := m.rbd.HostMapped(ctx, s.Name)
		if err != nil {
			return err
		}
		switch {
		case !mapped:
			if err := m.rbd.ImageMap(ctx, s.Name, true); err != nil {
				return err
			}
		case !recorded:
			// Mapped but never recorded for this host: this is the
			// packer's leftover read-write mapping, flip it.
			if err := m.rbd.ImageRemapRO(ctx, s.Name); err != nil {
				return err
			}
		default:
			return nil
		}
		return m.cat.RecordMappedHost(ctx, s.Name, m.host)
	}
	return nil
}
