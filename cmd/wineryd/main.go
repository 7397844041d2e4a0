// wineryd: background worker for the winery object store.
// Runs the external packer, cleaner and (for RBD pools) image manager
// loops against the shared catalog. Safe to run on many hosts at once:
// every transition is a conditional update, losing a race just skips
// the shard.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/config"
	"github.com/winery-storage/winery/internal/packer"
	"github.com/winery-storage/winery/internal/pool"
)

func main() {
	configPath := flag.String("config", "", "config file (default: $WINERY_CONFIG)")
	interval := flag.Duration("interval", 5*time.Second, "poll interval")
	minMappedHosts := flag.Int("min-mapped-hosts", 1, "hosts that must map an image before cleaning")
	manageRWImages := flag.Bool("manage-rw-images", false, "provision images for fresh shards")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("wineryd: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("wineryd: %v", err)
	}

	cat, err := catalog.Open(cfg.Database.DB, cfg.Database.ApplicationName)
	if err != nil {
		log.Fatalf("wineryd: %v", err)
	}
	defer cat.Close()

	pcfg := packer.DefaultConfig(cfg.Shards.MaxSize)
	pcfg.CleanImmediately = *cfg.Packer.CleanImmediately
	pcfg.MinMappedHosts = *minMappedHosts

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var rbd *pool.RBDPool
	var p pool.Pool
	switch cfg.ShardsPool.Type {
	case "directory":
		p, err = pool.NewDirPool(cfg.ShardsPool.BaseDirectory, cfg.ShardsPool.PoolName)
		if err != nil {
			log.Fatalf("wineryd: %v", err)
		}
		pcfg.MinMappedHosts = 0 // every host sees every file
	case "rbd":
		rbd = pool.NewRBDPool(pool.RBDOptions{
			PoolName:            cfg.ShardsPool.PoolName,
			DataPoolName:        cfg.ShardsPool.DataPoolName,
			UseSudo:             *cfg.ShardsPool.UseSudo,
			MapOptions:          cfg.ShardsPool.MapOptions,
			FeaturesUnsupported: cfg.ShardsPool.ImageFeaturesUnsupported,
			ImageSize:           2 * cfg.Shards.MaxSize,
			CreateImages:        *cfg.Packer.CreateImages,
		})
		p = pool.NewRetrying(rbd, pool.DefaultRetryConfig())
	}

	g.Go(func() error { return packLoop(ctx, cat, p, pcfg, *interval) })
	if !*cfg.Packer.CleanImmediately {
		g.Go(func() error { return cleanLoop(ctx, cat, pcfg, *interval) })
	}
	if rbd != nil {
		mgr, err := packer.NewManager(cat, rbd, cfg.Shards.MaxSize)
		if err != nil {
			log.Fatalf("wineryd: %v", err)
		}
		mgr.ManageRWImages = *manageRWImages
		g.Go(func() error { return managerLoop(ctx, mgr, *interval) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("wineryd: %v", err)
	}
}

func packLoop(ctx context.Context, cat *catalog.Catalog, p pool.Pool, cfg packer.Config, interval time.Duration) error {
	for {
		worked, err := packer.PackOne(ctx, cat, p, cfg)
		if err != nil {
			log.Printf("wineryd: pack: %v", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

func cleanLoop(ctx context.Context, cat *catalog.Catalog, cfg packer.Config, interval time.Duration) error {
	for {
		worked, err := packer.CleanOne(ctx, cat, cfg)
		if err != nil {
			log.Printf("wineryd: clean: %v", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

func managerLoop(ctx context.Context, mgr *packer.Manager, interval time.Duration) error {
	for {
		if err := mgr.Once(ctx); err != nil {
			log.Printf("wineryd: manager: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
