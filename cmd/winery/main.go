// winery: admin and client CLI for the winery object store.
// Commands: shards, add, get, contains, delete, undelete, iter, pack, clean.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/config"
	"github.com/winery-storage/winery/internal/objstorage"
	"github.com/winery-storage/winery/internal/packer"
	"github.com/winery-storage/winery/internal/pool"
	"github.com/winery-storage/winery/internal/throttler"
)

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "winery: "+format+"\n", args...)
	os.Exit(1)
}

type env struct {
	cfg   *config.Config
	cat   *catalog.Catalog
	pool  pool.Pool
	throt *throttler.Throttler
}

func setup() *env {
	cfg, err := config.Load(os.Getenv("WINERY_CONFIG"))
	if err != nil {
		fatal("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("%v", err)
	}
	cat, err := catalog.Open(cfg.Database.DB, cfg.Database.ApplicationName)
	if err != nil {
		fatal("%v", err)
	}
	p, err := buildPool(cfg)
	if err != nil {
		fatal("%v", err)
	}
	var throt *throttler.Throttler
	if cfg.Throttler != nil {
		throt, err = throttler.New(cfg.Throttler.DB,
			cfg.Throttler.MaxReadBPS, cfg.Throttler.MaxWriteBPS)
		if err != nil {
			fatal("%v", err)
		}
	}
	return &env{cfg: cfg, cat: cat, pool: p, throt: throt}
}

func buildPool(cfg *config.Config) (pool.Pool, error) {
	switch cfg.ShardsPool.Type {
	case "directory":
		return pool.NewDirPool(cfg.ShardsPool.BaseDirectory, cfg.ShardsPool.PoolName)
	case "rbd":
		rbd := pool.NewRBDPool(pool.RBDOptions{
			PoolName:            cfg.ShardsPool.PoolName,
			DataPoolName:        cfg.ShardsPool.DataPoolName,
			UseSudo:             *cfg.ShardsPool.UseSudo,
			MapOptions:          cfg.ShardsPool.MapOptions,
			FeaturesUnsupported: cfg.ShardsPool.ImageFeaturesUnsupported,
			ImageSize:           2 * cfg.Shards.MaxSize,
			CreateImages:        *cfg.Packer.CreateImages,
		})
		return pool.NewRetrying(rbd, pool.DefaultRetryConfig()), nil
	}
	return nil, fmt.Errorf("unknown pool type %q", cfg.ShardsPool.Type)
}

func (e *env) options() objstorage.Options {
	return objstorage.Options{
		Catalog:          e.cat,
		Pool:             e.pool,
		Throttler:        e.throt,
		MaxSize:          e.cfg.Shards.MaxSize,
		RWIdleTimeout:    secondsDuration(e.cfg.Shards.RWIdleTimeout),
		PackImmediately:  *e.cfg.Packer.PackImmediately,
		CleanImmediately: *e.cfg.Packer.CleanImmediately,
	}
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (e *env) close() {
	e.throt.Close()
	e.cat.Close()
}

func parseObjID(arg string) []byte {
	id, err := hex.DecodeString(strings.TrimSpace(arg))
	if err != nil || len(id) != 32 {
		fatal("object id must be 64 hex characters")
	}
	return id
}

func cmdShards(e *env) {
	shards, err := e.cat.ListShards(context.Background())
	if err != nil {
		fatal("%v", err)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Name", "State", "Locker", "Mapped hosts"})
	for _, s := range shards {
		locker := ""
		if s.Locker.Valid {
			locker = s.Locker.UUID.String()
		}
		t.AppendRow(table.Row{s.ID, s.Name, s.State, locker, strings.Join(s.MappedOnHosts, ",")})
	}
	t.Render()
}

func cmdAdd(e *env) {
	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatal("read stdin: %v", err)
	}
	w, err := objstorage.NewWriter(e.options(), e.cfg.Readonly)
	if err != nil {
		fatal("%v", err)
	}
	ctx := context.Background()
	defer w.Close(ctx)
	id := objstorage.ObjectID(content)
	if err := w.Add(ctx, id, content); err != nil {
		fatal("%v", err)
	}
	fmt.Println(hex.EncodeToString(id))
}

func cmdGet(e *env, arg string) {
	r := objstorage.NewReader(e.options())
	defer r.Close()
	content, err := r.Get(context.Background(), parseObjID(arg))
	if err != nil {
		fatal("%v", err)
	}
	os.Stdout.Write(content)
}

func cmdContains(e *env, arg string) {
	r := objstorage.NewReader(e.options())
	defer r.Close()
	ok, err := r.Contains(context.Background(), parseObjID(arg))
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println(ok)
	if !ok {
		os.Exit(1)
	}
}

func cmdDelete(e *env, arg string) {
	w, err := objstorage.NewWriter(e.options(), e.cfg.Readonly)
	if err != nil {
		fatal("%v", err)
	}
	ctx := context.Background()
	defer w.Close(ctx)
	if err := w.Delete(ctx, parseObjID(arg)); err != nil {
		fatal("%v", err)
	}
}

func cmdUndelete(e *env, args []string) {
	if len(args) != 2 {
		fatal("usage: winery undelete <objid> <shard-id>")
	}
	var shardID int64
	if _, err := fmt.Sscanf(args[1], "%d", &shardID); err != nil {
		fatal("bad shard id %q", args[1])
	}
	if err := e.cat.Undelete(context.Background(), parseObjID(args[0]), shardID); err != nil {
		fatal("%v", err)
	}
}

func cmdIter(e *env) {
	r := objstorage.NewReader(e.options())
	defer r.Close()
	err := r.Iter(context.Background(), func(id []byte) error {
		fmt.Println(hex.EncodeToString(id))
		return nil
	})
	if err != nil {
		fatal("%v", err)
	}
}

func cmdPack(e *env, arg string) {
	cfg := packer.DefaultConfig(e.cfg.Shards.MaxSize)
	cfg.CleanImmediately = *e.cfg.Packer.CleanImmediately
	if err := packer.Pack(context.Background(), e.cat, e.pool, arg, cfg); err != nil {
		fatal("pack %s: %v", arg, err)
	}
}

func cmdClean(e *env, arg string) {
	cfg := packer.DefaultConfig(e.cfg.Shards.MaxSize)
	if err := packer.Clean(context.Background(), e.cat, arg, cfg); err != nil {
		fatal("clean %s: %v", arg, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: winery <command> [args]

  shards                    list shards and their states
  add                       store stdin, print its object id
  get <objid>               write object bytes to stdout
  contains <objid>          check presence
  delete <objid>            soft-delete an object
  undelete <objid> <shard>  restore a soft-deleted object
  iter                      list all present object ids
  pack <shard-name>         pack a full shard
  clean <shard-name>        drop the RW table of a packed shard`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	e := setup()
	defer e.close()

	switch os.Args[1] {
	case "shards":
		cmdShards(e)
	case "add":
		cmdAdd(e)
	case "get":
		requireArgs(1)
		cmdGet(e, os.Args[2])
	case "contains":
		requireArgs(1)
		cmdContains(e, os.Args[2])
	case "delete":
		requireArgs(1)
		cmdDelete(e, os.Args[2])
	case "undelete":
		cmdUndelete(e, os.Args[2:])
	case "iter":
		cmdIter(e)
	case "pack":
		requireArgs(1)
		cmdPack(e, os.Args[2])
	case "clean":
		requireArgs(1)
		cmdClean(e, os.Args[2])
	default:
		usage()
	}
}

func requireArgs(n int) {
	if len(os.Args) < 2+n {
		usage()
	}
}
