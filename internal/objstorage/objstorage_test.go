package objstorage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/packer"
	"github.com/winery-storage/winery/internal/pool"
	"github.com/winery-storage/winery/internal/rwshard"
)

const testSchema = "winery_test_objstorage"

func testEnv(t *testing.T) (*catalog.Catalog, pool.Pool) {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DB")
	if dsn == "" {
		t.Skip("WINERY_TEST_DB not set")
	}
	admin, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	_, err = admin.Exec(`DROP SCHEMA IF EXISTS ` + testSchema + ` CASCADE`)
	require.NoError(t, err)
	_, err = admin.Exec(`CREATE SCHEMA ` + testSchema)
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("options", "-csearch_path="+testSchema)
	u.RawQuery = q.Encode()

	cat, err := catalog.Open(u.String(), "winery-tests")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	p, err := pool.NewDirPool(t.TempDir(), "shards")
	require.NoError(t, err)
	return cat, p
}

func testOptions(cat *catalog.Catalog, p pool.Pool, maxSize int64) Options {
	return Options{
		Catalog:       cat,
		Pool:          p,
		MaxSize:       maxSize,
		RWIdleTimeout: time.Hour,
	}
}

func TestSingleAddGet(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()

	w, err := NewWriter(testOptions(cat, p, 1<<20), false)
	require.NoError(t, err)
	defer w.Close(ctx)

	content := []byte("hello")
	id := ObjectID(content)
	require.NoError(t, w.Add(ctx, id, content))

	got, err := w.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	ok, err := w.Contains(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	// unknown id
	_, err = w.Get(ctx, ObjectID([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddIsIdempotent(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()

	w, err := NewWriter(testOptions(cat, p, 1<<20), false)
	require.NoError(t, err)
	defer w.Close(ctx)

	content := []byte("same bytes")
	id := ObjectID(content)
	require.NoError(t, w.Add(ctx, id, content))
	require.NoError(t, w.Add(ctx, id, content))

	got, err := w.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDedupAcrossWriters(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()

	w1, err := NewWriter(testOptions(cat, p, 1<<20), false)
	require.NoError(t, err)
	defer w1.Close(ctx)

	// a second process with its own catalog connection and shard
	dsn := os.Getenv("WINERY_TEST_DB")
	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("options", "-csearch_path="+testSchema)
	u.RawQuery = q.Encode()
	cat2, err := catalog.Open(u.String(), "winery-tests-2")
	require.NoError(t, err)
	defer cat2.Close()
	w2, err := NewWriter(testOptions(cat2, p, 1<<20), false)
	require.NoError(t, err)
	defer w2.Close(ctx)

	content := []byte("popular object")
	id := ObjectID(content)
	require.NoError(t, w1.Add(ctx, id, content))
	require.NoError(t, w2.Add(ctx, id, content)) // no-op success

	// exactly one present row, frozen on w1's shard
	entry, err := cat.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.SigPresent, entry.State)

	got, err := w2.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFillAndPack(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()

	opts := testOptions(cat, p, 1024)
	opts.PackImmediately = true
	opts.CleanImmediately = true
	w, err := NewWriter(opts, false)
	require.NoError(t, err)
	defer w.Close(ctx)

	contents := make(map[string][]byte)
	for i := 0; i < 20; i++ {
		content := make([]byte, 100)
		copy(content, fmt.Sprintf("object number %d", i))
		id := ObjectID(content)
		contents[string(id)] = content
		require.NoError(t, w.Add(ctx, id, content))
	}

	// 20 x 100 B with a 1 KiB threshold: at least one shard filled,
	// packed and, with clean_immediately, retired to readonly.
	readonly, err := cat.ShardsInState(ctx, catalog.StateReadonly)
	require.NoError(t, err)
	require.NotEmpty(t, readonly)
	for _, s := range readonly {
		exists, err := rwshard.Exists(ctx, cat.DB(), s.Name)
		require.NoError(t, err)
		assert.False(t, exists, "RW table of readonly shard %s not dropped", s.Name)
		names, err := p.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, s.Name)
	}

	// every object still readable, bytes identical
	for id, content := range contents {
		got, err := w.Get(ctx, []byte(id))
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}

	// iteration yields exactly the written ids
	seen := map[string]bool{}
	require.NoError(t, w.Iter(ctx, func(id []byte) error {
		seen[string(id)] = true
		return nil
	}))
	assert.Len(t, seen, len(contents))
}

func TestDelete(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()

	w, err := NewWriter(testOptions(cat, p, 1<<20), false)
	require.NoError(t, err)
	defer w.Close(ctx)

	content := []byte("doomed")
	id := ObjectID(content)
	require.NoError(t, w.Add(ctx, id, content))
	require.NoError(t, w.Delete(ctx, id))

	ok, err := w.Contains(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = w.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Iter(ctx, func(got []byte) error {
		assert.NotEqual(t, id, got)
		return nil
	}))

	// deleting again reports not found
	assert.ErrorIs(t, w.Delete(ctx, id), ErrNotFound)

	// a re-add of a deleted id is refused
	assert.ErrorIs(t, w.Add(ctx, id, content), ErrDeleted)
}

func TestPackerRecovery(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()

	// Fill a shard but do not pack: simulate a packer that locked the
	// shard and died.
	opts := testOptions(cat, p, 1024)
	w, err := NewWriter(opts, false)
	require.NoError(t, err)
	defer w.Close(ctx)

	contents := make(map[string][]byte)
	for i := 0; i < 11; i++ {
		content := make([]byte, 100)
		copy(content, fmt.Sprintf("rec %d", i))
		id := ObjectID(content)
		contents[string(id)] = content
		require.NoError(t, w.Add(ctx, id, content))
	}
	full, err := cat.ShardsInState(ctx, catalog.StateFull)
	require.NoError(t, err)
	require.Len(t, full, 1)
	name := full[0].Name

	// dead packer: locked into packing, never finished
	require.NoError(t, cat.SetShardState(ctx, name,
		catalog.StateFull, catalog.StatePacking, true, false))

	cfg := packer.DefaultConfig(1024)
	cfg.ReclaimGrace = -time.Second // everything is stale, for the test

	// a fresh locker_ts is not reclaimable with a real grace
	strict := cfg
	strict.ReclaimGrace = time.Hour
	packed, err := packer.PackOne(ctx, cat, p, strict)
	require.NoError(t, err)
	assert.False(t, packed)

	packed, err = packer.PackOne(ctx, cat, p, cfg)
	require.NoError(t, err)
	assert.True(t, packed)

	got, err := cat.ShardByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatePacked, got.State)

	for id, content := range contents {
		b, err := w.Get(ctx, []byte(id))
		require.NoError(t, err)
		assert.Equal(t, content, b)
	}
}

func TestReadonlyConfigRefusesWriters(t *testing.T) {
	_, err := NewWriter(Options{}, true)
	assert.ErrorIs(t, err, ErrReadonly)
}

func TestIdleRelease(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()

	opts := testOptions(cat, p, 1<<20)
	opts.RWIdleTimeout = time.Nanosecond
	w, err := NewWriter(opts, false)
	require.NoError(t, err)
	defer w.Close(ctx)

	content := []byte("short-lived writer")
	require.NoError(t, w.Add(ctx, ObjectID(content), content))
	time.Sleep(time.Millisecond)
	require.NoError(t, w.ReleaseIdle(ctx))

	standby, err := cat.ShardsInState(ctx, catalog.StateStandby)
	require.NoError(t, err)
	require.Len(t, standby, 1)
	assert.False(t, standby[0].Locker.Valid)

	// the released shard is picked up again by the next add
	content2 := []byte("second object")
	require.NoError(t, w.Add(ctx, ObjectID(content2), content2))
	writing, err := cat.ShardsInState(ctx, catalog.StateWriting)
	require.NoError(t, err)
	require.Len(t, writing, 1)
	assert.Equal(t, standby[0].Name, writing[0].Name)
}
