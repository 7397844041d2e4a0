package packer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/pool"
	"github.com/winery-storage/winery/internal/rwshard"
	"github.com/winery-storage/winery/internal/shardfile"
)

func testEnv(t *testing.T) (*catalog.Catalog, pool.Pool) {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DB")
	if dsn == "" {
		t.Skip("WINERY_TEST_DB not set")
	}
	const schema = "winery_test_packer"
	admin, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	_, err = admin.Exec(`DROP SCHEMA IF EXISTS ` + schema + ` CASCADE`)
	require.NoError(t, err)
	_, err = admin.Exec(`CREATE SCHEMA ` + schema)
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("options", "-csearch_path="+schema)
	u.RawQuery = q.Encode()
	cat, err := catalog.Open(u.String(), "winery-tests")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	p, err := pool.NewDirPool(t.TempDir(), "shards")
	require.NoError(t, err)
	return cat, p
}

// fullShard creates a shard in state full holding n objects.
func fullShard(t *testing.T, cat *catalog.Catalog, n int) (*catalog.Shard, map[string][]byte) {
	t.Helper()
	ctx := context.Background()
	s, err := cat.CreateShard(ctx, catalog.StateWriting)
	require.NoError(t, err)
	rw, err := rwshard.Create(ctx, cat.DB(), s.Name)
	require.NoError(t, err)
	objects := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		content := []byte(fmt.Sprintf("payload %d", i))
		key := sha256.Sum256(content)
		_, err := rw.Add(ctx, nil, key[:], content)
		require.NoError(t, err)
		objects[string(key[:])] = content
	}
	require.NoError(t, cat.SetShardState(ctx, s.Name,
		catalog.StateWriting, catalog.StateFull, false, true))
	return s, objects
}

func TestPackProducesReadableShard(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()
	s, objects := fullShard(t, cat, 50)

	require.NoError(t, Pack(ctx, cat, p, s.Name, DefaultConfig(1<<20)))

	got, err := cat.ShardByName(ctx, s.Name)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatePacked, got.State)
	assert.False(t, got.Locker.Valid)

	rh, err := p.OpenRO(ctx, s.Name)
	require.NoError(t, err)
	defer rh.Close()
	rd, err := shardfile.NewReader(rh)
	require.NoError(t, err)
	assert.Equal(t, 50, rd.Count())
	for key, want := range objects {
		b, err := rd.Get([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, want, b)
	}
}

func TestPackRefusesWrongState(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()
	s, _ := fullShard(t, cat, 3)
	require.NoError(t, Pack(ctx, cat, p, s.Name, DefaultConfig(1<<20)))

	// already packed: the conditional transition loses
	err := Pack(ctx, cat, p, s.Name, DefaultConfig(1<<20))
	assert.ErrorIs(t, err, catalog.ErrConflict)
}

func TestCleanGatesOnMappedHosts(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()
	s, _ := fullShard(t, cat, 5)
	require.NoError(t, Pack(ctx, cat, p, s.Name, DefaultConfig(1<<20)))

	cfg := DefaultConfig(1 << 20)
	cfg.MinMappedHosts = 2
	assert.Error(t, Clean(ctx, cat, s.Name, cfg))

	require.NoError(t, cat.RecordMappedHost(ctx, s.Name, "host-a"))
	require.NoError(t, cat.RecordMappedHost(ctx, s.Name, "host-b"))
	require.NoError(t, Clean(ctx, cat, s.Name, cfg))

	got, err := cat.ShardByName(ctx, s.Name)
	require.NoError(t, err)
	assert.Equal(t, catalog.StateReadonly, got.State)
	exists, err := rwshard.Exists(ctx, cat.DB(), s.Name)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCleanOneSkipsUnderReplicated(t *testing.T) {
	cat, p := testEnv(t)
	ctx := context.Background()
	s, _ := fullShard(t, cat, 5)
	require.NoError(t, Pack(ctx, cat, p, s.Name, DefaultConfig(1<<20)))

	cfg := DefaultConfig(1 << 20)
	cfg.MinMappedHosts = 1
	worked, err := CleanOne(ctx, cat, cfg)
	require.NoError(t, err)
	assert.False(t, worked)

	require.NoError(t, cat.RecordMappedHost(ctx, s.Name, "host-a"))
	worked, err = CleanOne(ctx, cat, cfg)
	require.NoError(t, err)
	assert.True(t, worked)
}
