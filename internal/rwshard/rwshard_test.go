package rwshard

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DB")
	if dsn == "" {
		t.Skip("WINERY_TEST_DB not set")
	}
	const schema = "winery_test_rwshard"

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
	db, err := sql.Open("postgres", u.String())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func key(i int) []byte {
	h := sha256.Sum256([]byte(fmt.Sprintf("k%d", i)))
	return h[:]
}

const shardName = "i0123456789abcdef0123456789abcde"

func TestAddGetContains(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s, err := Create(ctx, db, shardName)
	require.NoError(t, err)

	written, err := s.Add(ctx, nil, key(1), []byte("hello"))
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, int64(5), s.Size())

	// duplicate insert is ignored, content and size unchanged
	written, err = s.Add(ctx, nil, key(1), []byte("other"))
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, int64(5), s.Size())

	got, err := s.Get(ctx, key(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = s.Get(ctx, key(2))
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := s.Contains(ctx, key(1))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Contains(ctx, key(2))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSizeSurvivesReopen(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s, err := Create(ctx, db, shardName)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := s.Add(ctx, nil, key(i), make([]byte, 100))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1000), s.Size())
	assert.True(t, s.IsFull(1000))
	assert.False(t, s.IsFull(1001))

	reopened, err := Open(ctx, db, shardName)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), reopened.Size())
	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestIterAndDrop(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s, err := Create(ctx, db, shardName)
	require.NoError(t, err)
	want := map[string][]byte{}
	for i := 0; i < 20; i++ {
		content := []byte(fmt.Sprintf("content-%d", i))
		_, err := s.Add(ctx, nil, key(i), content)
		require.NoError(t, err)
		want[string(key(i))] = content
	}

	got := map[string][]byte{}
	require.NoError(t, s.Iter(ctx, func(k, content []byte) error {
		got[string(k)] = append([]byte(nil), content...)
		return nil
	}))
	assert.Equal(t, want, got)

	exists, err := Exists(ctx, db, shardName)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Drop(ctx))
	exists, err = Exists(ctx, db, shardName)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAddInTransaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s, err := Create(ctx, db, shardName)
	require.NoError(t, err)

	// rolled-back transaction leaves nothing behind
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = s.Add(ctx, tx, key(1), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	ok, err := s.Contains(ctx, key(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidName(t *testing.T) {
	db := testDB(t)
	_, err := Create(context.Background(), db, "0bad")
	assert.Error(t, err)
	_, err = Open(context.Background(), db, "shard; DROP TABLE x--")
	assert.Error(t, err)
}
