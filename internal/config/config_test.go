package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  db: postgres:///winery
shards:
  max_size: 1073741824
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres:///winery", c.Database.DB)
	assert.Equal(t, DefaultRWIdleTimeout, c.Shards.RWIdleTimeout)
	assert.Equal(t, "rbd", c.ShardsPool.Type)
	assert.Equal(t, DefaultPoolName, c.ShardsPool.PoolName)
	assert.True(t, *c.ShardsPool.UseSudo)
	assert.True(t, *c.Packer.PackImmediately)
	assert.Nil(t, c.Throttler)
	require.NoError(t, c.Validate())
}

func TestLoadDirectoryPool(t *testing.T) {
	path := writeConfig(t, `
database:
  db: postgres:///winery
shards:
  max_size: 1024
shards_pool:
  type: directory
  base_directory: /srv/winery
  pool_name: shards
packer:
  pack_immediately: false
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "directory", c.ShardsPool.Type)
	assert.Equal(t, "/srv/winery", c.ShardsPool.BaseDirectory)
	assert.False(t, *c.Packer.PackImmediately)
	assert.True(t, *c.Packer.CleanImmediately)
	require.NoError(t, c.Validate())
}

func TestThrottlerInheritsDB(t *testing.T) {
	path := writeConfig(t, `
database:
  db: postgres:///winery
shards:
  max_size: 1024
throttler:
  max_read_bps: 100000000
  max_write_bps: 100000000
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, c.Throttler)
	assert.Equal(t, "postgres:///winery", c.Throttler.DB)
	assert.Equal(t, int64(100000000), c.Throttler.MaxReadBPS)
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  db: postgres:///winery
shards:
  max_size: 1024
`)
	t.Setenv("WINERY_DB", "postgres:///other")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres:///other", c.Database.DB)
}

func TestValidateErrors(t *testing.T) {
	c := &Config{}
	c.applyDefaults()
	assert.Error(t, c.Validate())

	c.Database.DB = "postgres:///winery"
	assert.Error(t, c.Validate()) // missing max_size

	c.Shards.MaxSize = 1024
	c.ShardsPool.Type = "directory"
	assert.Error(t, c.Validate()) // missing base_directory

	c.ShardsPool.Type = "s3"
	assert.Error(t, c.Validate())
}
