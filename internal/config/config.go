// Package config loads winery config from YAML. Env overrides take precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Database is the catalog connection section.
type Database struct {
	DB              string `yaml:"db"`
	ApplicationName string `yaml:"application_name"`
}

// Shards controls the fill threshold and writer idle release.
type Shards struct {
	MaxSize       int64   `yaml:"max_size"`
	RWIdleTimeout float64 `yaml:"rw_idle_timeout"`
}

// ShardsPool selects and parameterizes the RO-shard pool driver.
type ShardsPool struct {
	Type                     string   `yaml:"type"` // "rbd" or "directory"
	PoolName                 string   `yaml:"pool_name"`
	DataPoolName             string   `yaml:"data_pool_name"`
	BaseDirectory            string   `yaml:"base_directory"`
	UseSudo                  *bool    `yaml:"use_sudo"`
	MapOptions               string   `yaml:"map_options"`
	ImageFeaturesUnsupported []string `yaml:"image_features_unsupported"`
}

// Packer controls who creates images, packs and cleans.
type Packer struct {
	CreateImages     *bool `yaml:"create_images"`
	PackImmediately  *bool `yaml:"pack_immediately"`
	CleanImmediately *bool `yaml:"clean_immediately"`
}

// Throttler limits are cluster-wide; omit the section to disable throttling.
type Throttler struct {
	DB          string `yaml:"db"`
	MaxReadBPS  int64  `yaml:"max_read_bps"`
	MaxWriteBPS int64  `yaml:"max_write_bps"`
}

// Config holds resolved winery settings.
type Config struct {
	Readonly   bool       `yaml:"readonly"`
	Database   Database   `yaml:"database"`
	Shards     Shards     `yaml:"shards"`
	ShardsPool ShardsPool `yaml:"shards_pool"`
	Throttler  *Throttler `yaml:"throttler"`
	Packer     Packer     `yaml:"packer"`
}

// Defaults mirrored from the reference deployment.
const (
	DefaultRWIdleTimeout = 300.0
	DefaultPoolName      = "shards"
)

// Load reads config from path. Empty path falls back to $WINERY_CONFIG, then
// $XDG_CONFIG_HOME/winery/config.yaml. A missing file yields defaults only.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("WINERY_CONFIG")
	}
	if path == "" {
		path = filepath.Join(xdgConfigHome(), "winery", "config.yaml")
	}

	c := &Config{}
	b, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	c.applyDefaults()

	// Env overrides
	if v := os.Getenv("WINERY_DB"); v != "" {
		c.Database.DB = v
	}
	if v := os.Getenv("WINERY_POOL_DIR"); v != "" {
		c.ShardsPool.Type = "directory"
		c.ShardsPool.BaseDirectory = v
	}

	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Shards.RWIdleTimeout <= 0 {
		c.Shards.RWIdleTimeout = DefaultRWIdleTimeout
	}
	if c.ShardsPool.Type == "" {
		c.ShardsPool.Type = "rbd"
	}
	if c.ShardsPool.PoolName == "" {
		c.ShardsPool.PoolName = DefaultPoolName
	}
	if c.ShardsPool.UseSudo == nil {
		t := true
		c.ShardsPool.UseSudo = &t
	}
	if c.Packer.CreateImages == nil {
		t := true
		c.Packer.CreateImages = &t
	}
	if c.Packer.PackImmediately == nil {
		t := true
		c.Packer.PackImmediately = &t
	}
	if c.Packer.CleanImmediately == nil {
		t := true
		c.Packer.CleanImmediately = &t
	}
	if c.Throttler != nil && c.Throttler.DB == "" {
		c.Throttler.DB = c.Database.DB
	}
}

// Validate checks the parts of the config every process needs.
func (c *Config) Validate() error {
	if c.Database.DB == "" {
		return fmt.Errorf("database.db is required")
	}
	if c.Shards.MaxSize <= 0 {
		return fmt.Errorf("shards.max_size must be positive")
	}
	switch c.ShardsPool.Type {
	case "rbd":
	case "directory":
		if c.ShardsPool.BaseDirectory == "" {
			return fmt.Errorf("shards_pool.base_directory is required for directory pools")
		}
	default:
		return fmt.Errorf("unknown shards_pool.type %q", c.ShardsPool.Type)
	}
	return nil
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}
