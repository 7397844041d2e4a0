// Package objstorage presents the client-facing object store: add, get,
// contains, delete and iterate over the composition of the catalog, the
// RW-shards, the shard pool and the throttler.
package objstorage

import (
	"crypto/sha256"
	"errors"
	"time"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/pool"
	"github.com/winery-storage/winery/internal/throttler"
)

var (
	// ErrNotFound means the object id is absent or soft-deleted.
	ErrNotFound = errors.New("object not found")

	// ErrReadonly means a write was attempted on a read-only
	// configuration.
	ErrReadonly = errors.New("object storage is read-only")

	// ErrDeleted means an add hit a soft-deleted id; re-adding a deleted
	// object needs an explicit undelete first.
	ErrDeleted = errors.New("object was deleted")
)

// ObjectID computes the id for content: its SHA-256.
func ObjectID(content []byte) []byte {
	h := sha256.Sum256(content)
	return h[:]
}

// Options configures a Reader or Writer.
type Options struct {
	Catalog   *catalog.Catalog
	Pool      pool.Pool
	Throttler *throttler.Throttler

	// MaxSize is the shard fill threshold in bytes.
	MaxSize int64

	// RWIdleTimeout releases a write shard back to standby after this
	// long without a write.
	RWIdleTimeout time.Duration

	// PackImmediately packs a shard inline as soon as it fills instead
	// of leaving it for an external packer.
	PackImmediately bool

	// CleanImmediately is forwarded to the inline packer.
	CleanImmediately bool

	// MinMappedHosts is forwarded to the inline cleaner.
	MinMappedHosts int
}
