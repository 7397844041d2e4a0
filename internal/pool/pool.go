// Package pool abstracts durable storage for RO-shard files. Two drivers
// exist: a shared directory on a clustered filesystem, and Ceph RBD images
// mapped as block devices. Both expose the same operation set; the only
// driver-visible difference is HostMapped, which gates cleaning on block
// pools.
package pool

import (
	"context"
	"errors"
	"io"

	"github.com/winery-storage/winery/internal/shardfile"
)

var (
	// ErrUnavailable means the shard's backing artifact is not visible
	// yet (image not created or mapped, file not replicated). Retriable
	// with backoff, bounded by the caller's deadline.
	ErrUnavailable = errors.New("shard not available in pool")
)

// WriterHandle is what the packer writes a shard file into. Finalize makes
// the finished file observable read-only under the shard's name; Abort
// discards a partial write. Neither may leave a partial file visible under
// the final name.
type WriterHandle interface {
	shardfile.SyncWriter
	Finalize() error
	Abort() error
}

// ReaderHandle is random access to a finalized shard file.
type ReaderHandle interface {
	io.ReaderAt
	io.Closer
}

// Pool stores RO-shard files by shard name.
type Pool interface {
	// Create provisions storage for a new shard file. size is the upper
	// bound on the file size; fixed-capacity backends allocate it,
	// directory backends ignore it.
	Create(ctx context.Context, name string, size int64) (WriterHandle, error)
	OpenRO(ctx context.Context, name string) (ReaderHandle, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	// HostMapped reports whether this host can read the shard. Directory
	// pools always can.
	HostMapped(ctx context.Context, name string) (bool, error)
}
